package dataiter

import (
	"context"
	"errors"
)

// Builder produces a fresh cursor chain for one run. Builders hold
// configuration only; every Build call creates new cursors and new per-run
// state, so one builder may be used for many runs.
type Builder interface {
	Build(ctx context.Context, rc *RunContext) (Cursor, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, rc *RunContext) (Cursor, error)

func (f BuilderFunc) Build(ctx context.Context, rc *RunContext) (Cursor, error) { return f(ctx, rc) }

// StageFunc wraps an upstream cursor in one more stage.
type StageFunc func(ctx context.Context, rc *RunContext, in Cursor) (Cursor, error)

// Chain composes a source builder with stages applied in order. If a stage
// fails the cursors built so far are closed. A stage that records setup
// errors without returning an error aborts the build as well.
func Chain(src Builder, stages ...StageFunc) Builder {
	return BuilderFunc(func(ctx context.Context, rc *RunContext) (Cursor, error) {
		cur, err := src.Build(ctx, rc)
		if err != nil {
			return nil, err
		}
		for _, stage := range stages {
			if stage == nil {
				continue
			}
			next, err := stage(ctx, rc, cur)
			if err == nil && rc.Errors().HasSetupErrors() {
				err = &AbortError{Errors: rc.Errors()}
			}
			if err != nil {
				if next != nil {
					err = errors.Join(err, next.Close())
				} else {
					err = errors.Join(err, cur.Close())
				}
				return nil, err
			}
			cur = next
		}
		return cur, nil
	})
}

// Source adapts a constructor of a source cursor to Builder.
func Source(open func(ctx context.Context) (Cursor, error)) Builder {
	return BuilderFunc(func(ctx context.Context, _ *RunContext) (Cursor, error) {
		return open(ctx)
	})
}
