// Package lookup resolves foreign-key values given by one of the lookup
// table's alternate keys (a title or code column) to the key itself.
package lookup

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"rowpipe/internal/dataiter"
	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// Remapper is a dataiter.Remapper over one foreign key. The alternate key
// maps are read once, on first use, and kept for the life of the Remapper,
// so build a new one for every run.
type Remapper struct {
	repo storage.Repository
	fk   *schema.ForeignKey

	once sync.Once
	err  error
	keys []altKey
}

type altKey struct {
	column string
	values map[string][]any
}

var _ dataiter.Remapper = (*Remapper)(nil)

// New returns a Remapper for fk. Columns are tried in the order of AltKeys,
// followed by TitleColumn when it is not already listed.
func New(repo storage.Repository, fk *schema.ForeignKey) (*Remapper, error) {
	if fk == nil || fk.Table == "" || fk.Column == "" {
		return nil, fmt.Errorf("lookup: foreign key needs a table and a column")
	}
	cols := append([]string(nil), fk.AltKeys...)
	if fk.TitleColumn != "" && !containsFold(cols, fk.TitleColumn) {
		cols = append(cols, fk.TitleColumn)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("lookup: %s has no alternate keys", fk.Table)
	}
	r := &Remapper{repo: repo, fk: fk, keys: make([]altKey, len(cols))}
	for i, c := range cols {
		r.keys[i].column = c
	}
	return r, nil
}

func (r *Remapper) load(ctx context.Context) error {
	r.once.Do(func() {
		g, gctx := errgroup.WithContext(ctx)
		for i := range r.keys {
			k := &r.keys[i]
			g.Go(func() error {
				m, err := r.repo.LookupMap(gctx, r.fk.Table, k.column, r.fk.Column)
				if err != nil {
					return err
				}
				k.values = make(map[string][]any, len(m))
				for key, vals := range m {
					fold := strings.ToLower(strings.TrimSpace(key))
					k.values[fold] = append(k.values[fold], vals...)
				}
				return nil
			})
		}
		r.err = g.Wait()
	})
	return r.err
}

// Remap looks v up in each alternate key column in turn. The first column
// holding v decides: one match maps it, several are an ambiguity reported
// as a *dataiter.ValueError. found is false when no column holds v.
func (r *Remapper) Remap(ctx context.Context, v any) (any, bool, error) {
	if v == nil {
		return nil, false, nil
	}
	if err := r.load(ctx); err != nil {
		return nil, false, fmt.Errorf("lookup %s: %w", r.fk.Table, err)
	}
	key := strings.ToLower(strings.TrimSpace(storage.KeyString([]any{v})))
	for _, k := range r.keys {
		vals, ok := k.values[key]
		if !ok {
			continue
		}
		if distinct(vals) > 1 {
			return nil, false, &dataiter.ValueError{Msg: fmt.Sprintf(
				"Value '%v' matches %d rows of %s by %s", v, len(vals), r.fk.Table, k.column)}
		}
		return vals[0], true, nil
	}
	return nil, false, nil
}

func distinct(vals []any) int {
	seen := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		seen[storage.KeyString([]any{v})] = struct{}{}
	}
	return len(seen)
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}
