// Package sequence provides monotonic counters used to populate sequence
// columns. Values handed out by one Sequencer are strictly increasing and
// never reused, even across process restarts for persistent kinds.
package sequence

import (
	"context"
	"fmt"
	"sync"
)

// Sequencer hands out the next value of a named counter.
type Sequencer interface {
	Next(ctx context.Context) (int64, error)
}

// Provider returns the Sequencer for a sequence name.
type Provider interface {
	Sequence(name string) (Sequencer, error)
	Close() error
}

// Memory is an in-process counter starting after Start.
type Memory struct {
	mu   sync.Mutex
	last int64
}

// NewMemory returns a counter whose first value is start+1.
func NewMemory(start int64) *Memory { return &Memory{last: start} }

func (m *Memory) Next(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last++
	return m.last, nil
}

// MemoryProvider keeps one Memory counter per name.
type MemoryProvider struct {
	mu   sync.Mutex
	seqs map[string]*Memory
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{seqs: map[string]*Memory{}}
}

func (p *MemoryProvider) Sequence(name string) (Sequencer, error) {
	if name == "" {
		return nil, fmt.Errorf("sequence: empty name")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.seqs[name]
	if !ok {
		s = NewMemory(0)
		p.seqs[name] = s
	}
	return s, nil
}

func (p *MemoryProvider) Close() error { return nil }
