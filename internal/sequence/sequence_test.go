package sequence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, s Sequencer) int64 {
	t.Helper()
	v, err := s.Next(context.Background())
	require.NoError(t, err)
	return v
}

func TestMemoryProvider(t *testing.T) {
	p := NewMemoryProvider()
	a, err := p.Sequence("a")
	require.NoError(t, err)
	b, err := p.Sequence("b")
	require.NoError(t, err)
	again, err := p.Sequence("a")
	require.NoError(t, err)

	assert.Equal(t, int64(1), next(t, a))
	assert.Equal(t, int64(2), next(t, again))
	assert.Equal(t, int64(1), next(t, b))

	_, err = p.Sequence("")
	assert.Error(t, err)
}

func TestMemoryConcurrentValuesAreUnique(t *testing.T) {
	m := NewMemory(0)
	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				v, _ := m.Next(context.Background())
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory(0).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBoltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq.db")

	p, err := OpenBolt(path, 3)
	require.NoError(t, err)
	s, err := p.Sequence("orders")
	require.NoError(t, err)
	var got []int64
	for i := 0; i < 4; i++ {
		got = append(got, next(t, s))
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, got)
	require.NoError(t, p.Close())

	// The second block (4..6) was reserved, so 5 and 6 are skipped.
	p, err = OpenBolt(path, 3)
	require.NoError(t, err)
	defer p.Close()
	s, err = p.Sequence("orders")
	require.NoError(t, err)
	assert.Equal(t, int64(7), next(t, s))

	other, err := p.Sequence("invoices")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next(t, other))
}
