package dataiter

import (
	"context"
	"math/rand/v2"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowpipe/internal/schema"
)

func mixedSource(n int) *ListSource {
	cols := []*schema.Column{
		{Name: "id", Type: schema.TypeInt},
		{Name: "reading", Type: schema.TypeFloat, MVEnabled: true},
		{Name: "seen", Type: schema.TypeTimestamp},
	}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := make([][]any, n)
	for i := range rows {
		var reading any = float64(i) / 2
		if i%3 == 1 {
			reading = MissingValue{Value: float64(i), Indicator: "Q"}
		}
		rows[i] = []any{int64(i + 1), reading, base.Add(time.Duration(i) * time.Hour)}
	}
	return NewListSource(cols, rows)
}

func TestCacheSpillMatchesSource(t *testing.T) {
	want := drainAll(t, mixedSource(10))

	dir := t.TempDir()
	c := NewCache(mixedSource(10), newRC(), CacheOptions{Retain: true, SpillLimit: 3, SpillBatch: 2, SpillDir: dir})
	got := drainAll(t, c)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("first pass (-want +got):\n%s", diff)
	}
	require.NotNil(t, c.disk, "rows beyond the limit spill to disk")

	require.True(t, c.IsScrollable())
	require.NoError(t, c.BeforeFirst(context.Background()))
	again := drainAll(t, c)
	if diff := cmp.Diff(want, again); diff != "" {
		t.Fatalf("replay (-want +got):\n%s", diff)
	}

	require.NoError(t, c.Close())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spill file is removed on close")
}

func TestCacheMarkAndReset(t *testing.T) {
	ctx := context.Background()
	for _, limit := range []int{0, 2} {
		c := NewCache(numbered(10), newRC(), CacheOptions{SpillLimit: limit, SpillBatch: 1, SpillDir: t.TempDir()})
		for i := 0; i < 3; i++ {
			require.True(t, must(c.Next(ctx)))
		}
		require.NoError(t, c.Mark())
		var first []int
		for i := 0; i < 4; i++ {
			require.True(t, must(c.Next(ctx)))
			first = append(first, Ordinal(c))
		}
		c.Reset()
		assert.Nil(t, c.Get(0))
		rest := ordinals(drainAll(t, c))

		assert.Equal(t, []int{4, 5, 6, 7}, first, "limit %d", limit)
		assert.Equal(t, []int{4, 5, 6, 7, 8, 9, 10}, rest, "limit %d", limit)
		assert.Equal(t, 10, c.Position())
		require.NoError(t, c.Close())
	}
}

// TestCacheMarkResetThenReplay reads 10 rows through a cache that spills
// beyond 3 rows in batches of 2, repeatedly marking and resetting, and then
// rewinds to the start. Every row read must be the source row at that
// position, and the replay must be the untouched source.
func TestCacheMarkResetThenReplay(t *testing.T) {
	ctx := context.Background()
	want := drainAll(t, mixedSource(10))

	type step struct {
		reads int
		mark  bool
		reset bool
	}
	script := []step{
		{reads: 2, mark: true},
		{reads: 3, reset: true},
		{reads: 4, mark: true},
		{reads: 2, reset: true},
		{reads: 1, mark: true},
		{reads: 5, reset: true},
		{reads: 10},
	}

	for _, retain := range []bool{true, false} {
		c := NewCache(mixedSource(10), newRC(), CacheOptions{Retain: retain, SpillLimit: 3, SpillBatch: 2, SpillDir: t.TempDir()})
		pos, mark := 0, 1
		for si, st := range script {
			for r := 0; r < st.reads; r++ {
				ok, err := c.Next(ctx)
				require.NoError(t, err, "retain=%v step %d", retain, si)
				if pos == len(want) {
					require.False(t, ok, "retain=%v step %d: read past the end", retain, si)
					continue
				}
				require.True(t, ok, "retain=%v step %d read %d", retain, si, r)
				if diff := cmp.Diff(want[pos], Snapshot(c)); diff != "" {
					t.Fatalf("retain=%v step %d position %d (-want +got):\n%s", retain, si, pos+1, diff)
				}
				pos++
			}
			if st.mark {
				require.NoError(t, c.Mark())
				mark = pos + 1
			}
			if st.reset {
				c.Reset()
				pos = mark - 1
			}
		}
		require.NotNil(t, c.disk, "retain=%v: rows beyond the limit spill", retain)

		require.True(t, c.IsScrollable())
		require.NoError(t, c.BeforeFirst(ctx))
		if diff := cmp.Diff(want, drainAll(t, c)); diff != "" {
			t.Fatalf("retain=%v replay (-want +got):\n%s", retain, diff)
		}
		require.NoError(t, c.Close())
	}
}

// TestCacheRandomWalk drives Mark, Reset and BeforeFirst in random order
// over several spill limits and checks each row against its position.
func TestCacheRandomWalk(t *testing.T) {
	ctx := context.Background()
	const n = 12
	want := drainAll(t, mixedSource(n))
	rng := rand.New(rand.NewPCG(7, 11))

	for _, retain := range []bool{true, false} {
		for limit := 0; limit <= 5; limit++ {
			c := NewCache(mixedSource(n), newRC(), CacheOptions{Retain: retain, SpillLimit: limit, SpillBatch: 2, SpillDir: t.TempDir()})
			pos, mark := 0, 1
			for op := 0; op < 300; op++ {
				switch k := rng.IntN(10); {
				case k < 6:
					ok, err := c.Next(ctx)
					require.NoError(t, err)
					if pos == n {
						require.False(t, ok)
						continue
					}
					require.True(t, ok)
					if diff := cmp.Diff(want[pos], Snapshot(c)); diff != "" {
						t.Fatalf("retain=%v limit=%d op %d position %d (-want +got):\n%s", retain, limit, op, pos+1, diff)
					}
					pos++
				case k < 8:
					require.NoError(t, c.Mark())
					mark = pos + 1
				case k < 9:
					c.Reset()
					pos = mark - 1
				default:
					require.NoError(t, c.BeforeFirst(ctx))
					pos, mark = 0, 1
				}
			}
			require.NoError(t, c.Close())
		}
	}
}

func TestCacheBeforeFirstRewindsUpstream(t *testing.T) {
	c := NewCache(numbered(4), newRC(), CacheOptions{})
	first := drainAll(t, c)
	require.True(t, c.IsScrollable())
	require.NoError(t, c.BeforeFirst(context.Background()))
	assert.Equal(t, first, drainAll(t, c))
}

func TestCacheNotScrollableOverForwardOnlyInput(t *testing.T) {
	c := NewCache(&closeTracker{Cursor: numbered(2)}, newRC(), CacheOptions{})
	assert.False(t, c.IsScrollable())
	assert.Error(t, c.BeforeFirst(context.Background()))
}

func TestPrefetchWindows(t *testing.T) {
	var windows [][]int
	p := NewPrefetch(numbered(8), newRC(), 3, CacheOptions{SpillLimit: 2, SpillBatch: 1, SpillDir: t.TempDir()},
		func(_ context.Context, rows [][]any) error {
			windows = append(windows, ordinals(rows))
			return nil
		})
	out := drainAll(t, p)
	require.NoError(t, p.Close())

	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7, 8}}, windows)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, ordinals(out))
}

func TestEmbargoHoldsRowsUntilCommitted(t *testing.T) {
	ctx := context.Background()

	e := NewEmbargo(numbered(3), newRC())
	e.ReportCommitted(1)
	require.True(t, must(e.Next(ctx)))
	assert.Equal(t, 1, Ordinal(e))
	assert.Len(t, e.queue, 0, "a committed head is released without reading ahead")

	e.ReportCommitted(0)
	assert.Equal(t, 1, e.Committed(), "the watermark never moves back")

	// Nothing else is committed, so the rest is released at end of stream.
	assert.Equal(t, []int{2, 3}, ordinals(drainAll(t, e)))
	assert.False(t, must(e.Next(ctx)))
	assert.Nil(t, e.Get(1))
}

// wideOrdinals reports ordinals as int64, as drivers and decoders do.
type wideOrdinals struct{ Cursor }

func (w wideOrdinals) Get(i int) any {
	if i == 0 {
		return int64(Ordinal(w.Cursor))
	}
	return w.Cursor.Get(i)
}

func TestEmbargoReadsInt64Ordinals(t *testing.T) {
	ctx := context.Background()

	e := NewEmbargo(wideOrdinals{numbered(3)}, newRC())
	require.True(t, must(e.Next(ctx)))
	assert.Equal(t, 1, Ordinal(e))
	assert.Len(t, e.queue, 2, "nothing committed, so rows are only released at end of stream")

	e = NewEmbargo(wideOrdinals{numbered(3)}, newRC())
	e.ReportCommitted(1)
	require.True(t, must(e.Next(ctx)))
	assert.Len(t, e.queue, 0, "a committed int64 head is released without reading ahead")
	assert.Equal(t, []int{2, 3}, ordinals(drainAll(t, e)))
}
