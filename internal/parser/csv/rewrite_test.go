package csv

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriterAcrossChunkBoundaries(t *testing.T) {
	in := strings.Repeat("ab;;cd;", 30000)
	want := strings.ReplaceAll(in, ";;", ",")

	// OneByteReader forces every match to straddle a read boundary.
	for _, r := range []io.Reader{strings.NewReader(in), iotest.OneByteReader(strings.NewReader(in))} {
		got, err := io.ReadAll(newRewriter(r, []byte(";;"), []byte(",")))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestScrubAppliesRulesInKeyOrder(t *testing.T) {
	r := scrub(strings.NewReader(`a "x" b`), map[string]string{
		`"`:  `'`,
		`'x`: "y",
		"":   "ignored",
		"b":  "b",
	})
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	// `"` sorts before `'x`, so the quote is rewritten first.
	assert.Equal(t, `a y' b`, string(got))
}
