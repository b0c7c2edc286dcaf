package dataiter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListSourceGetOutsideARow(t *testing.T) {
	s := numbered(2)
	assert.Equal(t, 0, s.Get(0))
	assert.Nil(t, s.Get(1), "no current row before the first Next")
	assert.Nil(t, s.Get(-1))

	require.True(t, must(s.Next(context.Background())))
	assert.Equal(t, 1, s.Get(1))
	assert.Nil(t, s.Get(3), "past the last column")

	require.NoError(t, s.BeforeFirst(context.Background()))
	assert.Nil(t, s.Get(2), "rewound before the first row")
}
