// Package file implements a local filesystem-backed data source.
package file

import (
	"context"
	"fmt"
	"io"
	"os"

	"rowpipe/internal/datasource"
)

// Local opens a file from the local disk, decompressing gzip or zstd
// content according to its compression mode.
type Local struct {
	path        string
	compression string
}

var _ datasource.Source = (*Local)(nil)

// NewLocal returns a Local bound to path. compression is one of the
// datasource.Compression names; empty means auto-detect by extension.
func NewLocal(path, compression string) *Local {
	return &Local{path: path, compression: compression}
}

// Open returns the context error without touching the filesystem when ctx is
// already done. Filesystem errors keep their cause for errors.Is checks.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	return datasource.Decompress(f, l.path, l.compression)
}
