// Package datasource opens the byte streams the parsers read from.
package datasource

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Source opens a fresh stream of raw input bytes. Each call to Open returns
// an independent reader positioned at the start of the data.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Compression names accepted by Decompress.
const (
	CompressionAuto = "auto"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

// Decompress wraps rc in a decoder chosen by mode. In auto mode (or when mode
// is empty) the decoder is picked from the extension of name. Closing the
// result closes rc.
func Decompress(rc io.ReadCloser, name, mode string) (io.ReadCloser, error) {
	if mode == "" || mode == CompressionAuto {
		switch strings.ToLower(path.Ext(name)) {
		case ".gz", ".gzip":
			mode = CompressionGzip
		case ".zst", ".zstd":
			mode = CompressionZstd
		default:
			mode = CompressionNone
		}
	}
	switch mode {
	case CompressionNone:
		return rc, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("gzip %s: %w", name, err)
		}
		return &decoded{Reader: zr, closers: []io.Closer{zr, rc}}, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("zstd %s: %w", name, err)
		}
		dec := zr.IOReadCloser()
		return &decoded{Reader: dec, closers: []io.Closer{dec, rc}}, nil
	default:
		rc.Close()
		return nil, fmt.Errorf("unknown compression %q", mode)
	}
}

type decoded struct {
	io.Reader
	closers []io.Closer
}

func (d *decoded) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
