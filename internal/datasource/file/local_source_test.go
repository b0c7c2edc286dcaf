package file

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const payload = "id,name\n1,ann\n2,bob\n"

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return p
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func zstded(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll([]byte(s), nil)
}

// TestLocalOpen covers plain and compressed files, missing files and a
// pre-canceled context.
func TestLocalOpen(t *testing.T) {
	t.Parallel()

	type tc struct {
		name            string
		prepare         func(t *testing.T) string
		compression     string
		cancel          bool
		wantErrIs       error
		wantErrContains string
		wantContent     string
	}

	cases := []tc{
		{
			name:        "plain",
			prepare:     func(t *testing.T) string { return writeFile(t, "data.csv", []byte(payload)) },
			wantContent: payload,
		},
		{
			name:        "gzip_by_extension",
			prepare:     func(t *testing.T) string { return writeFile(t, "data.csv.gz", gzipped(t, payload)) },
			wantContent: payload,
		},
		{
			name:        "zstd_by_extension",
			prepare:     func(t *testing.T) string { return writeFile(t, "data.csv.zst", zstded(t, payload)) },
			wantContent: payload,
		},
		{
			name:        "explicit_gzip_without_extension",
			prepare:     func(t *testing.T) string { return writeFile(t, "data.bin", gzipped(t, payload)) },
			compression: "gzip",
			wantContent: payload,
		},
		{
			name:        "none_keeps_compressed_bytes",
			prepare:     func(t *testing.T) string { return writeFile(t, "raw.gz", []byte(payload)) },
			compression: "none",
			wantContent: payload,
		},
		{
			name:            "corrupt_gzip",
			prepare:         func(t *testing.T) string { return writeFile(t, "bad.gz", []byte("not gzip")) },
			wantErrContains: "gzip ",
		},
		{
			name:            "missing_file_errors_with_wrapping",
			prepare:         func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.txt") },
			wantErrIs:       os.ErrNotExist,
			wantErrContains: "open ",
		},
		{
			name:      "pre_canceled_context_short_circuits",
			prepare:   func(t *testing.T) string { return writeFile(t, "data.csv", []byte("ignored")) },
			cancel:    true,
			wantErrIs: context.Canceled,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if c.cancel {
				cancel()
			}

			rc, err := NewLocal(c.prepare(t), c.compression).Open(ctx)
			if c.wantErrIs != nil || c.wantErrContains != "" {
				if err == nil {
					rc.Close()
					t.Fatalf("expected an error, got nil")
				}
				if c.wantErrIs != nil && !errors.Is(err, c.wantErrIs) {
					t.Fatalf("errors.Is(%v, %v) = false", err, c.wantErrIs)
				}
				if !strings.Contains(err.Error(), c.wantErrContains) {
					t.Fatalf("error %q does not contain %q", err, c.wantErrContains)
				}
				if rc != nil {
					t.Fatalf("got non-nil ReadCloser on error: %T", rc)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() unexpected error: %v", err)
			}
			defer rc.Close()

			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("reading: %v", err)
			}
			if string(got) != c.wantContent {
				t.Fatalf("content mismatch: got %q, want %q", got, c.wantContent)
			}
		})
	}
}

func BenchmarkLocalOpen_Gzip(b *testing.B) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(strings.Repeat(payload, 1000)))
	zw.Close()
	p := filepath.Join(b.TempDir(), "data.csv.gz")
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		b.Fatal(err)
	}
	src := NewLocal(p, "")
	ctx := context.Background()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		rc, err := src.Open(ctx)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := io.Copy(io.Discard, rc); err != nil {
			b.Fatal(err)
		}
		rc.Close()
	}
}
