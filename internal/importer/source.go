package importer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"rowpipe/internal/config"
	"rowpipe/internal/datasource/file"
	"rowpipe/internal/datasource/httpds"
)

// OpenSource opens the raw byte stream a pipeline reads from, decompressed
// according to the source's compression setting.
func OpenSource(ctx context.Context, s config.Source, log zerolog.Logger) (io.ReadCloser, error) {
	switch s.Kind {
	case "file":
		return file.NewLocal(s.File.Path, s.Compression).Open(ctx)
	case "http":
		client := httpds.NewClient(httpds.Config{
			Timeout:            time.Duration(s.HTTP.TimeoutSeconds) * time.Second,
			MaxRetries:         s.HTTP.MaxRetries,
			InsecureSkipVerify: s.HTTP.InsecureSkipVerify,
			Logger:             log,
		})
		return httpds.NewSource(client, s.HTTP.URL, s.HTTP.Headers, s.Compression).Open(ctx)
	default:
		return nil, fmt.Errorf("unsupported source.kind=%s", s.Kind)
	}
}
