package httpds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"rowpipe/internal/datasource"
)

// Source downloads a single URL on every Open.
type Source struct {
	client      *Client
	url         string
	headers     http.Header
	compression string
}

var _ datasource.Source = (*Source)(nil)

// NewSource binds client to rawURL. headers are added to every download and
// compression follows datasource.Decompress, detecting by the URL path.
func NewSource(client *Client, rawURL string, headers map[string]string, compression string) *Source {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Source{client: client, url: rawURL, headers: h, compression: compression}
}

func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	resp, err := s.client.Get(ctx, s.url, s.headers)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", s.url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: unexpected status %s", s.url, resp.Status)
	}
	name := s.url
	if u, err := url.Parse(s.url); err == nil {
		name = u.Path
	}
	return datasource.Decompress(resp.Body, name, s.compression)
}
