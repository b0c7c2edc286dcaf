package httpds

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func noWait(t *testing.T, c *Client) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	c.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return &waits
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{InsecureSkipVerify: true})
	if c.httpClient.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", c.httpClient.Timeout)
	}
	if c.maxRetries != 0 || c.initialBackoff <= 0 || c.maxBackoff <= 0 {
		t.Fatalf("unexpected defaults: retries=%d initial=%v max=%v", c.maxRetries, c.initialBackoff, c.maxBackoff)
	}
	tp, ok := c.httpClient.Transport.(*http.Transport)
	if !ok || tp.TLSClientConfig == nil || !tp.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("expected an insecure *http.Transport, got %#v", c.httpClient.Transport)
	}
}

func TestNewClient_CustomTransportWins(t *testing.T) {
	t.Parallel()

	custom := &http.Transport{TLSClientConfig: &tls.Config{}}
	c := NewClient(Config{Transport: custom, InsecureSkipVerify: true})
	if c.httpClient.Transport != custom {
		t.Fatalf("custom transport was replaced")
	}
	if custom.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("InsecureSkipVerify leaked into the custom transport")
	}
}

func TestGet_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "abc" || r.Header.Get("Accept") != "text/csv" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	c := NewClient(Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     15 * time.Millisecond,
		BaseHeaders:    http.Header{"X-Token": {"abc"}, "Accept": {"*/*"}},
	})
	waits := noWait(t, c)

	resp, err := c.Get(context.Background(), srv.URL, http.Header{"Accept": {"text/csv"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if len(*waits) != 2 || (*waits)[0] != want[0] || (*waits)[1] != want[1] {
		t.Fatalf("backoffs = %v, want %v", *waits, want)
	}
}

func TestGet_StopsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Config{MaxRetries: 2})
	noWait(t, c)

	if _, err := c.Get(context.Background(), srv.URL, nil); err == nil || !strings.Contains(err.Error(), "retryable status 429") {
		t.Fatalf("expected retryable status error, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestGet_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(Config{MaxRetries: 5})
	c.wait = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepWithContext(ctx, time.Hour)
	}
	if _, err := c.Get(ctx, srv.URL, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		initial time.Duration
		attempt int
		want    time.Duration
	}{
		{100 * time.Millisecond, 0, 100 * time.Millisecond},
		{100 * time.Millisecond, 1, 200 * time.Millisecond},
		{100 * time.Millisecond, 2, 400 * time.Millisecond},
		{600 * time.Millisecond, 1, time.Second},
		{time.Second, 62, time.Second},
	}
	for _, tt := range tests {
		if got := backoffDuration(tt.initial, tt.attempt, time.Second); got != tt.want {
			t.Fatalf("backoffDuration(%v, %d) = %v, want %v", tt.initial, tt.attempt, got, tt.want)
		}
	}
}

func TestSource_Open(t *testing.T) {
	t.Parallel()

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	io.WriteString(zw, "a,b\n1,2\n")
	zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data.csv.gz":
			w.Write(gz.Bytes())
		case "/data.csv":
			io.WriteString(w, "plain")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{})
	read := func(path string) (string, error) {
		rc, err := NewSource(c, srv.URL+path, map[string]string{"Accept": "text/csv"}, "").Open(context.Background())
		if err != nil {
			return "", err
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		return string(b), err
	}

	if got, err := read("/data.csv.gz?v=1"); err != nil || got != "a,b\n1,2\n" {
		t.Fatalf("gzip download = %q, %v", got, err)
	}
	if got, err := read("/data.csv"); err != nil || got != "plain" {
		t.Fatalf("plain download = %q, %v", got, err)
	}
	if _, err := read("/missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected a 404 error, got %v", err)
	}
}
