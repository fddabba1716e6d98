package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"healthwatch/internal/cache"
	"healthwatch/internal/config"
)

func testFetcher(url string, c *cache.Cache) (*Fetcher, *[]time.Duration) {
	cfg := config.SourceConfig{
		URL:        url,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
		UserAgent:  "healthwatch-test",
	}
	f := NewFetcher(cfg, c, nil)
	var sleeps []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return true
	}
	return f, &sleeps
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(sampleSummary))
	}))
	defer srv.Close()

	f, sleeps := testFetcher(srv.URL, nil)
	snap, err := f.Fetch(context.Background(), false)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if snap.Attempts != 3 {
		t.Fatalf("attempts: %d, want 3", snap.Attempts)
	}
	if snap.Cached {
		t.Fatalf("fresh fetch reported as cached")
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps: %v", *sleeps)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Fatalf("sleep %d = %v, want %v", i, (*sleeps)[i], d)
		}
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, _ := testFetcher(srv.URL, nil)
	_, err := f.Fetch(context.Background(), false)
	var ferr *Error
	if !errors.As(err, &ferr) {
		t.Fatalf("expected typed fetch error, got %v", err)
	}
	if ferr.Kind != ErrHTTPStatus || ferr.StatusCode != http.StatusBadGateway {
		t.Fatalf("kind=%s status=%d", ferr.Kind, ferr.StatusCode)
	}
	if ferr.Attempts != 4 {
		t.Fatalf("attempts: %d, want 4", ferr.Attempts)
	}
	if calls != 4 {
		t.Fatalf("server calls: %d, want 4", calls)
	}
}

func TestFetchClientErrorNoRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, sleeps := testFetcher(srv.URL, nil)
	_, err := f.Fetch(context.Background(), false)
	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Kind != ErrHTTPStatus {
		t.Fatalf("expected http status error, got %v", err)
	}
	if calls != 1 || len(*sleeps) != 0 {
		t.Fatalf("calls=%d sleeps=%v, want single attempt", calls, *sleeps)
	}
}

func TestFetchMalformedNoRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	f, _ := testFetcher(srv.URL, nil)
	_, err := f.Fetch(context.Background(), false)
	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Kind != ErrMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls: %d, want 1", calls)
	}
}

func TestFetchUsesCache(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(sampleSummary))
	}))
	defer srv.Close()

	c, err := cache.New(config.CacheConfig{
		Directory:    t.TempDir(),
		TTL:          time.Minute,
		MaxSizeBytes: 1 << 20,
		Compression:  true,
	}, nil)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	f, _ := testFetcher(srv.URL, c)
	if _, err := f.Fetch(context.Background(), true); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	snap, err := f.Fetch(context.Background(), true)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !snap.Cached {
		t.Fatalf("expected cached snapshot")
	}
	if calls != 1 {
		t.Fatalf("server calls: %d, want 1", calls)
	}
}

func TestFetchBypassesCache(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(sampleSummary))
	}))
	defer srv.Close()

	c, err := cache.New(config.CacheConfig{
		Directory:    t.TempDir(),
		TTL:          time.Minute,
		MaxSizeBytes: 1 << 20,
	}, nil)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	f, _ := testFetcher(srv.URL, c)
	f.Fetch(context.Background(), true)
	f.Fetch(context.Background(), false)
	if calls != 2 {
		t.Fatalf("server calls: %d, want 2", calls)
	}
}
