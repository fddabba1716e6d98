package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"healthwatch/internal/cache"
	"healthwatch/internal/config"
	"healthwatch/internal/model"
)

const cacheKey = "summary_data"

type ErrorKind string

const (
	ErrTimeout    ErrorKind = "timeout"
	ErrNetwork    ErrorKind = "network"
	ErrHTTPStatus ErrorKind = "http_status"
	ErrMalformed  ErrorKind = "malformed"
)

// Error is the typed failure a fetch resolves to after retries are
// exhausted or a non-retryable condition is hit.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrHTTPStatus:
		return fmt.Sprintf("fetch failed: http status %d after %d attempts", e.StatusCode, e.Attempts)
	case ErrMalformed:
		return fmt.Sprintf("fetch failed: malformed response: %v", e.Err)
	default:
		return fmt.Sprintf("fetch failed: %s after %d attempts: %v", e.Kind, e.Attempts, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Source produces health snapshots. The HTTP fetcher and the Kafka
// consumer both satisfy it.
type Source interface {
	Fetch(ctx context.Context, useCache bool) (*model.Snapshot, error)
}

// Fetcher acquires snapshots over HTTP with per-attempt timeout and
// linearly increasing retry delay. A nil cache disables cache lookups.
type Fetcher struct {
	cfg    config.SourceConfig
	client *http.Client
	cache  *cache.Cache
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) bool
}

func NewFetcher(cfg config.SourceConfig, c *cache.Cache, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  c,
		logger: logger,
		sleep:  backoffSleep,
	}
}

// Fetch returns the latest snapshot. With useCache set, a valid cache
// entry is returned without any network traffic and zero retries.
func (f *Fetcher) Fetch(ctx context.Context, useCache bool) (*model.Snapshot, error) {
	if useCache && f.cache != nil {
		if data, err := f.cache.Get(cacheKey); err == nil {
			snap, perr := ParseSummary(data, time.Now().UTC())
			if perr == nil {
				snap.Cached = true
				if f.logger != nil {
					f.logger.Debug("using cached snapshot", "services", len(snap.Services))
				}
				return snap, nil
			}
			f.cache.Delete(cacheKey)
		}
	}
	return f.fetchFresh(ctx)
}

func (f *Fetcher) fetchFresh(ctx context.Context) (*model.Snapshot, error) {
	start := time.Now()
	attempts := f.cfg.MaxRetries + 1
	var lastErr *Error
	for attempt := 1; attempt <= attempts; attempt++ {
		data, ferr := f.doRequest(ctx)
		if ferr == nil {
			snap, perr := ParseSummary(data, time.Now().UTC())
			if perr != nil {
				return nil, &Error{Kind: ErrMalformed, Attempts: attempt, Err: perr}
			}
			snap.Latency = time.Since(start)
			snap.Attempts = attempt
			if f.cache != nil {
				if err := f.cache.Put(cacheKey, data); err != nil && f.logger != nil {
					f.logger.Warn("cache write failed", "err", err)
				}
			}
			if f.logger != nil {
				f.logger.Info("snapshot fetched",
					"services", len(snap.Services),
					"latency", snap.Latency,
					"attempt", attempt,
				)
			}
			return snap, nil
		}
		ferr.Attempts = attempt
		lastErr = ferr
		if !retryable(ferr) || attempt == attempts {
			break
		}
		if f.logger != nil {
			f.logger.Warn("fetch attempt failed, retrying",
				"kind", ferr.Kind,
				"attempt", attempt,
				"err", ferr.Err,
			)
		}
		if !f.sleep(ctx, f.cfg.RetryDelay*time.Duration(attempt)) {
			break
		}
	}
	if lastErr == nil {
		lastErr = &Error{Kind: ErrNetwork, Err: errors.New("no attempts made")}
	}
	return nil, lastErr
}

func (f *Fetcher) doRequest(ctx context.Context) ([]byte, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &Error{Kind: ErrHTTPStatus, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("http status %s", resp.Status)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	return data, nil
}

func classifyNetErr(err error) *Error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	return &Error{Kind: ErrNetwork, Err: err}
}

func retryable(e *Error) bool {
	switch e.Kind {
	case ErrTimeout, ErrNetwork:
		return true
	case ErrHTTPStatus:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

func backoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
