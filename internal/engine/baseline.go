package engine

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"healthwatch/internal/config"
	"healthwatch/internal/model"
	"healthwatch/internal/storage"
)

// Estimator computes per-service rolling baselines from stored history.
// Computed baselines are cached for the process lifetime; they are
// advisory and can be discarded at any time.
type Estimator struct {
	store  storage.Store
	cfg    config.AnalyticsConfig
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*model.Baseline
}

func NewEstimator(store storage.Store, cfg config.AnalyticsConfig, logger *slog.Logger) *Estimator {
	return &Estimator{
		store:  store,
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]*model.Baseline),
	}
}

// Baseline returns the cached or freshly computed baseline for a service.
// A nil baseline with nil error means there is not enough history yet;
// callers skip anomaly detection in that case.
func (e *Estimator) Baseline(ctx context.Context, service string) (*model.Baseline, error) {
	e.mu.Lock()
	if b, ok := e.cache[service]; ok {
		e.mu.Unlock()
		return b, nil
	}
	e.mu.Unlock()

	since := time.Now().UTC().AddDate(0, 0, -e.cfg.LearningWindowDays)
	points, err := e.store.QueryHistory(ctx, service, since, e.cfg.BaselineLimit, false)
	if err != nil {
		return nil, err
	}
	if len(points) < e.cfg.MinSamples {
		if e.logger != nil {
			e.logger.Debug("insufficient history for baseline",
				"service", service, "samples", len(points))
		}
		return nil, nil
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.HealthScore
	}
	b := &model.Baseline{
		Mean:        mean(values),
		Stddev:      sampleStddev(values),
		SampleCount: len(values),
	}
	e.mu.Lock()
	e.cache[service] = b
	e.mu.Unlock()
	return b, nil
}

// Invalidate drops the cached baseline for one service.
func (e *Estimator) Invalidate(service string) {
	e.mu.Lock()
	delete(e.cache, service)
	e.mu.Unlock()
}

// Reset drops every cached baseline so the next check recomputes from
// the store.
func (e *Estimator) Reset() {
	e.mu.Lock()
	e.cache = make(map[string]*model.Baseline)
	e.mu.Unlock()
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleStddev uses the n-1 denominator and returns 0 for fewer than two
// values, which causes z-score checks to be skipped rather than divide
// by zero.
func sampleStddev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(n-1))
}
