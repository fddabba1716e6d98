package engine

import (
	"context"
	"log/slog"
	"time"

	"healthwatch/internal/config"
	"healthwatch/internal/fetch"
	"healthwatch/internal/metrics"
	"healthwatch/internal/model"
	"healthwatch/internal/storage"
)

// Engine orchestrates one acquisition/analysis cycle: fetch a snapshot,
// record it, then run detection (and optionally prediction) against the
// freshly recorded data. All collaborators are injected at construction;
// the engine holds no global state.
type Engine struct {
	source    fetch.Source
	store     storage.Store
	estimator *Estimator
	detector  *Detector
	predictor *Predictor
	cfg       config.AnalyticsConfig
	logger    *slog.Logger
}

func New(source fetch.Source, store storage.Store, cfg config.AnalyticsConfig, logger *slog.Logger) *Engine {
	estimator := NewEstimator(store, cfg, logger)
	return &Engine{
		source:    source,
		store:     store,
		estimator: estimator,
		detector:  NewDetector(store, estimator, cfg, logger),
		predictor: NewPredictor(store, cfg, logger),
		cfg:       cfg,
		logger:    logger,
	}
}

type CycleOptions struct {
	UseCache bool
	// Predict enables trend forecasting for this cycle. Prediction is
	// heavier than detection and usually requested explicitly rather
	// than every cycle.
	Predict      bool
	HorizonHours int
}

// RunCycle performs one full cycle. A fetch or record failure returns a
// result with no snapshot; no analysis runs against stale data. Once the
// snapshot is committed the cycle never rolls it back, even if analysis
// is cancelled afterwards.
func (e *Engine) RunCycle(ctx context.Context, opts CycleOptions) (model.CycleResult, error) {
	start := time.Now()
	result := model.CycleResult{Anomalies: []model.AnomalyEvent{}}

	snap, err := e.source.Fetch(ctx, opts.UseCache)
	if err != nil {
		result.Err = err.Error()
		metrics.ObserveCycle(time.Since(start), metrics.OutcomeError)
		return result, err
	}

	if _, err := e.store.RecordSnapshot(ctx, snap); err != nil {
		if e.logger != nil {
			e.logger.Error("snapshot record failed", "err", err)
		}
		result.Err = err.Error()
		metrics.ObserveCycle(time.Since(start), metrics.OutcomeError)
		return result, err
	}
	result.Snapshot = snap

	for _, svc := range snap.Services {
		if ctx.Err() != nil {
			break
		}
		point := model.MetricPoint{
			ServiceName: svc.Name,
			Timestamp:   snap.FetchedAt,
			HealthScore: model.HealthScore(svc.Status, snap.SourceUpdatedAt, snap.FetchedAt),
			Status:      svc.Status,
		}
		result.Anomalies = append(result.Anomalies, e.detector.Detect(ctx, point)...)
	}

	if opts.Predict && ctx.Err() == nil {
		horizon := opts.HorizonHours
		if horizon <= 0 {
			horizon = e.cfg.DefaultHorizonHours
		}
		for _, svc := range snap.Services {
			if ctx.Err() != nil {
				break
			}
			pred, err := e.predictor.Predict(ctx, svc.Name, horizon, model.MetricAvailability)
			if err != nil {
				if e.logger != nil {
					e.logger.Error("prediction failed", "service", svc.Name, "err", err)
				}
				continue
			}
			if pred != nil {
				result.Predictions = append(result.Predictions, *pred)
			}
		}
	}

	metrics.ObserveCycle(time.Since(start), metrics.OutcomeSuccess)
	if e.logger != nil {
		e.logger.Info("cycle complete",
			"services", len(snap.Services),
			"anomalies", len(result.Anomalies),
			"predictions", len(result.Predictions),
			"cached", snap.Cached,
			"elapsed", time.Since(start),
		)
	}
	return result, nil
}

// Predict exposes on-demand forecasting outside the cycle path, for
// callers that want a specific service, horizon, or metric kind.
func (e *Engine) Predict(ctx context.Context, service string, horizonHours int, kind model.MetricKind) (*model.Prediction, error) {
	if horizonHours <= 0 {
		horizonHours = e.cfg.DefaultHorizonHours
	}
	return e.predictor.Predict(ctx, service, horizonHours, kind)
}

// RefreshBaselines drops every cached baseline; the next detection pass
// recomputes them from the store.
func (e *Engine) RefreshBaselines() {
	e.estimator.Reset()
}

// Cleanup applies the retention policy to the store.
func (e *Engine) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	return e.store.CleanupOlderThan(ctx, retentionDays)
}
