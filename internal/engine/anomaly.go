package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"healthwatch/internal/config"
	"healthwatch/internal/metrics"
	"healthwatch/internal/model"
	"healthwatch/internal/storage"
)

// Detector compares freshly recorded metric points against the service
// baseline and the recent status history.
type Detector struct {
	store     storage.Store
	estimator *Estimator
	cfg       config.AnalyticsConfig
	logger    *slog.Logger
}

func NewDetector(store storage.Store, estimator *Estimator, cfg config.AnalyticsConfig, logger *slog.Logger) *Detector {
	return &Detector{store: store, estimator: estimator, cfg: cfg, logger: logger}
}

// Detect runs the z-score and flapping checks for one metric point. The
// checks are independent and may both fire for the same point; a failed
// baseline lookup skips only the z-score check. Every emitted event is
// persisted first; a persistence failure is logged but never suppresses
// the event.
func (d *Detector) Detect(ctx context.Context, current model.MetricPoint) []model.AnomalyEvent {
	events := make([]model.AnomalyEvent, 0, 2)

	baseline, err := d.estimator.Baseline(ctx, current.ServiceName)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("baseline lookup failed", "service", current.ServiceName, "err", err)
		}
	}
	if baseline != nil {
		if ev, ok := zScoreEvent(current, baseline, d.cfg.AnomalyThreshold); ok {
			events = append(events, ev)
		}
	}

	if ev, ok := d.flappingEvent(ctx, current); ok {
		events = append(events, ev)
	}

	for _, ev := range events {
		metrics.ObserveAnomaly(string(ev.Kind))
		if err := d.store.SaveAnomaly(ctx, ev); err != nil && d.logger != nil {
			d.logger.Warn("anomaly persistence failed",
				"service", ev.ServiceName, "kind", ev.Kind, "err", err)
		}
		if d.logger != nil {
			d.logger.Warn("anomaly detected",
				"service", ev.ServiceName,
				"kind", ev.Kind,
				"severity", ev.Severity,
				"confidence", ev.Confidence,
			)
		}
	}
	return events
}

// zScoreEvent applies the deviation rule. Drops below the baseline are
// actionable availability drops; excursions above are merely noted as
// unusual behavior.
func zScoreEvent(current model.MetricPoint, baseline *model.Baseline, threshold float64) (model.AnomalyEvent, bool) {
	if baseline.Stddev == 0 {
		return model.AnomalyEvent{}, false
	}
	z := math.Abs(current.HealthScore-baseline.Mean) / baseline.Stddev
	if z <= threshold {
		return model.AnomalyEvent{}, false
	}
	severity := model.SeverityWarning
	if z > 3 {
		severity = model.SeverityCritical
	}
	kind := model.AnomalyUnusualBehavior
	if current.HealthScore < baseline.Mean {
		kind = model.AnomalyAvailabilityDrop
	}
	return model.AnomalyEvent{
		Timestamp:   current.Timestamp,
		ServiceName: current.ServiceName,
		Kind:        kind,
		Severity:    severity,
		ZScore:      z,
		Confidence:  math.Min(z/3*100, 100),
		Description: fmt.Sprintf("health score %.1f deviates from baseline %.1f (z-score %.2f)",
			current.HealthScore, baseline.Mean, z),
	}, true
}

// flappingEvent inspects the last hour of recorded statuses; three or
// more distinct values mark the service as flapping.
func (d *Detector) flappingEvent(ctx context.Context, current model.MetricPoint) (model.AnomalyEvent, bool) {
	since := current.Timestamp.Add(-d.cfg.FlapWindow)
	recent, err := d.store.QueryHistory(ctx, current.ServiceName, since, d.cfg.FlapHistoryLimit, false)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("status history lookup failed", "service", current.ServiceName, "err", err)
		}
		return model.AnomalyEvent{}, false
	}
	if len(recent) < 2 {
		return model.AnomalyEvent{}, false
	}
	distinct := make(map[model.Status]struct{}, 4)
	for _, p := range recent {
		distinct[p.Status] = struct{}{}
	}
	if len(distinct) < 3 {
		return model.AnomalyEvent{}, false
	}
	return model.AnomalyEvent{
		Timestamp:   current.Timestamp,
		ServiceName: current.ServiceName,
		Kind:        model.AnomalyFlapping,
		Severity:    model.SeverityWarning,
		FlapCount:   len(distinct),
		Confidence:  75.0,
		Description: fmt.Sprintf("status flapping: %d distinct statuses within %s",
			len(distinct), d.cfg.FlapWindow),
	}, true
}
