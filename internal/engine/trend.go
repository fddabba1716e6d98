package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"healthwatch/internal/config"
	"healthwatch/internal/metrics"
	"healthwatch/internal/model"
	"healthwatch/internal/storage"
)

// Predictor fits a linear trend over recent history and extrapolates it.
// The regression runs over the sequence index rather than elapsed time,
// matching the long-standing behavior of this estimator; the
// horizon_hours/24*7 scaling picks the future index to evaluate.
type Predictor struct {
	store  storage.Store
	cfg    config.AnalyticsConfig
	logger *slog.Logger
}

func NewPredictor(store storage.Store, cfg config.AnalyticsConfig, logger *slog.Logger) *Predictor {
	return &Predictor{store: store, cfg: cfg, logger: logger}
}

// Predict forecasts the health score of a service horizonHours ahead.
// It returns nil when the learning window holds fewer than the minimum
// number of points; that is the expected warm-up outcome, not an error.
// Predictions are persisted best-effort and never fail the caller.
func (p *Predictor) Predict(ctx context.Context, service string, horizonHours int, kind model.MetricKind) (*model.Prediction, error) {
	since := time.Now().UTC().AddDate(0, 0, -p.cfg.LearningWindowDays)
	// Query newest-first so the row cap keeps the most recent points,
	// then restore chronological order for the fit.
	points, err := p.store.QueryHistory(ctx, service, since, p.cfg.BaselineLimit, false)
	if err != nil {
		return nil, err
	}
	if len(points) < p.cfg.MinTrendSamples {
		return nil, nil
	}
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}

	values := make([]float64, len(points))
	for i, pt := range points {
		values[i] = pt.HealthScore
	}
	slope, intercept, ok := leastSquares(values)
	if !ok {
		return nil, nil
	}

	n := float64(len(values))
	futureIndex := n + float64(horizonHours)/24*7
	predicted := slope*futureIndex + intercept

	recent := values
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	volatilityFactor, slopeThreshold := 10.0, 0.1
	if kind == model.MetricPerformance {
		volatilityFactor, slopeThreshold = 5.0, 0.05
	}
	confidence := 100 - sampleStddev(recent)*volatilityFactor
	if confidence < 20 {
		confidence = 20
	}

	direction := model.DirectionStable
	switch {
	case slope < -slopeThreshold:
		direction = model.DirectionDeclining
	case slope > slopeThreshold:
		direction = model.DirectionImproving
	}

	pred := &model.Prediction{
		ServiceName:    service,
		GeneratedAt:    time.Now().UTC(),
		Kind:           kind,
		HorizonHours:   horizonHours,
		PredictedValue: predicted,
		Slope:          slope,
		Confidence:     confidence,
		Direction:      direction,
		Description: fmt.Sprintf("%s trend %s: predicted %.1f in %dh",
			kind, direction, predicted, horizonHours),
	}
	metrics.ObservePrediction(string(direction))
	if err := p.store.SavePrediction(ctx, *pred); err != nil && p.logger != nil {
		p.logger.Warn("prediction persistence failed", "service", service, "err", err)
	}
	return pred, nil
}

// leastSquares fits y = slope*x + intercept over x = 0..n-1. It reports
// false when the denominator degenerates (fewer than two points).
func leastSquares(values []float64) (slope, intercept float64, ok bool) {
	n := float64(len(values))
	if n < 2 {
		return 0, 0, false
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0, 0, false
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept, true
}
