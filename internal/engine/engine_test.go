package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"healthwatch/internal/config"
	"healthwatch/internal/model"
)

// memStore is an in-memory stand-in for the SQL stores.
type memStore struct {
	points      []model.MetricPoint
	anomalies   []model.AnomalyEvent
	predictions []model.Prediction
	nextID      int64

	// queryErr fails QueryHistory; when failOnLimit is set, only calls
	// with that limit fail.
	queryErr    error
	failOnLimit int
}

func (m *memStore) Init(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

func (m *memStore) RecordSnapshot(ctx context.Context, snap *model.Snapshot) (int64, error) {
	m.nextID++
	for _, svc := range snap.Services {
		m.points = append(m.points, model.MetricPoint{
			ServiceName: svc.Name,
			Timestamp:   snap.FetchedAt,
			HealthScore: model.HealthScore(svc.Status, snap.SourceUpdatedAt, snap.FetchedAt),
			Status:      svc.Status,
		})
	}
	return m.nextID, nil
}

func (m *memStore) QueryHistory(ctx context.Context, service string, since time.Time, limit int, ascending bool) ([]model.MetricPoint, error) {
	if m.queryErr != nil && (m.failOnLimit == 0 || limit == m.failOnLimit) {
		return nil, m.queryErr
	}
	var out []model.MetricPoint
	for _, p := range m.points {
		if p.ServiceName == service && !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[j].Timestamp.Before(out[i].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) SaveAnomaly(ctx context.Context, ev model.AnomalyEvent) error {
	m.anomalies = append(m.anomalies, ev)
	return nil
}

func (m *memStore) SavePrediction(ctx context.Context, p model.Prediction) error {
	m.predictions = append(m.predictions, p)
	return nil
}

func (m *memStore) RecentAnomalies(ctx context.Context, since time.Time, limit int) ([]model.AnomalyEvent, error) {
	return m.anomalies, nil
}

func (m *memStore) RecentPredictions(ctx context.Context, since time.Time, limit int) ([]model.Prediction, error) {
	return m.predictions, nil
}

func (m *memStore) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	var kept []model.MetricPoint
	var removed int64
	for _, p := range m.points {
		if p.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	m.points = kept
	return removed, nil
}

func (m *memStore) seed(service string, base time.Time, values []float64) {
	for i, v := range values {
		m.points = append(m.points, model.MetricPoint{
			ServiceName: service,
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			HealthScore: v,
			Status:      model.StatusOperational,
		})
	}
}

func testAnalytics() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		AnomalyThreshold:    2.0,
		LearningWindowDays:  30,
		MinSamples:          10,
		MinTrendSamples:     20,
		BaselineLimit:       1000,
		FlapWindow:          time.Hour,
		FlapHistoryLimit:    10,
		DefaultHorizonHours: 24,
	}
}

type fakeSource struct {
	snap *model.Snapshot
	err  error
}

func (f *fakeSource) Fetch(ctx context.Context, useCache bool) (*model.Snapshot, error) {
	return f.snap, f.err
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestBaselineInsufficientSamples(t *testing.T) {
	store := &memStore{}
	store.seed("API", time.Now().Add(-9*time.Hour), []float64{100, 100, 100})
	est := NewEstimator(store, testAnalytics(), nil)
	b, err := est.Baseline(context.Background(), "API")
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if b != nil {
		t.Fatalf("expected nil baseline for 3 samples, got %+v", b)
	}
}

func TestBaselineComputation(t *testing.T) {
	store := &memStore{}
	values := []float64{95, 85, 95, 85, 95, 85, 95, 85, 95, 85}
	store.seed("API", time.Now().Add(-20*time.Hour), values)
	est := NewEstimator(store, testAnalytics(), nil)
	b, err := est.Baseline(context.Background(), "API")
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if b == nil {
		t.Fatalf("expected baseline")
	}
	if !almostEqual(b.Mean, 90) {
		t.Fatalf("mean: %v, want 90", b.Mean)
	}
	wantStddev := math.Sqrt(250.0 / 9.0)
	if !almostEqual(b.Stddev, wantStddev) {
		t.Fatalf("stddev: %v, want %v", b.Stddev, wantStddev)
	}
	if b.SampleCount != 10 {
		t.Fatalf("sample count: %d", b.SampleCount)
	}

	// the cached baseline survives further writes until invalidated
	store.seed("API", time.Now(), []float64{0, 0, 0, 0, 0})
	b2, _ := est.Baseline(context.Background(), "API")
	if b2 != b {
		t.Fatalf("expected cached baseline")
	}
	est.Reset()
	b3, _ := est.Baseline(context.Background(), "API")
	if b3 == b || b3.SampleCount != 15 {
		t.Fatalf("reset did not recompute: %+v", b3)
	}
}

func TestSampleStddev(t *testing.T) {
	if got := sampleStddev([]float64{100}); got != 0 {
		t.Fatalf("single value stddev: %v", got)
	}
	if got := sampleStddev([]float64{2, 4, 4, 4, 5, 5, 7, 9}); !almostEqual(got, math.Sqrt(32.0/7.0)) {
		t.Fatalf("stddev: %v", got)
	}
}

func TestZScoreEvent(t *testing.T) {
	baseline := &model.Baseline{Mean: 90, Stddev: 5, SampleCount: 30}
	point := func(score float64) model.MetricPoint {
		return model.MetricPoint{ServiceName: "API", Timestamp: time.Now(), HealthScore: score}
	}

	ev, ok := zScoreEvent(point(60), baseline, 2.0)
	if !ok {
		t.Fatalf("expected event for z=6")
	}
	if ev.Kind != model.AnomalyAvailabilityDrop || ev.Severity != model.SeverityCritical {
		t.Fatalf("kind=%s severity=%s", ev.Kind, ev.Severity)
	}
	if !almostEqual(ev.ZScore, 6) || !almostEqual(ev.Confidence, 100) {
		t.Fatalf("z=%v confidence=%v", ev.ZScore, ev.Confidence)
	}

	ev, ok = zScoreEvent(point(78), baseline, 2.0)
	if !ok || ev.Severity != model.SeverityWarning {
		t.Fatalf("expected warning for z=2.4, got ok=%v %+v", ok, ev)
	}
	if !almostEqual(ev.Confidence, 80) {
		t.Fatalf("confidence: %v, want 80", ev.Confidence)
	}

	ev, ok = zScoreEvent(point(102), baseline, 2.0)
	if !ok || ev.Kind != model.AnomalyUnusualBehavior {
		t.Fatalf("expected unusual_behavior above mean, got ok=%v %+v", ok, ev)
	}

	if _, ok := zScoreEvent(point(85), baseline, 2.0); ok {
		t.Fatalf("unexpected event for z=1")
	}
	if _, ok := zScoreEvent(point(0), &model.Baseline{Mean: 90}, 2.0); ok {
		t.Fatalf("unexpected event for zero stddev")
	}
}

func TestDetectAvailabilityDrop(t *testing.T) {
	store := &memStore{}
	base := time.Now().Add(-30 * time.Hour)
	store.seed("API", base, []float64{95, 85, 95, 85, 95, 85, 95, 85, 95, 85})
	cfg := testAnalytics()
	det := NewDetector(store, NewEstimator(store, cfg, nil), cfg, nil)

	events := det.Detect(context.Background(), model.MetricPoint{
		ServiceName: "API",
		Timestamp:   time.Now(),
		HealthScore: 25,
		Status:      model.StatusMajorOutage,
	})
	if len(events) != 1 {
		t.Fatalf("events: %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != model.AnomalyAvailabilityDrop || ev.Severity != model.SeverityCritical {
		t.Fatalf("kind=%s severity=%s", ev.Kind, ev.Severity)
	}
	if len(store.anomalies) != 1 {
		t.Fatalf("persisted anomalies: %d", len(store.anomalies))
	}
}

func TestDetectFlapping(t *testing.T) {
	store := &memStore{}
	now := time.Now()
	statuses := []model.Status{
		model.StatusOperational,
		model.StatusMajorOutage,
		model.StatusOperational,
		model.StatusDegraded,
	}
	for i, st := range statuses {
		store.points = append(store.points, model.MetricPoint{
			ServiceName: "API",
			Timestamp:   now.Add(time.Duration(i-4) * 10 * time.Minute),
			HealthScore: model.HealthScore(st, now, now),
			Status:      st,
		})
	}
	cfg := testAnalytics()
	det := NewDetector(store, NewEstimator(store, cfg, nil), cfg, nil)

	events := det.Detect(context.Background(), model.MetricPoint{
		ServiceName: "API",
		Timestamp:   now,
		HealthScore: 100,
		Status:      model.StatusOperational,
	})
	if len(events) != 1 {
		t.Fatalf("events: %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != model.AnomalyFlapping || ev.Severity != model.SeverityWarning {
		t.Fatalf("kind=%s severity=%s", ev.Kind, ev.Severity)
	}
	if ev.Confidence != 75 {
		t.Fatalf("confidence: %v, want 75", ev.Confidence)
	}
}

func TestDetectFlappingDespiteBaselineFailure(t *testing.T) {
	store := &memStore{}
	now := time.Now()
	statuses := []model.Status{
		model.StatusOperational,
		model.StatusMajorOutage,
		model.StatusOperational,
		model.StatusDegraded,
	}
	for i, st := range statuses {
		store.points = append(store.points, model.MetricPoint{
			ServiceName: "API",
			Timestamp:   now.Add(time.Duration(i-4) * 10 * time.Minute),
			HealthScore: model.HealthScore(st, now, now),
			Status:      st,
		})
	}
	cfg := testAnalytics()
	// fail only the baseline's wide history query, not the flap window
	store.queryErr = errors.New("disk I/O error")
	store.failOnLimit = cfg.BaselineLimit
	det := NewDetector(store, NewEstimator(store, cfg, nil), cfg, nil)

	events := det.Detect(context.Background(), model.MetricPoint{
		ServiceName: "API",
		Timestamp:   now,
		HealthScore: 100,
		Status:      model.StatusOperational,
	})
	if len(events) != 1 || events[0].Kind != model.AnomalyFlapping {
		t.Fatalf("expected flapping event despite baseline failure, got %+v", events)
	}
}

func TestDetectStableStatusNoFlapping(t *testing.T) {
	store := &memStore{}
	now := time.Now()
	store.seed("API", now.Add(-50*time.Minute), []float64{100, 100, 100, 100})
	cfg := testAnalytics()
	det := NewDetector(store, NewEstimator(store, cfg, nil), cfg, nil)

	events := det.Detect(context.Background(), model.MetricPoint{
		ServiceName: "API",
		Timestamp:   now,
		HealthScore: 100,
		Status:      model.StatusOperational,
	})
	if len(events) != 0 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestLeastSquares(t *testing.T) {
	slope, intercept, ok := leastSquares([]float64{1, 3, 5, 7})
	if !ok || !almostEqual(slope, 2) || !almostEqual(intercept, 1) {
		t.Fatalf("slope=%v intercept=%v ok=%v", slope, intercept, ok)
	}
	slope, _, ok = leastSquares([]float64{5, 5, 5})
	if !ok || !almostEqual(slope, 0) {
		t.Fatalf("constant series slope: %v", slope)
	}
	if _, _, ok := leastSquares([]float64{42}); ok {
		t.Fatalf("expected failure for single point")
	}
}

func TestPredictInsufficientSamples(t *testing.T) {
	store := &memStore{}
	store.seed("API", time.Now().Add(-10*time.Hour), []float64{100, 99, 98})
	pred := NewPredictor(store, testAnalytics(), nil)
	p, err := pred.Predict(context.Background(), "API", 24, model.MetricAvailability)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil prediction for 3 samples")
	}
}

func TestPredictDecliningTrend(t *testing.T) {
	store := &memStore{}
	values := make([]float64, 25)
	for i := range values {
		values[i] = 100 - float64(i)*0.5
	}
	store.seed("API", time.Now().Add(-25*time.Hour), values)
	pred := NewPredictor(store, testAnalytics(), nil)

	p, err := pred.Predict(context.Background(), "API", 24, model.MetricAvailability)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if p == nil {
		t.Fatalf("expected prediction")
	}
	if p.Direction != model.DirectionDeclining {
		t.Fatalf("direction: %s", p.Direction)
	}
	if !almostEqual(p.Slope, -0.5) {
		t.Fatalf("slope: %v", p.Slope)
	}
	// index 25 + 24h/24*7 = 32 on the fitted line 100 - 0.5x
	if !almostEqual(p.PredictedValue, 84) {
		t.Fatalf("predicted: %v, want 84", p.PredictedValue)
	}
	if p.Confidence < 20 || p.Confidence > 100 {
		t.Fatalf("confidence out of range: %v", p.Confidence)
	}
	if len(store.predictions) != 1 {
		t.Fatalf("persisted predictions: %d", len(store.predictions))
	}
}

func TestPredictWindowCapKeepsNewestPoints(t *testing.T) {
	store := &memStore{}
	// a long flat history followed by a steep recent drop; with the row
	// cap applied to the oldest points the fit would see only the flat
	// prefix and report a stable service in free fall
	values := make([]float64, 50)
	for i := range values {
		if i < 40 {
			values[i] = 100
			continue
		}
		values[i] = 100 - float64(i-39)*8
	}
	store.seed("API", time.Now().Add(-50*time.Hour), values)
	cfg := testAnalytics()
	cfg.BaselineLimit = 30
	pred := NewPredictor(store, cfg, nil)

	p, err := pred.Predict(context.Background(), "API", 24, model.MetricAvailability)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if p == nil {
		t.Fatalf("expected prediction")
	}
	if p.Direction != model.DirectionDeclining {
		t.Fatalf("direction: %s, want declining", p.Direction)
	}
	if p.Slope >= 0 {
		t.Fatalf("slope: %v, want negative", p.Slope)
	}
}

func TestPredictStableTrend(t *testing.T) {
	store := &memStore{}
	values := make([]float64, 25)
	for i := range values {
		values[i] = 100
	}
	store.seed("API", time.Now().Add(-25*time.Hour), values)
	pred := NewPredictor(store, testAnalytics(), nil)

	p, err := pred.Predict(context.Background(), "API", 24, model.MetricAvailability)
	if err != nil || p == nil {
		t.Fatalf("predict: %v %v", p, err)
	}
	if p.Direction != model.DirectionStable {
		t.Fatalf("direction: %s", p.Direction)
	}
	if !almostEqual(p.Confidence, 100) {
		t.Fatalf("confidence: %v, want 100 for flat series", p.Confidence)
	}
}

func TestPerformanceKindThresholds(t *testing.T) {
	store := &memStore{}
	values := make([]float64, 25)
	for i := range values {
		values[i] = 100 + float64(i)*0.07
	}
	store.seed("API", time.Now().Add(-25*time.Hour), values)
	pred := NewPredictor(store, testAnalytics(), nil)

	// slope 0.07 is stable for availability but improving for performance
	pa, err := pred.Predict(context.Background(), "API", 24, model.MetricAvailability)
	if err != nil || pa == nil {
		t.Fatalf("availability predict: %v %v", pa, err)
	}
	if pa.Direction != model.DirectionStable {
		t.Fatalf("availability direction: %s", pa.Direction)
	}
	pp, err := pred.Predict(context.Background(), "API", 24, model.MetricPerformance)
	if err != nil || pp == nil {
		t.Fatalf("performance predict: %v %v", pp, err)
	}
	if pp.Direction != model.DirectionImproving {
		t.Fatalf("performance direction: %s", pp.Direction)
	}
}

func TestRunCycle(t *testing.T) {
	store := &memStore{}
	now := time.Now().UTC()
	src := &fakeSource{snap: &model.Snapshot{
		FetchedAt:       now,
		OverallStatus:   "ok",
		SourceUpdatedAt: now,
		Services: []model.ServiceState{
			{Name: "API", Status: model.StatusOperational},
			{Name: "Console", Status: model.StatusDegraded},
		},
	}}
	eng := New(src, store, testAnalytics(), nil)

	result, err := eng.RunCycle(context.Background(), CycleOptions{})
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Snapshot == nil || result.Err != "" {
		t.Fatalf("bad result: %+v", result)
	}
	if len(store.points) != 2 {
		t.Fatalf("recorded points: %d, want 2", len(store.points))
	}
	// fresh store, no baseline or history yet
	if len(result.Anomalies) != 0 {
		t.Fatalf("unexpected anomalies: %+v", result.Anomalies)
	}
}

func TestRunCycleFetchFailure(t *testing.T) {
	store := &memStore{}
	src := &fakeSource{err: errors.New("connection refused")}
	eng := New(src, store, testAnalytics(), nil)

	result, err := eng.RunCycle(context.Background(), CycleOptions{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if result.Snapshot != nil {
		t.Fatalf("snapshot present after failed fetch")
	}
	if result.Err == "" {
		t.Fatalf("result error not set")
	}
	if len(store.points) != 0 {
		t.Fatalf("points recorded after failed fetch")
	}
}

func TestRunCycleWithPrediction(t *testing.T) {
	store := &memStore{}
	now := time.Now().UTC()
	values := make([]float64, 30)
	for i := range values {
		values[i] = 100 - float64(i)
	}
	store.seed("API", now.Add(-40*time.Hour), values)

	src := &fakeSource{snap: &model.Snapshot{
		FetchedAt:       now,
		OverallStatus:   "ok",
		SourceUpdatedAt: now,
		Services:        []model.ServiceState{{Name: "API", Status: model.StatusOperational}},
	}}
	eng := New(src, store, testAnalytics(), nil)

	result, err := eng.RunCycle(context.Background(), CycleOptions{Predict: true})
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(result.Predictions) != 1 {
		t.Fatalf("predictions: %d, want 1", len(result.Predictions))
	}
	if result.Predictions[0].Direction != model.DirectionDeclining {
		t.Fatalf("direction: %s", result.Predictions[0].Direction)
	}
	if result.Predictions[0].HorizonHours != 24 {
		t.Fatalf("default horizon: %d", result.Predictions[0].HorizonHours)
	}
}
