package model

import "time"

type Status string

const (
	StatusOperational   Status = "operational"
	StatusDegraded      Status = "degraded"
	StatusPartialOutage Status = "partial_outage"
	StatusMajorOutage   Status = "major_outage"
	StatusMaintenance   Status = "maintenance"
	StatusUnknown       Status = "unknown"
)

// ParseStatus normalizes the status strings emitted by statuspage-style
// feeds into the internal enum. Unrecognized values map to unknown.
func ParseStatus(s string) Status {
	switch s {
	case "operational":
		return StatusOperational
	case "degraded", "degraded_performance":
		return StatusDegraded
	case "partial_outage":
		return StatusPartialOutage
	case "major_outage":
		return StatusMajorOutage
	case "maintenance", "under_maintenance":
		return StatusMaintenance
	default:
		return StatusUnknown
	}
}

type ServiceState struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	GroupID string `json:"group_id,omitempty"`
}

// Main reports whether the service is a top-level service rather than a
// member of another service's group.
func (s ServiceState) Main() bool {
	return s.GroupID == ""
}

// Snapshot is one full acquisition of all services' statuses. It is
// immutable once returned by a source.
type Snapshot struct {
	FetchedAt       time.Time      `json:"fetched_at"`
	PageName        string         `json:"page_name,omitempty"`
	PageURL         string         `json:"page_url,omitempty"`
	OverallStatus   string         `json:"overall_status"`
	SourceUpdatedAt time.Time      `json:"source_updated_at,omitempty"`
	Services        []ServiceState `json:"services"`
	Latency         time.Duration  `json:"latency"`
	Attempts        int            `json:"attempts"`
	Cached          bool           `json:"cached"`
}

type MetricPoint struct {
	ServiceName string    `json:"service_name"`
	Timestamp   time.Time `json:"timestamp"`
	HealthScore float64   `json:"health_score"`
	Status      Status    `json:"status"`
}

// HealthScore maps a status to its 0-100 base score, discounted when the
// source data is stale. A zero updatedAt means the staleness is unknown.
func HealthScore(status Status, updatedAt, now time.Time) float64 {
	var score float64
	switch status {
	case StatusOperational:
		score = 100
	case StatusMaintenance:
		score = 90
	case StatusDegraded:
		score = 75
	case StatusPartialOutage:
		score = 50
	case StatusMajorOutage:
		score = 25
	default:
		score = 0
	}
	if updatedAt.IsZero() {
		return score * 0.85
	}
	age := now.Sub(updatedAt)
	switch {
	case age > 24*time.Hour:
		score *= 0.8
	case age > 12*time.Hour:
		score *= 0.9
	}
	return score
}

// Baseline holds the per-service rolling statistics used as the "normal"
// reference. Baselines are advisory and safe to recompute at any time.
type Baseline struct {
	Mean        float64 `json:"mean"`
	Stddev      float64 `json:"stddev"`
	SampleCount int     `json:"sample_count"`
}

type AnomalyKind string

const (
	AnomalyAvailabilityDrop AnomalyKind = "availability_drop"
	AnomalyPerformance      AnomalyKind = "performance_degradation"
	AnomalyFlapping         AnomalyKind = "flapping"
	AnomalyUnusualBehavior  AnomalyKind = "unusual_behavior"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type AnomalyEvent struct {
	Timestamp   time.Time   `json:"timestamp"`
	ServiceName string      `json:"service_name"`
	Kind        AnomalyKind `json:"kind"`
	Severity    Severity    `json:"severity"`
	ZScore      float64     `json:"z_score,omitempty"`
	FlapCount   int         `json:"flap_count,omitempty"`
	Confidence  float64     `json:"confidence"`
	Description string      `json:"description"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

type MetricKind string

const (
	MetricAvailability MetricKind = "availability"
	MetricPerformance  MetricKind = "performance"
)

type Direction string

const (
	DirectionDeclining Direction = "declining"
	DirectionImproving Direction = "improving"
	DirectionStable    Direction = "stable"
)

type Prediction struct {
	ServiceName    string     `json:"service_name"`
	GeneratedAt    time.Time  `json:"generated_at"`
	Kind           MetricKind `json:"kind"`
	HorizonHours   int        `json:"horizon_hours"`
	PredictedValue float64    `json:"predicted_value"`
	Slope          float64    `json:"slope"`
	Confidence     float64    `json:"confidence"`
	Direction      Direction  `json:"direction"`
	Description    string     `json:"description"`
}

// CycleResult is what the engine hands to external consumers after one
// acquisition/analysis cycle. A failed fetch leaves Snapshot nil.
type CycleResult struct {
	Snapshot    *Snapshot      `json:"snapshot,omitempty"`
	Anomalies   []AnomalyEvent `json:"anomalies"`
	Predictions []Prediction   `json:"predictions,omitempty"`
	Err         string         `json:"error,omitempty"`
}
