package model

import (
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"operational":          StatusOperational,
		"degraded":             StatusDegraded,
		"degraded_performance": StatusDegraded,
		"partial_outage":       StatusPartialOutage,
		"major_outage":         StatusMajorOutage,
		"maintenance":          StatusMaintenance,
		"under_maintenance":    StatusMaintenance,
		"":                     StatusUnknown,
		"weird":                StatusUnknown,
	}
	for in, want := range cases {
		if got := ParseStatus(in); got != want {
			t.Fatalf("ParseStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestHealthScoreMapping(t *testing.T) {
	now := time.Now()
	cases := []struct {
		status Status
		want   float64
	}{
		{StatusOperational, 100},
		{StatusMaintenance, 90},
		{StatusDegraded, 75},
		{StatusPartialOutage, 50},
		{StatusMajorOutage, 25},
		{StatusUnknown, 0},
	}
	for _, c := range cases {
		if got := HealthScore(c.status, now, now); got != c.want {
			t.Fatalf("score for %s = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestHealthScoreStaleness(t *testing.T) {
	now := time.Now()
	if got := HealthScore(StatusOperational, now.Add(-6*time.Hour), now); got != 100 {
		t.Fatalf("fresh score = %v, want 100", got)
	}
	if got := HealthScore(StatusOperational, now.Add(-18*time.Hour), now); got != 90 {
		t.Fatalf("12-24h stale score = %v, want 90", got)
	}
	if got := HealthScore(StatusOperational, now.Add(-48*time.Hour), now); got != 80 {
		t.Fatalf(">24h stale score = %v, want 80", got)
	}
	if got := HealthScore(StatusOperational, time.Time{}, now); got != 85 {
		t.Fatalf("unknown staleness score = %v, want 85", got)
	}
}

func TestServiceStateMain(t *testing.T) {
	if !(ServiceState{Name: "api"}).Main() {
		t.Fatalf("expected top-level service")
	}
	if (ServiceState{Name: "api", GroupID: "g1"}).Main() {
		t.Fatalf("expected grouped service")
	}
}
