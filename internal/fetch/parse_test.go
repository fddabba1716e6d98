package fetch

import (
	"testing"
	"time"

	"healthwatch/internal/model"
)

const sampleSummary = `{
  "page": {"name": "Example Status", "url": "https://status.example.com", "updated_at": "2026-08-30T10:00:00Z"},
  "status": {"indicator": "minor", "description": "Partial System Outage"},
  "components": [
    {"name": "API", "status": "operational", "group_id": ""},
    {"name": "Console", "status": "degraded_performance", "group_id": ""},
    {"name": "Registry Mirror", "status": "major_outage", "group_id": "grp1"},
    {"name": "", "status": "operational", "group_id": ""}
  ]
}`

func TestParseSummary(t *testing.T) {
	fetchedAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	snap, err := ParseSummary([]byte(sampleSummary), fetchedAt)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if snap.PageName != "Example Status" {
		t.Fatalf("page name: %s", snap.PageName)
	}
	if snap.OverallStatus != "Partial System Outage" {
		t.Fatalf("overall status: %s", snap.OverallStatus)
	}
	if !snap.SourceUpdatedAt.Equal(time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("source updated at: %v", snap.SourceUpdatedAt)
	}
	if len(snap.Services) != 3 {
		t.Fatalf("services: %d, want 3 (nameless component skipped)", len(snap.Services))
	}
	if snap.Services[1].Status != model.StatusDegraded {
		t.Fatalf("console status: %s", snap.Services[1].Status)
	}
	if snap.Services[2].Main() {
		t.Fatalf("grouped component reported as main")
	}
}

func TestParseSummaryIndicatorFallback(t *testing.T) {
	data := `{"page":{},"status":{"indicator":"none"},"components":[{"name":"API","status":"operational"}]}`
	snap, err := ParseSummary([]byte(data), time.Now())
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if snap.OverallStatus != "none" {
		t.Fatalf("overall status: %s", snap.OverallStatus)
	}
}

func TestParseSummaryMalformed(t *testing.T) {
	if _, err := ParseSummary([]byte("{not json"), time.Now()); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, err := ParseSummary([]byte(`{"page":{},"status":{}}`), time.Now()); err == nil {
		t.Fatalf("expected error for missing components")
	}
}
