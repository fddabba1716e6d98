package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:healthwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer at a time keeps snapshot transactions serialized.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, rebind: identBind}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			page_name TEXT,
			page_url TEXT,
			overall_status TEXT NOT NULL,
			source_updated_at INTEGER,
			total_services INTEGER NOT NULL,
			operational_services INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			cached INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			snapshot_id INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			service_name TEXT NOT NULL,
			group_id TEXT,
			status TEXT NOT NULL,
			health_score REAL NOT NULL,
			is_main INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_service_ts ON metrics(service_name, ts)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			service_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			z_score REAL NOT NULL,
			flap_count INTEGER NOT NULL,
			confidence REAL NOT NULL,
			description TEXT,
			resolved_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies(ts)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			service_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			horizon_hours INTEGER NOT NULL,
			predicted_value REAL NOT NULL,
			slope REAL NOT NULL,
			confidence REAL NOT NULL,
			direction TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_ts ON predictions(ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
