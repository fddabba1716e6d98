package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/healthwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, rebind: dollarBind, returningID: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id BIGSERIAL PRIMARY KEY,
			ts BIGINT NOT NULL,
			page_name TEXT,
			page_url TEXT,
			overall_status TEXT NOT NULL,
			source_updated_at BIGINT,
			total_services INTEGER NOT NULL,
			operational_services INTEGER NOT NULL,
			latency_ms BIGINT NOT NULL,
			attempts INTEGER NOT NULL,
			cached BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id BIGSERIAL PRIMARY KEY,
			snapshot_id BIGINT NOT NULL,
			ts BIGINT NOT NULL,
			service_name TEXT NOT NULL,
			group_id TEXT,
			status TEXT NOT NULL,
			health_score DOUBLE PRECISION NOT NULL,
			is_main BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_service_ts ON metrics(service_name, ts)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id BIGSERIAL PRIMARY KEY,
			ts BIGINT NOT NULL,
			service_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			z_score DOUBLE PRECISION NOT NULL,
			flap_count INTEGER NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			description TEXT,
			resolved_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies(ts)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			id BIGSERIAL PRIMARY KEY,
			ts BIGINT NOT NULL,
			service_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			horizon_hours INTEGER NOT NULL,
			predicted_value DOUBLE PRECISION NOT NULL,
			slope DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
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
