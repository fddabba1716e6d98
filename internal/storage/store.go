package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"healthwatch/internal/config"
	"healthwatch/internal/model"
)

// Store is the durable history of snapshots, derived metric points, and
// the audit trail of anomalies and predictions.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// RecordSnapshot writes the snapshot row and every derived metric
	// point atomically and returns the snapshot id. Health scores are
	// computed here, at ingestion.
	RecordSnapshot(ctx context.Context, snap *model.Snapshot) (int64, error)

	// QueryHistory returns metric points for one service recorded at or
	// after since, newest first unless ascending is set.
	QueryHistory(ctx context.Context, service string, since time.Time, limit int, ascending bool) ([]model.MetricPoint, error)

	SaveAnomaly(ctx context.Context, ev model.AnomalyEvent) error
	SavePrediction(ctx context.Context, p model.Prediction) error
	RecentAnomalies(ctx context.Context, since time.Time, limit int) ([]model.AnomalyEvent, error)
	RecentPredictions(ctx context.Context, since time.Time, limit int) ([]model.Prediction, error)

	// CleanupOlderThan deletes snapshot, metric, and audit rows older
	// than the retention window and returns the number of rows removed.
	// Deletes run in batches so concurrent writers are not starved.
	CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

var ErrWrite = errors.New("store write failure")
var ErrQuery = errors.New("store query failure")

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

const cleanupBatchSize = 500

type baseStore struct {
	db *sql.DB
	// rebind translates ? placeholders into the driver's notation.
	rebind func(string) string
	// returningID selects INSERT ... RETURNING over LastInsertId for
	// drivers that do not implement the latter.
	returningID bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func identBind(q string) string { return q }

func dollarBind(q string) string {
	var sb strings.Builder
	n := 0
	for _, ch := range q {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (b *baseStore) RecordSnapshot(ctx context.Context, snap *model.Snapshot) (int64, error) {
	if snap == nil {
		return 0, fmt.Errorf("%w: nil snapshot", ErrWrite)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	operational := 0
	for _, svc := range snap.Services {
		if svc.Status == model.StatusOperational {
			operational++
		}
	}
	var sourceUpdated int64
	if !snap.SourceUpdatedAt.IsZero() {
		sourceUpdated = millis(snap.SourceUpdatedAt)
	}
	var id int64
	insertSnap := b.rebind(`INSERT INTO snapshots
		(ts, page_name, page_url, overall_status, source_updated_at,
		 total_services, operational_services, latency_ms, attempts, cached)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if b.returningID {
		row := tx.QueryRowContext(ctx, insertSnap+" RETURNING id",
			millis(snap.FetchedAt), snap.PageName, snap.PageURL, snap.OverallStatus,
			sourceUpdated, len(snap.Services), operational,
			snap.Latency.Milliseconds(), snap.Attempts, snap.Cached)
		if err := row.Scan(&id); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("%w: %v", ErrWrite, err)
		}
	} else {
		res, err := tx.ExecContext(ctx, insertSnap,
			millis(snap.FetchedAt), snap.PageName, snap.PageURL, snap.OverallStatus,
			sourceUpdated, len(snap.Services), operational,
			snap.Latency.Milliseconds(), snap.Attempts, snap.Cached)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("%w: %v", ErrWrite, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	stmt, err := tx.PrepareContext(ctx, b.rebind(`INSERT INTO metrics
		(snapshot_id, ts, service_name, group_id, status, health_score, is_main)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	defer stmt.Close()
	for _, svc := range snap.Services {
		score := model.HealthScore(svc.Status, snap.SourceUpdatedAt, snap.FetchedAt)
		if _, err := stmt.ExecContext(ctx,
			id, millis(snap.FetchedAt), svc.Name, svc.GroupID,
			string(svc.Status), score, svc.Main()); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return id, nil
}

func (b *baseStore) QueryHistory(ctx context.Context, service string, since time.Time, limit int, ascending bool) ([]model.MetricPoint, error) {
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	if limit <= 0 {
		limit = 1000
	}
	q := b.rebind(`SELECT ts, service_name, status, health_score
		FROM metrics
		WHERE service_name = ? AND ts >= ?
		ORDER BY ts ` + order + `
		LIMIT ?`)
	rows, err := b.db.QueryContext(ctx, q, service, millis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	defer rows.Close()
	out := make([]model.MetricPoint, 0, limit)
	for rows.Next() {
		var ms int64
		var p model.MetricPoint
		var status string
		if err := rows.Scan(&ms, &p.ServiceName, &status, &p.HealthScore); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQuery, err)
		}
		p.Timestamp = fromMillis(ms)
		p.Status = model.Status(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	return out, nil
}

func (b *baseStore) SaveAnomaly(ctx context.Context, ev model.AnomalyEvent) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`INSERT INTO anomalies
		(ts, service_name, kind, severity, z_score, flap_count, confidence, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		millis(ev.Timestamp), ev.ServiceName, string(ev.Kind), string(ev.Severity),
		ev.ZScore, ev.FlapCount, ev.Confidence, ev.Description)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (b *baseStore) SavePrediction(ctx context.Context, p model.Prediction) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`INSERT INTO predictions
		(ts, service_name, kind, horizon_hours, predicted_value, slope, confidence, direction, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		millis(p.GeneratedAt), p.ServiceName, string(p.Kind), p.HorizonHours,
		p.PredictedValue, p.Slope, p.Confidence, string(p.Direction), p.Description)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (b *baseStore) RecentAnomalies(ctx context.Context, since time.Time, limit int) ([]model.AnomalyEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT ts, service_name, kind, severity,
		z_score, flap_count, confidence, description, resolved_at
		FROM anomalies WHERE ts >= ? ORDER BY ts DESC LIMIT ?`),
		millis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	defer rows.Close()
	out := make([]model.AnomalyEvent, 0, limit)
	for rows.Next() {
		var ms int64
		var resolved sql.NullInt64
		var ev model.AnomalyEvent
		var kind, severity string
		if err := rows.Scan(&ms, &ev.ServiceName, &kind, &severity,
			&ev.ZScore, &ev.FlapCount, &ev.Confidence, &ev.Description, &resolved); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQuery, err)
		}
		ev.Timestamp = fromMillis(ms)
		ev.Kind = model.AnomalyKind(kind)
		ev.Severity = model.Severity(severity)
		if resolved.Valid {
			ts := fromMillis(resolved.Int64)
			ev.ResolvedAt = &ts
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	return out, nil
}

func (b *baseStore) RecentPredictions(ctx context.Context, since time.Time, limit int) ([]model.Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT ts, service_name, kind, horizon_hours,
		predicted_value, slope, confidence, direction, description
		FROM predictions WHERE ts >= ? ORDER BY ts DESC LIMIT ?`),
		millis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	defer rows.Close()
	out := make([]model.Prediction, 0, limit)
	for rows.Next() {
		var ms int64
		var p model.Prediction
		var kind, direction string
		if err := rows.Scan(&ms, &p.ServiceName, &kind, &p.HorizonHours,
			&p.PredictedValue, &p.Slope, &p.Confidence, &direction, &p.Description); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQuery, err)
		}
		p.GeneratedAt = fromMillis(ms)
		p.Kind = model.MetricKind(kind)
		p.Direction = model.Direction(direction)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	return out, nil
}

func (b *baseStore) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := millis(time.Now().UTC().AddDate(0, 0, -retentionDays))
	var total int64
	for _, table := range []string{"metrics", "snapshots", "anomalies", "predictions"} {
		n, err := b.batchDelete(ctx, table, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// batchDelete removes qualifying rows in short transactions so a long
// retention pass never holds a write lock across the whole delete.
func (b *baseStore) batchDelete(ctx context.Context, table string, cutoff int64) (int64, error) {
	q := b.rebind(`DELETE FROM ` + table + ` WHERE id IN (
		SELECT id FROM ` + table + ` WHERE ts < ? LIMIT ?)`)
	var total int64
	for {
		res, err := b.db.ExecContext(ctx, q, cutoff, cleanupBatchSize)
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrWrite, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrWrite, err)
		}
		total += n
		if n < cleanupBatchSize {
			return total, nil
		}
	}
}
