package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists the audit trail. The table is append-only; nothing
// in this package updates or deletes rows.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_records (
			record_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			plan_id TEXT NOT NULL,
			intent TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL,
			service TEXT NOT NULL,
			entity_ids TEXT[] NOT NULL DEFAULT '{}',
			params JSONB,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 1,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_session ON audit_records (session_id, recorded_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_outcome ON audit_records (outcome);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init audit schema: %w", err)
		}
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Append(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_records
			(record_id, session_id, user_id, plan_id, intent, domain, service, entity_ids, params, outcome, error, attempts, latency_ms, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.RecordID,
		rec.SessionID,
		rec.UserID,
		rec.PlanID,
		rec.Intent,
		rec.Domain,
		rec.Service,
		rec.EntityIDs,
		rec.Params,
		rec.Outcome,
		rec.Error,
		rec.Attempts,
		rec.LatencyMS,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (s *PostgresSink) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT record_id, session_id, user_id, plan_id, intent, domain, service, entity_ids, params, outcome, error, attempts, latency_ms, recorded_at
		 FROM audit_records`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = $1 ORDER BY recorded_at DESC LIMIT $2`
		args = append(args, sessionID, limit)
	} else {
		query += ` ORDER BY recorded_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		var recordedAt time.Time
		if err := rows.Scan(&rec.RecordID, &rec.SessionID, &rec.UserID, &rec.PlanID, &rec.Intent, &rec.Domain, &rec.Service,
			&rec.EntityIDs, &rec.Params, &rec.Outcome, &rec.Error, &rec.Attempts, &rec.LatencyMS, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		rec.RecordedAt = recordedAt
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

// NewSink creates a postgres-backed sink when configured, otherwise in-memory.
func NewSink(ctx context.Context, databaseURL string) (Sink, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemorySink(), nil
	}
	return NewPostgresSink(ctx, databaseURL)
}
