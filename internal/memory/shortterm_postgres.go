package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresShortTerm persists the per-session turn window in PostgreSQL.
type PostgresShortTerm struct {
	pool   *pgxpool.Pool
	window int
}

func NewPostgresShortTerm(ctx context.Context, databaseURL string, window int) (*PostgresShortTerm, error) {
	if window <= 0 {
		window = 20
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresShortTerm{pool: pool, window: window}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dialog_turns (
			turn_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			importance TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ,
			UNIQUE (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dialog_turns_session_seq ON dialog_turns (session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_dialog_turns_memory_type ON dialog_turns (memory_type);`,
		`CREATE INDEX IF NOT EXISTS idx_dialog_turns_importance ON dialog_turns (importance);`,
		`CREATE INDEX IF NOT EXISTS idx_dialog_turns_created_at ON dialog_turns (created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresShortTerm) Append(ctx context.Context, turn DialogTurn) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dialog_turns (turn_id, session_id, user_id, seq, role, content, memory_type, importance, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		turn.TurnID,
		turn.SessionID,
		turn.UserID,
		turn.Seq,
		string(turn.Role),
		turn.Content,
		string(turn.MemoryType),
		string(turn.Importance),
		turn.CreatedAt,
		turn.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}

	// Evict beyond the window; oldest go first regardless of importance.
	_, err = s.pool.Exec(ctx,
		`DELETE FROM dialog_turns
		 WHERE session_id = $1
		   AND seq <= (SELECT MAX(seq) FROM dialog_turns WHERE session_id = $1) - $2`,
		turn.SessionID,
		s.window,
	)
	if err != nil {
		return fmt.Errorf("evict overflow: %w", err)
	}
	return nil
}

func (s *PostgresShortTerm) Recent(ctx context.Context, sessionID string, limit int) ([]DialogTurn, error) {
	if limit <= 0 {
		limit = s.window
	}
	rows, err := s.pool.Query(ctx,
		`SELECT turn_id, session_id, user_id, seq, role, content, memory_type, importance, created_at, expires_at
		 FROM dialog_turns WHERE session_id = $1 ORDER BY seq DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	turns := make([]DialogTurn, 0, limit)
	for rows.Next() {
		var t DialogTurn
		var role, memType, importance string
		if err := rows.Scan(&t.TurnID, &t.SessionID, &t.UserID, &t.Seq, &role, &t.Content, &memType, &importance, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		t.MemoryType = MemoryType(memType)
		t.Importance = Importance(importance)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *PostgresShortTerm) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM dialog_turns WHERE session_id = $1`,
		sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq, nil
}

func (s *PostgresShortTerm) Count(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dialog_turns WHERE session_id = $1`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return count, nil
}

func (s *PostgresShortTerm) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dialog_turns WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired turns: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresShortTerm) Close() error {
	s.pool.Close()
	return nil
}
