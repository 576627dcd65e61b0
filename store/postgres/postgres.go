// Package postgres implements agentle.History using PostgreSQL.
//
// History accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paragon-intelligence/agentle"
)

// Option configures a History.
type Option func(*History)

// WithLogger sets a structured logger for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(h *History) { h.logger = l }
}

// WithMaxPerUser caps each user's log; oldest entries are evicted on insert
// (0 = unlimited).
func WithMaxPerUser(n int) Option {
	return func(h *History) { h.maxPerUser = n }
}

// History implements agentle.History backed by PostgreSQL. Messages are
// stored as JSONB.
type History struct {
	pool       *pgxpool.Pool
	maxPerUser int
	logger     *slog.Logger
}

var _ agentle.History = (*History)(nil)

// New creates a History using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *History {
	h := &History{pool: pool, logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Init creates the history table and index.
func (h *History) Init(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS agent_history (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		message JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := h.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := h.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_agent_history_user ON agent_history(user_id, created_at)`); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Add appends a message to the user's log.
func (h *History) Add(ctx context.Context, userID string, msg agentle.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := h.pool.Exec(ctx,
		`INSERT INTO agent_history (user_id, message) VALUES ($1, $2)`,
		userID, data); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if h.maxPerUser > 0 {
		if _, err := h.pool.Exec(ctx,
			`DELETE FROM agent_history WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM agent_history WHERE user_id = $1 ORDER BY id DESC LIMIT $2
			)`, userID, h.maxPerUser); err != nil {
			return fmt.Errorf("evict history: %w", err)
		}
	}
	h.logger.Debug("postgres: history add", "user", userID)
	return nil
}

// Get returns the user's messages in chronological order, newest-bounded by
// maxMessages and age-bounded by maxAge (zero disables either filter).
func (h *History) Get(ctx context.Context, userID string, maxMessages int, maxAge time.Duration) ([]agentle.Message, error) {
	query := `SELECT message FROM agent_history WHERE user_id = $1`
	args := []any{userID}
	if maxAge > 0 {
		args = append(args, time.Now().Add(-maxAge))
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	query += ` ORDER BY id DESC`
	if maxMessages > 0 {
		args = append(args, maxMessages)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := h.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []agentle.Message
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		var msg agentle.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Clear removes the user's log.
func (h *History) Clear(ctx context.Context, userID string) error {
	if _, err := h.pool.Exec(ctx, `DELETE FROM agent_history WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// CleanupExpired removes entries older than maxAge across all users.
func (h *History) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	tag, err := h.pool.Exec(ctx,
		`DELETE FROM agent_history WHERE created_at < $1`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("cleanup history: %w", err)
	}
	h.logger.Debug("postgres: history cleanup", "removed", tag.RowsAffected())
	return int(tag.RowsAffected()), nil
}

// Close is a no-op; the pool is owned by the caller.
func (h *History) Close() error { return nil }
