// Package sqlite implements agentle.History using pure-Go SQLite. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/paragon-intelligence/agentle"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a History.
type Option func(*History)

// WithLogger sets a structured logger. When set, the store emits debug logs
// for every operation including timing and row counts.
func WithLogger(l *slog.Logger) Option {
	return func(h *History) { h.logger = l }
}

// WithMaxPerUser caps each user's log; when full, oldest entries are evicted
// on insert (0 = unlimited).
func WithMaxPerUser(n int) Option {
	return func(h *History) { h.maxPerUser = n }
}

// History implements agentle.History backed by a local SQLite file. Messages
// are stored as JSON text.
type History struct {
	db         *sql.DB
	maxPerUser int
	logger     *slog.Logger
}

var _ agentle.History = (*History)(nil)

// New creates a History using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...Option) *History {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	h := &History{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))}
	for _, o := range opts {
		o(h)
	}
	h.logger.Debug("sqlite: history opened", "path", dbPath)
	return h
}

// Init creates the history table.
func (h *History) Init(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`
	if _, err := h.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := h.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_history_user ON history(user_id, created_at)`); err != nil {
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
	now := time.Now().UnixNano()
	if _, err := h.db.ExecContext(ctx,
		`INSERT INTO history (user_id, message, created_at) VALUES (?, ?, ?)`,
		userID, string(data), now); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if h.maxPerUser > 0 {
		// Evict beyond the cap, oldest first.
		if _, err := h.db.ExecContext(ctx,
			`DELETE FROM history WHERE user_id = ? AND id NOT IN (
				SELECT id FROM history WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)`, userID, userID, h.maxPerUser); err != nil {
			return fmt.Errorf("evict history: %w", err)
		}
	}
	h.logger.Debug("sqlite: history add", "user", userID)
	return nil
}

// Get returns the user's messages in chronological order, newest-bounded by
// maxMessages and age-bounded by maxAge (zero disables either filter).
func (h *History) Get(ctx context.Context, userID string, maxMessages int, maxAge time.Duration) ([]agentle.Message, error) {
	query := `SELECT message FROM history WHERE user_id = ?`
	args := []any{userID}
	if maxAge > 0 {
		query += ` AND created_at >= ?`
		args = append(args, time.Now().Add(-maxAge).UnixNano())
	}
	query += ` ORDER BY id DESC`
	if maxMessages > 0 {
		query += ` LIMIT ?`
		args = append(args, maxMessages)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []agentle.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		var msg agentle.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Clear removes the user's log.
func (h *History) Clear(ctx context.Context, userID string) error {
	if _, err := h.db.ExecContext(ctx, `DELETE FROM history WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// CleanupExpired removes entries older than maxAge across all users.
func (h *History) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	res, err := h.db.ExecContext(ctx, `DELETE FROM history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup history: %w", err)
	}
	n, _ := res.RowsAffected()
	h.logger.Debug("sqlite: history cleanup", "removed", n)
	return int(n), nil
}

// Close closes the underlying database.
func (h *History) Close() error { return h.db.Close() }
