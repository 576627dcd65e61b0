package agentle

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HistoryEntry is one stored conversation message with its arrival time.
type HistoryEntry struct {
	UserID    string
	Message   Message
	CreatedAt time.Time
}

// History is an append-only, per-user, capped conversation log. Get returns
// messages in chronological order, optionally limited by count and age
// (zero disables either filter). Implementations may be in-memory or backed
// by an external store; the contract is identical and concurrent reads never
// see partial writes.
type History interface {
	Add(ctx context.Context, userID string, msg Message) error
	Get(ctx context.Context, userID string, maxMessages int, maxAge time.Duration) ([]Message, error)
	Clear(ctx context.Context, userID string) error
	// CleanupExpired removes all entries older than maxAge across every
	// user and returns the number removed.
	CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}

// MemoryHistory is an in-memory History. Each user's log is capped at
// maxPerUser entries; when full, the oldest entry is evicted first.
type MemoryHistory struct {
	mu         sync.RWMutex
	logs       map[string][]HistoryEntry
	maxPerUser int
	clock      func() time.Time
}

// NewMemoryHistory creates an in-memory store capping each user at
// maxPerUser messages (0 = unlimited).
func NewMemoryHistory(maxPerUser int) *MemoryHistory {
	return &MemoryHistory{
		logs:       make(map[string][]HistoryEntry),
		maxPerUser: maxPerUser,
		clock:      time.Now,
	}
}

// Add appends a message to the user's log, evicting the oldest entry when
// the cap is reached.
func (h *MemoryHistory) Add(_ context.Context, userID string, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	log := append(h.logs[userID], HistoryEntry{UserID: userID, Message: msg, CreatedAt: h.clock()})
	if h.maxPerUser > 0 && len(log) > h.maxPerUser {
		log = log[len(log)-h.maxPerUser:]
	}
	h.logs[userID] = log
	return nil
}

// Get returns the user's messages in chronological order, newest-bounded by
// maxMessages and age-bounded by maxAge.
func (h *MemoryHistory) Get(_ context.Context, userID string, maxMessages int, maxAge time.Duration) ([]Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	log := h.logs[userID]
	if maxAge > 0 {
		cutoff := h.clock().Add(-maxAge)
		i := sort.Search(len(log), func(i int) bool { return log[i].CreatedAt.After(cutoff) })
		log = log[i:]
	}
	if maxMessages > 0 && len(log) > maxMessages {
		log = log[len(log)-maxMessages:]
	}
	out := make([]Message, len(log))
	for i, e := range log {
		out[i] = e.Message
	}
	return out, nil
}

// Clear removes the user's log.
func (h *MemoryHistory) Clear(_ context.Context, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.logs, userID)
	return nil
}

// CleanupExpired removes entries older than maxAge across all users.
func (h *MemoryHistory) CleanupExpired(_ context.Context, maxAge time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.clock().Add(-maxAge)
	removed := 0
	for user, log := range h.logs {
		i := sort.Search(len(log), func(i int) bool { return log[i].CreatedAt.After(cutoff) })
		removed += i
		if i == len(log) {
			delete(h.logs, user)
			continue
		}
		if i > 0 {
			h.logs[user] = log[i:]
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (h *MemoryHistory) Close() error { return nil }

// compile-time check
var _ History = (*MemoryHistory)(nil)
