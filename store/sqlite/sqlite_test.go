package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/paragon-intelligence/agentle"
)

func newHistory(t *testing.T, opts ...Option) *History {
	t.Helper()
	h := New(filepath.Join(t.TempDir(), "history.db"), opts...)
	t.Cleanup(func() { h.Close() })
	if err := h.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return h
}

func TestAddAndGetChronological(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		msg := agentle.UserMessage(fmt.Sprintf("msg %d", i))
		if err := h.Add(ctx, "u1", msg); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := h.Get(ctx, "u1", 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages", len(got))
	}
	for i, m := range got {
		if want := fmt.Sprintf("msg %d", i); m.Text() != want {
			t.Errorf("messages[%d] = %q, want %q", i, m.Text(), want)
		}
	}
}

func TestGetUnknownUserEmpty(t *testing.T) {
	h := newHistory(t)
	got, err := h.Get(context.Background(), "nobody", 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d messages, want none", len(got))
	}
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	h := newHistory(t, WithMaxPerUser(2))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := h.Add(ctx, "u1", agentle.UserMessage(fmt.Sprintf("msg %d", i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := h.Get(ctx, "u1", 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want cap of 2", len(got))
	}
	if got[0].Text() != "msg 2" || got[1].Text() != "msg 3" {
		t.Errorf("kept [%q %q], want newest two", got[0].Text(), got[1].Text())
	}
}

func TestGetMaxMessagesWindow(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := h.Add(ctx, "u1", agentle.UserMessage(fmt.Sprintf("msg %d", i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := h.Get(ctx, "u1", 2, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages", len(got))
	}
	// The limit keeps the newest entries, still returned oldest first.
	if got[0].Text() != "msg 3" || got[1].Text() != "msg 4" {
		t.Errorf("window = [%q %q]", got[0].Text(), got[1].Text())
	}
}

func TestGetMaxAgeFiltersOld(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	if err := h.Add(ctx, "u1", agentle.UserMessage("old")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := h.Add(ctx, "u1", agentle.UserMessage("fresh")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := h.Get(ctx, "u1", 0, 25*time.Millisecond)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || got[0].Text() != "fresh" {
		t.Errorf("got %d messages, want only the fresh one", len(got))
	}
}

func TestClearIsPerUser(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	h.Add(ctx, "u1", agentle.UserMessage("a"))
	h.Add(ctx, "u2", agentle.UserMessage("b"))

	if err := h.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := h.Get(ctx, "u1", 0, 0); len(got) != 0 {
		t.Errorf("u1 still has %d messages", len(got))
	}
	if got, _ := h.Get(ctx, "u2", 0, 0); len(got) != 1 {
		t.Errorf("u2 lost messages: %d", len(got))
	}
}

func TestCleanupExpired(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	h.Add(ctx, "u1", agentle.UserMessage("old 1"))
	h.Add(ctx, "u2", agentle.UserMessage("old 2"))
	time.Sleep(50 * time.Millisecond)
	h.Add(ctx, "u1", agentle.UserMessage("fresh"))

	removed, err := h.CleanupExpired(ctx, 25*time.Millisecond)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if got, _ := h.Get(ctx, "u1", 0, 0); len(got) != 1 || got[0].Text() != "fresh" {
		t.Errorf("u1 = %d messages after cleanup", len(got))
	}
}

func TestRoundTripPreservesStructure(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	msg := agentle.ToolCallMessage("r1", agentle.ToolCall{CallID: "c1", Name: "echo", Arguments: `{"text":"x"}`})
	if err := h.Add(ctx, "u1", msg); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := h.Get(ctx, "u1", 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	calls := got[0].ToolCalls()
	if len(calls) != 1 || calls[0].CallID != "c1" || calls[0].Name != "echo" {
		t.Errorf("round-tripped calls = %+v", calls)
	}
}
