package agentle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// flushRecord captures one processor invocation.
type flushRecord struct {
	userID string
	batch  []BatchMessage
	bctx   BatchContext
}

func waitFlush(t *testing.T, ch <-chan flushRecord) flushRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("no flush within 5s")
		return flushRecord{}
	}
}

func TestBatcherBufferFullFlush(t *testing.T) {
	flushed := make(chan flushRecord, 4)
	b := NewBatcher(func(_ context.Context, userID string, batch []BatchMessage, bctx BatchContext) error {
		flushed <- flushRecord{userID, batch, bctx}
		return nil
	}, BatchSize(3), BatchMaxWait(time.Hour), BatchSilence(time.Hour))
	defer b.Stop()

	for i := 0; i < 3; i++ {
		if err := b.Submit("u1", fmt.Sprintf("m%d", i), "text"); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	rec := waitFlush(t, flushed)
	if rec.bctx.Reason != FlushBufferFull {
		t.Errorf("reason = %s, want BUFFER_FULL", rec.bctx.Reason)
	}
	if len(rec.batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(rec.batch))
	}
	// Arrival order is preserved.
	if rec.batch[0].ID != "m0" || rec.batch[2].ID != "m2" {
		t.Errorf("order = [%s ... %s]", rec.batch[0].ID, rec.batch[2].ID)
	}
	if rec.bctx.FirstMessageID != "m0" || rec.bctx.LastMessageID != "m2" {
		t.Errorf("bctx = %+v", rec.bctx)
	}
}

func TestBatcherSilenceFlush(t *testing.T) {
	flushed := make(chan flushRecord, 1)
	b := NewBatcher(func(_ context.Context, userID string, batch []BatchMessage, bctx BatchContext) error {
		flushed <- flushRecord{userID, batch, bctx}
		return nil
	}, BatchSize(100), BatchMaxWait(time.Hour), BatchSilence(30*time.Millisecond))
	defer b.Stop()

	b.Submit("u1", "m1", "hello")
	rec := waitFlush(t, flushed)
	if rec.bctx.Reason != FlushSilence {
		t.Errorf("reason = %s, want SILENCE", rec.bctx.Reason)
	}
}

func TestBatcherTimeoutFlush(t *testing.T) {
	flushed := make(chan flushRecord, 1)
	b := NewBatcher(func(_ context.Context, userID string, batch []BatchMessage, bctx BatchContext) error {
		flushed <- flushRecord{userID, batch, bctx}
		return nil
	}, BatchSize(100), BatchMaxWait(40*time.Millisecond), BatchSilence(time.Hour))
	defer b.Stop()

	b.Submit("u1", "m1", "hello")
	rec := waitFlush(t, flushed)
	if rec.bctx.Reason != FlushTimeout {
		t.Errorf("reason = %s, want TIMEOUT", rec.bctx.Reason)
	}
}

func TestBatcherManualFlush(t *testing.T) {
	flushed := make(chan flushRecord, 1)
	b := NewBatcher(func(_ context.Context, userID string, batch []BatchMessage, bctx BatchContext) error {
		flushed <- flushRecord{userID, batch, bctx}
		return nil
	}, BatchSize(100), BatchMaxWait(time.Hour), BatchSilence(time.Hour))
	defer b.Stop()

	b.Submit("u1", "m1", "hello")
	if got := b.Pending("u1"); got != 1 {
		t.Errorf("Pending = %d, want 1", got)
	}
	b.Flush("u1")
	rec := waitFlush(t, flushed)
	if rec.bctx.Reason != FlushUnknown {
		t.Errorf("reason = %s, want UNKNOWN", rec.bctx.Reason)
	}
	b.Flush("unknown-user") // no-op
}

func TestBatcherBackpressureReject(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	b := NewBatcher(func(context.Context, string, []BatchMessage, BatchContext) error {
		started <- struct{}{}
		<-release
		return nil
	}, BatchSize(2), BatchMaxWait(time.Hour), BatchSilence(time.Hour),
		BatchBackpressure(BackpressureReject, 0))
	defer func() { close(release); b.Stop() }()

	b.Submit("u1", "m1", "x")
	b.Submit("u1", "m2", "x") // fills the mailbox, flushes, processor blocks
	<-started

	// Refill while processing, then overflow.
	b.Submit("u1", "m3", "x")
	if err := b.Submit("u1", "m4", "x"); err != nil {
		t.Fatalf("Submit refilling: %v", err)
	}
	if err := b.Submit("u1", "m5", "x"); err == nil {
		t.Error("overflow submit accepted under REJECT")
	}
}

func TestBatcherBackpressureDropOldest(t *testing.T) {
	release := make(chan struct{})
	flushed := make(chan flushRecord, 4)
	b := NewBatcher(func(_ context.Context, userID string, batch []BatchMessage, bctx BatchContext) error {
		flushed <- flushRecord{userID, batch, bctx}
		<-release
		return nil
	}, BatchSize(2), BatchMaxWait(time.Hour), BatchSilence(time.Hour),
		BatchBackpressure(BackpressureDropOldest, 0))
	defer b.Stop()

	b.Submit("u1", "m1", "x")
	b.Submit("u1", "m2", "x")
	waitFlush(t, flushed) // first batch in flight, blocked

	b.Submit("u1", "m3", "x")
	b.Submit("u1", "m4", "x")
	if err := b.Submit("u1", "m5", "x"); err != nil {
		t.Fatalf("Submit under DROP_OLDEST: %v", err)
	}
	close(release)

	second := waitFlush(t, flushed)
	if len(second.batch) != 2 || second.batch[0].ID != "m4" || second.batch[1].ID != "m5" {
		ids := make([]string, len(second.batch))
		for i, m := range second.batch {
			ids[i] = m.ID
		}
		t.Errorf("second batch = %v, want [m4 m5] after dropping m3", ids)
	}
}

func TestBatcherBackpressureBlock(t *testing.T) {
	release := make(chan struct{})
	flushed := make(chan flushRecord, 4)
	b := NewBatcher(func(_ context.Context, userID string, batch []BatchMessage, bctx BatchContext) error {
		flushed <- flushRecord{userID, batch, bctx}
		<-release
		return nil
	}, BatchSize(2), BatchMaxWait(time.Hour), BatchSilence(time.Hour),
		BatchBackpressure(BackpressureBlock, 5*time.Second))
	defer b.Stop()

	b.Submit("u1", "m1", "x")
	b.Submit("u1", "m2", "x")
	waitFlush(t, flushed)

	b.Submit("u1", "m3", "x")
	b.Submit("u1", "m4", "x")

	// The overflow submit blocks until the first batch finishes and the
	// refilled mailbox flushes.
	unblocked := make(chan error, 1)
	go func() { unblocked <- b.Submit("u1", "m5", "x") }()
	select {
	case <-unblocked:
		t.Fatal("blocked submit returned before space freed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-unblocked; err != nil {
		t.Errorf("blocked submit = %v after space freed", err)
	}
}

func TestBatcherRetryThenDeadLetter(t *testing.T) {
	attempts := make(chan int, 8)
	dead := make(chan error, 1)
	b := NewBatcher(func(_ context.Context, _ string, _ []BatchMessage, bctx BatchContext) error {
		attempts <- bctx.RetryAttempt
		return errors.New("downstream unavailable")
	},
		BatchSize(1), BatchMaxWait(time.Hour), BatchSilence(time.Hour),
		BatchErrorStrategy(StrategyRetry), BatchRetries(2, time.Millisecond),
		BatchDeadLetter(func(_ string, _ []BatchMessage, _ BatchContext, err error) {
			dead <- err
		}))
	defer b.Stop()

	b.Submit("u1", "m1", "x")
	for want := 0; want < 3; want++ {
		select {
		case got := <-attempts:
			if got != want {
				t.Errorf("attempt = %d, want %d", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("missing attempt %d", want)
		}
	}
	select {
	case err := <-dead:
		if err == nil {
			t.Error("dead letter received nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dead letter hook never fired")
	}
}

func TestBatcherDropStrategy(t *testing.T) {
	calls := make(chan struct{}, 4)
	b := NewBatcher(func(context.Context, string, []BatchMessage, BatchContext) error {
		calls <- struct{}{}
		return errors.New("fail")
	}, BatchSize(1), BatchMaxWait(time.Hour), BatchSilence(time.Hour),
		BatchErrorStrategy(StrategyDrop))
	defer b.Stop()

	b.Submit("u1", "m1", "x")
	<-calls
	// No retries under DROP.
	select {
	case <-calls:
		t.Error("processor re-invoked under DROP strategy")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBatcherProcessorPanicIsRecovered(t *testing.T) {
	dead := make(chan error, 1)
	b := NewBatcher(func(context.Context, string, []BatchMessage, BatchContext) error {
		panic("boom")
	}, BatchSize(1), BatchMaxWait(time.Hour), BatchSilence(time.Hour),
		BatchErrorStrategy(StrategyDeadLetter),
		BatchDeadLetter(func(_ string, _ []BatchMessage, _ BatchContext, err error) { dead <- err }))
	defer b.Stop()

	b.Submit("u1", "m1", "x")
	select {
	case err := <-dead:
		if err == nil {
			t.Error("panic not converted to error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("panicking processor never dead-lettered")
	}
}

func TestBatcherStop(t *testing.T) {
	b := NewBatcher(func(context.Context, string, []BatchMessage, BatchContext) error {
		return nil
	})
	b.Stop()
	if err := b.Submit("u1", "m1", "x"); err == nil {
		t.Error("Submit accepted after Stop")
	}
	b.Stop() // idempotent
}

func TestBatcherPerUserIsolation(t *testing.T) {
	flushed := make(chan flushRecord, 4)
	b := NewBatcher(func(_ context.Context, userID string, batch []BatchMessage, bctx BatchContext) error {
		flushed <- flushRecord{userID, batch, bctx}
		return nil
	}, BatchSize(2), BatchMaxWait(time.Hour), BatchSilence(time.Hour))
	defer b.Stop()

	b.Submit("alice", "a1", "x")
	b.Submit("bob", "b1", "x")
	if b.Pending("alice") != 1 || b.Pending("bob") != 1 {
		t.Errorf("pending alice=%d bob=%d, want 1 each", b.Pending("alice"), b.Pending("bob"))
	}
	b.Submit("alice", "a2", "x")
	rec := waitFlush(t, flushed)
	if rec.userID != "alice" || len(rec.batch) != 2 {
		t.Errorf("flush = %+v, want alice's pair", rec)
	}
	if b.Pending("bob") != 1 {
		t.Errorf("bob's mailbox disturbed: %d", b.Pending("bob"))
	}
}

func TestBatcherSerializesPerUserProcessing(t *testing.T) {
	var inFlight, overlaps atomic.Int32
	entered := make(chan struct{}, 4)
	flushed := make(chan flushRecord, 4)
	b := NewBatcher(func(_ context.Context, userID string, batch []BatchMessage, bctx BatchContext) error {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		entered <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		flushed <- flushRecord{userID, batch, bctx}
		return nil
	}, BatchSize(2), BatchMaxWait(time.Hour), BatchSilence(time.Hour))
	defer b.Stop()

	b.Submit("u1", "m1", "x")
	b.Submit("u1", "m2", "x")
	// The first batch is processing now; these fill the mailbox again and
	// must wait for it rather than start a second call.
	<-entered
	b.Submit("u1", "m3", "x")
	b.Submit("u1", "m4", "x")

	first := waitFlush(t, flushed)
	second := waitFlush(t, flushed)
	if first.batch[0].ID != "m1" || second.batch[0].ID != "m3" {
		t.Errorf("batches = [%s..] [%s..], want m1 then m3", first.batch[0].ID, second.batch[0].ID)
	}
	if got := overlaps.Load(); got != 0 {
		t.Errorf("observed %d overlapping processor calls for one user, want 0", got)
	}
}

func TestBatcherEffectiveSilence(t *testing.T) {
	b := NewBatcher(func(context.Context, string, []BatchMessage, BatchContext) error { return nil },
		BatchSilence(800*time.Millisecond))
	defer b.Stop()
	tests := []struct {
		queueLen int
		want     time.Duration
	}{
		{1, 800 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{8, 200 * time.Millisecond},
		{12, 100 * time.Millisecond},
		{40, 100 * time.Millisecond}, // floored at an eighth of the base
	}
	for _, tt := range tests {
		if got := b.effectiveSilence(tt.queueLen); got != tt.want {
			t.Errorf("effectiveSilence(%d) = %v, want %v", tt.queueLen, got, tt.want)
		}
	}
}
