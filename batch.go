package agentle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FlushReason names the trigger that caused a batch to be processed.
type FlushReason string

const (
	// FlushTimeout fires when the oldest queued message has waited longer
	// than MaxWait.
	FlushTimeout FlushReason = "TIMEOUT"
	// FlushSilence fires when no new message has arrived for the adaptive
	// silence threshold.
	FlushSilence FlushReason = "SILENCE"
	// FlushBufferFull fires when the queue reaches MaxBatchSize.
	FlushBufferFull FlushReason = "BUFFER_FULL"
	// FlushUnknown is an explicit Flush call.
	FlushUnknown FlushReason = "UNKNOWN"
)

// ErrorStrategy selects what the Batcher does when the processor fails.
type ErrorStrategy string

const (
	// StrategyRetry re-runs the processor with capped attempts and
	// backoff, then dead-letters (or drops) the batch.
	StrategyRetry ErrorStrategy = "RETRY"
	// StrategyDeadLetter hands the failed batch to the dead-letter hook.
	StrategyDeadLetter ErrorStrategy = "DEAD_LETTER"
	// StrategyDrop discards the failed batch.
	StrategyDrop ErrorStrategy = "DROP"
	// StrategyIgnore logs the error and treats the batch as processed.
	StrategyIgnore ErrorStrategy = "IGNORE"
)

// BackpressurePolicy selects what Submit does when a user's mailbox is full
// while the slot is already processing.
type BackpressurePolicy string

const (
	// BackpressureReject fails the submit immediately.
	BackpressureReject BackpressurePolicy = "REJECT"
	// BackpressureBlock blocks the submitter until space frees or
	// BlockTimeout elapses.
	BackpressureBlock BackpressurePolicy = "BLOCK"
	// BackpressureDropOldest evicts the oldest queued message.
	BackpressureDropOldest BackpressurePolicy = "DROP_OLDEST"
)

// BatchMessage is one inbound message with its arrival timestamp.
type BatchMessage struct {
	ID        string
	Text      string
	ArrivedAt time.Time
}

// BatchContext rides along with every processor invocation.
type BatchContext struct {
	BatchID        string
	FirstMessageID string
	LastMessageID  string
	Reason         FlushReason
	RetryAttempt   int
}

// BatchProcessor handles one drained batch. Messages arrive in arrival
// order. At most one call is in flight per user at any time.
type BatchProcessor func(ctx context.Context, userID string, batch []BatchMessage, bctx BatchContext) error

// DeadLetterFunc receives batches that exhausted the error strategy.
type DeadLetterFunc func(userID string, batch []BatchMessage, bctx BatchContext, err error)

// Batcher collects inbound messages per user and dispatches them to a
// processor when a flush trigger fires. Different users process in parallel
// up to MaxConcurrentUsers; a single user never has two processor calls in
// flight.
type Batcher struct {
	processor  BatchProcessor
	deadLetter DeadLetterFunc

	maxBatchSize     int
	maxWait          time.Duration
	silenceThreshold time.Duration
	maxRetries       int
	retryBase        time.Duration
	strategy         ErrorStrategy
	backpressure     BackpressurePolicy
	blockTimeout     time.Duration
	idleEviction     time.Duration
	sweepInterval    time.Duration

	mu    sync.RWMutex
	slots map[string]*batchSlot

	workers chan struct{} // bounds concurrent processor calls across users
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	logger  *slog.Logger
	clock   func() time.Time
}

// batchSlot is the per-user mailbox. Its own lock protects the queue and
// flush state; the slot table above it is guarded separately.
type batchSlot struct {
	mu         sync.Mutex
	cond       *sync.Cond // signalled when queue space frees
	userID     string
	queue      []BatchMessage
	firstAt    time.Time
	lastAt     time.Time
	processing bool
	retries    int
	timer      *time.Timer
	idleSince  time.Time
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// BatchSize sets the mailbox capacity (default 10).
func BatchSize(n int) BatcherOption {
	return func(b *Batcher) { b.maxBatchSize = n }
}

// BatchMaxWait sets the wall-time cap since the first queued message
// (default 30s).
func BatchMaxWait(d time.Duration) BatcherOption {
	return func(b *Batcher) { b.maxWait = d }
}

// BatchSilence sets the base silence threshold (default 3s). The effective
// threshold shrinks as the queue grows.
func BatchSilence(d time.Duration) BatcherOption {
	return func(b *Batcher) { b.silenceThreshold = d }
}

// BatchWorkers caps concurrent processor calls across users (default 10).
func BatchWorkers(n int) BatcherOption {
	return func(b *Batcher) { b.workers = make(chan struct{}, n) }
}

// BatchErrorStrategy selects the failure handling (default RETRY).
func BatchErrorStrategy(s ErrorStrategy) BatcherOption {
	return func(b *Batcher) { b.strategy = s }
}

// BatchRetries caps retry attempts for StrategyRetry (default 2) with the
// given base backoff.
func BatchRetries(n int, base time.Duration) BatcherOption {
	return func(b *Batcher) { b.maxRetries = n; b.retryBase = base }
}

// BatchBackpressure selects the full-mailbox policy (default REJECT).
// blockTimeout only applies to BackpressureBlock.
func BatchBackpressure(p BackpressurePolicy, blockTimeout time.Duration) BatcherOption {
	return func(b *Batcher) { b.backpressure = p; b.blockTimeout = blockTimeout }
}

// BatchDeadLetter sets the dead-letter hook.
func BatchDeadLetter(fn DeadLetterFunc) BatcherOption {
	return func(b *Batcher) { b.deadLetter = fn }
}

// BatchIdleEviction sets how long an empty, idle slot survives before the
// sweep removes it (default 5m), and how often the sweep runs (default 1m).
func BatchIdleEviction(idle, sweepInterval time.Duration) BatcherOption {
	return func(b *Batcher) { b.idleEviction = idle; b.sweepInterval = sweepInterval }
}

// BatchLogger sets the structured logger.
func BatchLogger(l *slog.Logger) BatcherOption {
	return func(b *Batcher) { b.logger = l }
}

// NewBatcher creates a running batching service. Call Stop to shut it down.
func NewBatcher(processor BatchProcessor, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		processor:        processor,
		maxBatchSize:     10,
		maxWait:          30 * time.Second,
		silenceThreshold: 3 * time.Second,
		maxRetries:       2,
		retryBase:        500 * time.Millisecond,
		strategy:         StrategyRetry,
		backpressure:     BackpressureReject,
		blockTimeout:     5 * time.Second,
		idleEviction:     5 * time.Minute,
		sweepInterval:    time.Minute,
		slots:            make(map[string]*batchSlot),
		stop:             make(chan struct{}),
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.workers == nil {
		b.workers = make(chan struct{}, 10)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	b.wg.Add(1)
	go b.sweepLoop()
	return b
}

// Submit queues one message for userID and re-arms the slot's flush timer.
// A full mailbox on an already-processing slot applies the backpressure
// policy; on an idle slot it flushes immediately (BUFFER_FULL).
func (b *Batcher) Submit(userID, messageID, text string) error {
	select {
	case <-b.stop:
		return &ErrConfiguration{Field: "batcher", Message: "batcher is stopped"}
	default:
	}

	s := b.slot(userID)
	s.mu.Lock()
	now := b.clock()

	if len(s.queue) >= b.maxBatchSize {
		if s.processing {
			if err := b.applyBackpressure(s); err != nil {
				s.mu.Unlock()
				return err
			}
		}
		// Space may have freed while blocking; fall through to append and
		// re-check the full trigger below.
	}

	if len(s.queue) == 0 {
		s.firstAt = now
		s.retries = 0
	}
	s.queue = append(s.queue, BatchMessage{ID: messageID, Text: text, ArrivedAt: now})
	s.lastAt = now
	s.idleSince = now

	if len(s.queue) >= b.maxBatchSize && !s.processing {
		b.flushLocked(s, FlushBufferFull)
		s.mu.Unlock()
		return nil
	}
	b.armTimerLocked(s)
	s.mu.Unlock()
	return nil
}

// Flush drains userID's mailbox immediately with the UNKNOWN reason. A
// no-op for empty or unknown users.
func (b *Batcher) Flush(userID string) {
	b.mu.RLock()
	s := b.slots[userID]
	b.mu.RUnlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	if len(s.queue) > 0 && !s.processing {
		b.flushLocked(s, FlushUnknown)
	}
	s.mu.Unlock()
}

// Pending returns the number of queued messages for userID.
func (b *Batcher) Pending(userID string) int {
	b.mu.RLock()
	s := b.slots[userID]
	b.mu.RUnlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop shuts the service down: stops timers and the sweep, then waits for
// in-flight processors. Queued but unflushed messages are discarded.
func (b *Batcher) Stop() {
	b.stopped.Do(func() { close(b.stop) })
	b.mu.Lock()
	for _, s := range b.slots {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// slot returns userID's slot, creating it on first use.
func (b *Batcher) slot(userID string) *batchSlot {
	b.mu.RLock()
	s := b.slots[userID]
	b.mu.RUnlock()
	if s != nil {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s = b.slots[userID]; s != nil {
		return s
	}
	s = &batchSlot{userID: userID, idleSince: b.clock()}
	s.cond = sync.NewCond(&s.mu)
	b.slots[userID] = s
	return s
}

// applyBackpressure handles a full mailbox on a processing slot. Caller
// holds the slot lock.
func (b *Batcher) applyBackpressure(s *batchSlot) error {
	switch b.backpressure {
	case BackpressureDropOldest:
		s.queue = s.queue[1:]
		b.logger.Warn("mailbox full, dropped oldest", "user", s.userID)
		return nil
	case BackpressureBlock:
		expired := false
		timer := time.AfterFunc(b.blockTimeout, func() {
			s.mu.Lock()
			expired = true
			s.mu.Unlock()
			s.cond.Broadcast()
		})
		defer timer.Stop()
		for len(s.queue) >= b.maxBatchSize && s.processing && !expired {
			s.cond.Wait()
		}
		if len(s.queue) >= b.maxBatchSize && s.processing {
			return &ErrConfiguration{Field: "batcher", Message: fmt.Sprintf("mailbox full for user %s after %s", s.userID, b.blockTimeout)}
		}
		return nil
	default: // BackpressureReject
		return &ErrConfiguration{Field: "batcher", Message: "mailbox full for user " + s.userID}
	}
}

// effectiveSilence is the adaptive silence threshold: the base shrinks by a
// power of two for every four queued messages, floored at an eighth of the
// base. Monotone in queue size so bursts flush sooner.
func (b *Batcher) effectiveSilence(queueLen int) time.Duration {
	d := b.silenceThreshold >> (queueLen / 4)
	if floor := b.silenceThreshold / 8; d < floor {
		d = floor
	}
	return d
}

// armTimerLocked schedules the next trigger evaluation. Caller holds the
// slot lock.
func (b *Batcher) armTimerLocked(s *batchSlot) {
	if s.timer != nil {
		s.timer.Stop()
	}
	now := b.clock()
	timeout := b.maxWait - now.Sub(s.firstAt)
	silence := b.effectiveSilence(len(s.queue)) - now.Sub(s.lastAt)
	next := min(timeout, silence)
	if next < 0 {
		next = 0
	}
	s.timer = time.AfterFunc(next, func() { b.onTimer(s) })
}

// onTimer evaluates the time triggers for a slot.
func (b *Batcher) onTimer(s *batchSlot) {
	select {
	case <-b.stop:
		return
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.processing {
		return
	}
	now := b.clock()
	switch {
	case now.Sub(s.firstAt) >= b.maxWait:
		b.flushLocked(s, FlushTimeout)
	case now.Sub(s.lastAt) >= b.effectiveSilence(len(s.queue)):
		b.flushLocked(s, FlushSilence)
	default:
		b.armTimerLocked(s)
	}
}

// flushLocked atomically drains the mailbox, marks the slot processing, and
// hands the batch to a worker. Caller holds the slot lock. Drain plus mark
// is indivisible with respect to concurrent submits, the one atomic sequence
// the service depends on.
func (b *Batcher) flushLocked(s *batchSlot, reason FlushReason) {
	batch := s.queue
	s.queue = nil
	s.processing = true
	if s.timer != nil {
		s.timer.Stop()
	}
	retry := s.retries

	bctx := BatchContext{
		BatchID:        NewID(),
		FirstMessageID: batch[0].ID,
		LastMessageID:  batch[len(batch)-1].ID,
		Reason:         reason,
		RetryAttempt:   retry,
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.workers <- struct{}{}
		defer func() { <-b.workers }()
		b.process(s, batch, bctx)
	}()
}

// process runs the processor and applies the error strategy, then releases
// the slot.
func (b *Batcher) process(s *batchSlot, batch []BatchMessage, bctx BatchContext) {
	ctx := context.Background()
	err := b.runProcessor(ctx, s.userID, batch, bctx)
	if err != nil && b.strategy == StrategyRetry {
		for attempt := 1; attempt <= b.maxRetries && err != nil; attempt++ {
			stopped := false
			select {
			case <-b.stop:
				stopped = true
			case <-time.After(b.retryBase << (attempt - 1)):
			}
			if stopped {
				break
			}
			bctx.RetryAttempt = attempt
			b.logger.Warn("retrying batch", "user", s.userID, "batch", bctx.BatchID, "attempt", attempt)
			err = b.runProcessor(ctx, s.userID, batch, bctx)
		}
	}
	if err != nil {
		switch b.strategy {
		case StrategyIgnore:
			b.logger.Warn("batch processor failed, ignoring", "user", s.userID, "batch", bctx.BatchID, "error", err)
		case StrategyDrop:
			b.logger.Warn("batch processor failed, dropping batch", "user", s.userID, "batch", bctx.BatchID, "error", err)
		default: // StrategyRetry exhausted or StrategyDeadLetter
			if b.deadLetter != nil {
				b.deadLetter(s.userID, batch, bctx, err)
			} else {
				b.logger.Error("batch processor failed, no dead-letter hook", "user", s.userID, "batch", bctx.BatchID, "error", err)
			}
		}
	}

	s.mu.Lock()
	s.processing = false
	s.idleSince = b.clock()
	s.cond.Broadcast()
	// Messages that arrived during processing re-arm the triggers; a full
	// queue flushes immediately.
	if len(s.queue) >= b.maxBatchSize {
		b.flushLocked(s, FlushBufferFull)
	} else if len(s.queue) > 0 {
		b.armTimerLocked(s)
	}
	s.mu.Unlock()
}

// runProcessor invokes the callback with panic recovery.
func (b *Batcher) runProcessor(ctx context.Context, userID string, batch []BatchMessage, bctx BatchContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("batch processor panic: %v", p)
		}
	}()
	return b.processor(ctx, userID, batch, bctx)
}

// sweepLoop periodically evicts slots that have been empty and idle longer
// than idleEviction.
func (b *Batcher) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep removes idle empty slots.
func (b *Batcher) sweep() {
	cutoff := b.clock().Add(-b.idleEviction)
	b.mu.Lock()
	defer b.mu.Unlock()
	for user, s := range b.slots {
		s.mu.Lock()
		evict := len(s.queue) == 0 && !s.processing && s.idleSince.Before(cutoff)
		if evict && s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
		if evict {
			delete(b.slots, user)
			b.logger.Debug("evicted idle batch slot", "user", user)
		}
	}
}
