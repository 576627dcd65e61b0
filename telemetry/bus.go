package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// defaultQueueSize is the bus's emit buffer. When the buffer is full, Emit
// drops the event rather than block the caller.
const defaultQueueSize = 1024

// Bus fans typed events out to registered processors. Emit never blocks:
// events queue into a buffered channel drained by a single dispatch
// goroutine, which preserves per-trace start-before-complete ordering.
// Processor failures are swallowed and logged; delivery is at-most-once per
// processor per event.
type Bus struct {
	// processors is copy-on-write: Register swaps in a new slice so Emit
	// reads a stable snapshot without locking.
	processors atomic.Pointer[[]Processor]

	// queue is never closed: Emit may race with Shutdown, and a send on a
	// closed channel would panic the emitter. Shutdown signals the
	// dispatcher through stop instead.
	queue   chan Event
	stop    chan struct{}
	dropped atomic.Int64
	done    chan struct{}
	closed  atomic.Bool
	mu      sync.Mutex // serializes Register/Shutdown
	logger  *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// BusQueueSize sets the emit buffer size (default 1024).
func BusQueueSize(n int) BusOption {
	return func(b *Bus) { b.queue = make(chan Event, n) }
}

// BusLogger sets the structured logger for drop and processor-failure logs.
func BusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates a running bus. Call Shutdown to drain and stop it.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{stop: make(chan struct{}), done: make(chan struct{})}
	for _, opt := range opts {
		opt(b)
	}
	if b.queue == nil {
		b.queue = make(chan Event, defaultQueueSize)
	}
	if b.logger == nil {
		b.logger = slog.New(discardHandler{})
	}
	empty := make([]Processor, 0)
	b.processors.Store(&empty)
	go b.dispatch()
	return b
}

// Register adds a processor. Registration is copy-on-write so concurrent
// Emit calls keep reading a consistent snapshot.
func (b *Bus) Register(p Processor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := *b.processors.Load()
	next := make([]Processor, len(old)+1)
	copy(next, old)
	next[len(old)] = p
	b.processors.Store(&next)
}

// Emit enqueues an event for dispatch. Never blocks; when the queue is full
// the event is dropped and counted.
func (b *Bus) Emit(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.queue <- ev:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.logger.Warn("telemetry queue full, dropping events", "dropped_total", b.dropped.Load())
		}
	}
}

// Dropped returns the number of events dropped due to a full queue.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Shutdown stops intake, drains the queue, and shuts every processor down.
// Processor shutdown errors are joined.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return nil
	}
	close(b.stop)
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, p := range *b.processors.Load() {
		if err := p.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dispatch drains the queue, delivering each event to every processor with
// panic isolation. On stop it flushes whatever made it into the queue before
// intake closed, then exits.
func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.queue:
			b.fanout(ev)
		case <-b.stop:
			for {
				select {
				case ev := <-b.queue:
					b.fanout(ev)
				default:
					return
				}
			}
		}
	}
}

// fanout delivers one event to every running processor.
func (b *Bus) fanout(ev Event) {
	for _, p := range *b.processors.Load() {
		if !p.IsRunning() {
			continue
		}
		if err := b.deliver(p, ev); err != nil {
			b.logger.Warn("telemetry processor failed", "event", ev.Kind(), "error", err)
		}
	}
}

func (b *Bus) deliver(p Processor, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.Process(ev)
}

// discardHandler mirrors the root package's no-op slog handler; duplicated
// here to keep telemetry import-free of the core.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
