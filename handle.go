package agentle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunState represents the execution state of a spawned agent run.
type RunState int32

const (
	// StatePending indicates the run has been spawned but not started.
	StatePending RunState = iota
	// StateRunning indicates the turn loop is in progress.
	StateRunning
	// StateCompleted indicates the run finished successfully.
	StateCompleted
	// StateFailed indicates the run returned an error.
	StateFailed
	// StateCancelled indicates the run was cancelled via Cancel() or the
	// parent context.
	StateCancelled
)

// String returns the state name.
func (s RunState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (s RunState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// SpawnOption configures a Spawn call.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	logger *slog.Logger
}

// SpawnLogger sets the structured logger for spawn lifecycle events.
func SpawnLogger(l *slog.Logger) SpawnOption {
	return func(c *spawnConfig) { c.logger = l }
}

// RunHandle tracks a background agent run. All methods are safe for
// concurrent use.
type RunHandle struct {
	id     string
	agent  *Agent
	state  atomic.Int32
	result RunResult
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// Spawn launches agent.Run(ctx, input) in a background goroutine and returns
// immediately with a handle for tracking, awaiting, and cancelling. The
// parent ctx controls the run's lifetime.
func Spawn(ctx context.Context, agent *Agent, input string, opts ...SpawnOption) *RunHandle {
	var cfg spawnConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	logger := cfg.logger

	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		id:     NewID(),
		agent:  agent,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.state.Store(int32(StatePending))

	logger.Info("run spawned", "agent", agent.Name(), "handle_id", h.id)

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				logger.Error("spawned run panic", "agent", agent.Name(), "handle_id", h.id, "panic", fmt.Sprintf("%v", p))
				h.result = RunResult{}
				h.err = fmt.Errorf("agent panic: %v", p)
				h.state.Store(int32(StateFailed))
				close(h.done)
			}
		}()
		h.state.Store(int32(StateRunning))
		start := time.Now()
		result, err := agent.Run(ctx, input)

		// Write result/err before close(done). The channel close is the
		// happens-before barrier: readers of <-h.done see these writes.
		h.result = result
		h.err = err
		if ctx.Err() != nil && err != nil {
			h.state.Store(int32(StateCancelled))
			logger.Info("spawned run cancelled", "agent", agent.Name(), "handle_id", h.id, "duration", time.Since(start))
		} else if err != nil {
			h.state.Store(int32(StateFailed))
			logger.Error("spawned run failed", "agent", agent.Name(), "handle_id", h.id, "error", err, "duration", time.Since(start))
		} else {
			h.state.Store(int32(StateCompleted))
			logger.Info("spawned run completed", "agent", agent.Name(), "handle_id", h.id,
				"duration", time.Since(start),
				"tokens.input", result.Usage.InputTokens,
				"tokens.output", result.Usage.OutputTokens)
		}
		close(h.done)
	}()

	return h
}

// ID returns the unique run identifier (UUIDv7, time-sortable).
func (h *RunHandle) ID() string { return h.id }

// Agent returns the agent being executed.
func (h *RunHandle) Agent() *Agent { return h.agent }

// State returns the current run state. If the state is terminal, State blocks
// until Done() is closed so Result() returns valid data whenever
// State().IsTerminal() is true.
func (h *RunHandle) State() RunState {
	s := RunState(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run reaches any terminal state.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled.
func (h *RunHandle) Await(ctx context.Context) (RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// Result returns the result and error. Only meaningful after Done() is
// closed; before completion it returns a zero RunResult and nil error.
func (h *RunHandle) Result() (RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return RunResult{}, nil
	}
}

// Cancel requests cancellation. Non-blocking. The run receives a cancelled
// context and transitions to StateCancelled once the loop returns.
func (h *RunHandle) Cancel() { h.cancel() }
