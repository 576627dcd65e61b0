package observer

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/paragon-intelligence/agentle/telemetry"
)

// Metrics is a telemetry.Processor that records bus events as OTEL metrics.
// Register it on a telemetry.Bus alongside (or instead of) the OTLP span
// exporter.
type Metrics struct {
	inst    *Instruments
	running atomic.Bool
}

// NewMetrics creates a running metrics processor over inst.
func NewMetrics(inst *Instruments) *Metrics {
	m := &Metrics{inst: inst}
	m.running.Store(true)
	return m
}

// IsRunning implements telemetry.Processor.
func (m *Metrics) IsRunning() bool { return m.running.Load() }

// Shutdown implements telemetry.Processor. The meter provider owns exporter
// flushing; the processor just stops accepting events.
func (m *Metrics) Shutdown() error {
	m.running.Store(false)
	return nil
}

// Process implements telemetry.Processor.
func (m *Metrics) Process(ev telemetry.Event) error {
	ctx := context.Background()
	switch e := ev.(type) {
	case *telemetry.ResponseCompleted:
		attrs := metric.WithAttributes(
			AttrModel.String(e.Model),
			AttrStatus.String("ok"),
		)
		m.inst.LLMRequests.Add(ctx, 1, attrs)
		m.inst.TokenUsage.Add(ctx, int64(e.Usage.TotalTokens), attrs)
		m.inst.CostTotal.Add(ctx, e.CostUSD, attrs)
		m.inst.LLMDuration.Record(ctx, float64(e.DurationNano)/1e6, attrs)
	case *telemetry.ResponseFailed:
		m.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
			AttrModel.String(e.Model),
			AttrStatus.String("error"),
			AttrErrorCode.String(e.ErrorCode),
		))
	case *telemetry.AgentFailed:
		m.inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(e.Agent),
			AttrAgentPhase.String(e.Phase),
			AttrStatus.String("failed"),
		))
	}
	return nil
}

// compile-time check
var _ telemetry.Processor = (*Metrics)(nil)
