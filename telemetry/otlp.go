package telemetry

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// OTLP/JSON wire shapes, assembled by hand so the exporter has no protocol
// dependency. Timestamps are UNIX nanoseconds encoded as decimal strings,
// trace and span ids are lowercase hex.

type otlpExportRequest struct {
	ResourceSpans []otlpResourceSpans `json:"resource_spans"`
}

type otlpResourceSpans struct {
	Resource   otlpResource     `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scope_spans"`
}

type otlpResource struct {
	Attributes []otlpKeyValue `json:"attributes"`
}

type otlpScopeSpans struct {
	Scope otlpScope  `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type otlpSpan struct {
	TraceID           string         `json:"trace_id"`
	SpanID            string         `json:"span_id"`
	ParentSpanID      string         `json:"parent_span_id,omitempty"`
	Name              string         `json:"name"`
	Kind              int            `json:"kind"`
	StartTimeUnixNano string         `json:"start_time_unix_nano"`
	EndTimeUnixNano   string         `json:"end_time_unix_nano"`
	Attributes        []otlpKeyValue `json:"attributes,omitempty"`
	Status            otlpStatus     `json:"status"`
}

type otlpKeyValue struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue *string  `json:"string_value,omitempty"`
	IntValue    *string  `json:"int_value,omitempty"`
	BoolValue   *bool    `json:"bool_value,omitempty"`
	DoubleValue *float64 `json:"double_value,omitempty"`
}

type otlpStatus struct {
	Code    int    `json:"code"` // 1 = OK, 2 = ERROR
	Message string `json:"message,omitempty"`
}

const (
	otlpStatusOK    = 1
	otlpStatusError = 2
	spanKindClient  = 3
	spanKindServer  = 2
)

func strVal(v string) otlpValue    { return otlpValue{StringValue: &v} }
func boolVal(v bool) otlpValue     { return otlpValue{BoolValue: &v} }
func floatVal(v float64) otlpValue { return otlpValue{DoubleValue: &v} }
func intVal(v int64) otlpValue {
	s := strconv.FormatInt(v, 10)
	return otlpValue{IntValue: &s}
}

// OTLPProcessor batches completed spans and POSTs them as OTLP/JSON to
// {endpoint}/v1/traces. HTTP failures are logged and never surface to
// emitters; a failed flush drops its batch.
type OTLPProcessor struct {
	endpoint      string
	authHeader    string
	serviceName   string
	batchSize     int
	flushInterval time.Duration
	client        *http.Client
	logger        *slog.Logger

	mu      sync.Mutex
	pending map[string]int64 // span id -> start nano, from ResponseStarted
	batch   []otlpSpan

	flushStop chan struct{}
	running   atomic.Bool
	wg        sync.WaitGroup
}

// OTLPOption configures an OTLPProcessor.
type OTLPOption func(*OTLPProcessor)

// OTLPBasicAuth authenticates with base64(publicKey:secretKey).
func OTLPBasicAuth(publicKey, secretKey string) OTLPOption {
	return func(p *OTLPProcessor) {
		p.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(publicKey+":"+secretKey))
	}
}

// OTLPBearerAuth authenticates with a bearer token.
func OTLPBearerAuth(token string) OTLPOption {
	return func(p *OTLPProcessor) { p.authHeader = "Bearer " + token }
}

// OTLPServiceName sets the resource service.name (default "agentle").
func OTLPServiceName(name string) OTLPOption {
	return func(p *OTLPProcessor) { p.serviceName = name }
}

// OTLPBatchSize sets the span count that forces a flush (default 64).
func OTLPBatchSize(n int) OTLPOption {
	return func(p *OTLPProcessor) { p.batchSize = n }
}

// OTLPFlushInterval sets the periodic flush cadence (default 5s).
func OTLPFlushInterval(d time.Duration) OTLPOption {
	return func(p *OTLPProcessor) { p.flushInterval = d }
}

// OTLPHTTPClient overrides the HTTP client.
func OTLPHTTPClient(c *http.Client) OTLPOption {
	return func(p *OTLPProcessor) { p.client = c }
}

// OTLPLogger sets the structured logger for export failures.
func OTLPLogger(l *slog.Logger) OTLPOption {
	return func(p *OTLPProcessor) { p.logger = l }
}

// NewOTLP creates a running OTLP/JSON exporter targeting endpoint (without
// the /v1/traces suffix).
func NewOTLP(endpoint string, opts ...OTLPOption) *OTLPProcessor {
	p := &OTLPProcessor{
		endpoint:      endpoint,
		serviceName:   "agentle",
		batchSize:     64,
		flushInterval: 5 * time.Second,
		client:        &http.Client{Timeout: 10 * time.Second},
		pending:       make(map[string]int64),
		flushStop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(discardHandler{})
	}
	p.running.Store(true)
	p.wg.Add(1)
	go p.flushLoop()
	return p
}

// IsRunning implements Processor.
func (p *OTLPProcessor) IsRunning() bool { return p.running.Load() }

// Process converts an event into a span. Started events only record the
// start time; completion and failure events produce the exported span.
func (p *OTLPProcessor) Process(ev Event) error {
	_, spanID, _ := ev.Trace()
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case *ResponseStarted:
		p.pending[spanID] = e.TimestampNano
		return nil
	case *ResponseCompleted:
		span := p.baseSpan(ev, "llm.response", e.TimestampNano-e.DurationNano)
		span.Status = otlpStatus{Code: otlpStatusOK}
		span.Attributes = append(span.Attributes,
			otlpKeyValue{"session.id", strVal(e.SessionID)},
			otlpKeyValue{"gen_ai.request.model", strVal(e.Model)},
			otlpKeyValue{"gen_ai.usage.input_tokens", intVal(int64(e.Usage.InputTokens))},
			otlpKeyValue{"gen_ai.usage.output_tokens", intVal(int64(e.Usage.OutputTokens))},
			otlpKeyValue{"gen_ai.usage.total_tokens", intVal(int64(e.Usage.TotalTokens))},
			otlpKeyValue{"gen_ai.usage.cost_usd", floatVal(e.CostUSD)},
		)
		p.enqueueLocked(span)
	case *ResponseFailed:
		span := p.baseSpan(ev, "llm.response", 0)
		span.Status = otlpStatus{Code: otlpStatusError, Message: e.ErrorMessage}
		span.Attributes = append(span.Attributes,
			otlpKeyValue{"session.id", strVal(e.SessionID)},
			otlpKeyValue{"gen_ai.request.model", strVal(e.Model)},
			otlpKeyValue{"error.type", strVal("llm")},
			otlpKeyValue{"error.code", strVal(e.ErrorCode)},
			otlpKeyValue{"error.retryable", boolVal(e.Retryable)},
		)
		if e.HTTPStatus != 0 {
			span.Attributes = append(span.Attributes,
				otlpKeyValue{"http.status_code", intVal(int64(e.HTTPStatus))})
		}
		p.enqueueLocked(span)
	case *AgentFailed:
		span := p.baseSpan(ev, "agent.run", 0)
		span.Kind = spanKindServer
		span.Status = otlpStatus{Code: otlpStatusError, Message: e.ErrorMessage}
		span.Attributes = append(span.Attributes,
			otlpKeyValue{"session.id", strVal(e.SessionID)},
			otlpKeyValue{"agent.name", strVal(e.Agent)},
			otlpKeyValue{"agent.phase", strVal(e.Phase)},
			otlpKeyValue{"agent.turns", intVal(int64(e.TurnsCompleted))},
			otlpKeyValue{"error.type", strVal("agent")},
			otlpKeyValue{"error.code", strVal(e.ErrorCode)},
			otlpKeyValue{"error.retryable", boolVal(e.Retryable)},
		)
		p.enqueueLocked(span)
	}
	return nil
}

// baseSpan assembles the common span frame. startHint (non-zero) wins over a
// recorded ResponseStarted time; with neither, the span is zero-length at
// the event timestamp. Caller holds the lock.
func (p *OTLPProcessor) baseSpan(ev Event, name string, startHint int64) otlpSpan {
	traceID, spanID, parent := ev.Trace()
	end := ev.UnixNano()
	start := startHint
	if recorded, ok := p.pending[spanID]; ok {
		start = recorded
		delete(p.pending, spanID)
	}
	if start <= 0 || start > end {
		start = end
	}
	return otlpSpan{
		TraceID:           traceID,
		SpanID:            spanID,
		ParentSpanID:      parent,
		Name:              name,
		Kind:              spanKindClient,
		StartTimeUnixNano: strconv.FormatInt(start, 10),
		EndTimeUnixNano:   strconv.FormatInt(end, 10),
	}
}

// enqueueLocked appends a span and flushes when the batch is full. Caller
// holds the lock.
func (p *OTLPProcessor) enqueueLocked(span otlpSpan) {
	p.batch = append(p.batch, span)
	if len(p.batch) >= p.batchSize {
		batch := p.batch
		p.batch = nil
		// Tracked so Shutdown waits for size-triggered exports too.
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.export(batch)
		}()
	}
}

// Flush exports any buffered spans immediately.
func (p *OTLPProcessor) Flush() {
	p.mu.Lock()
	batch := p.batch
	p.batch = nil
	p.mu.Unlock()
	if len(batch) > 0 {
		p.export(batch)
	}
}

// Shutdown stops the flusher and exports the remaining spans.
func (p *OTLPProcessor) Shutdown() error {
	if !p.running.Swap(false) {
		return nil
	}
	close(p.flushStop)
	p.wg.Wait()
	p.Flush()
	return nil
}

func (p *OTLPProcessor) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.flushStop:
			return
		case <-ticker.C:
			p.Flush()
		}
	}
}

// export POSTs one batch. Failures are logged, never raised; the batch is
// not retried.
func (p *OTLPProcessor) export(spans []otlpSpan) {
	req := otlpExportRequest{
		ResourceSpans: []otlpResourceSpans{{
			Resource: otlpResource{Attributes: []otlpKeyValue{
				{"service.name", strVal(p.serviceName)},
			}},
			ScopeSpans: []otlpScopeSpans{{
				Scope: otlpScope{Name: "github.com/paragon-intelligence/agentle/telemetry"},
				Spans: spans,
			}},
		}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		p.logger.Warn("otlp marshal failed", "error", err)
		return
	}
	httpReq, err := http.NewRequest(http.MethodPost, p.endpoint+"/v1/traces", bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("otlp request build failed", "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.authHeader != "" {
		httpReq.Header.Set("Authorization", p.authHeader)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger.Warn("otlp export failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		p.logger.Warn("otlp export rejected",
			"status", resp.StatusCode,
			"body", string(snippet),
			"spans", len(spans))
	}
}

// compile-time check
var _ Processor = (*OTLPProcessor)(nil)
