package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// collector is a fake OTLP/JSON endpoint.
type collector struct {
	mu       sync.Mutex
	requests []otlpExportRequest
	auth     []string
	paths    []string
}

func (c *collector) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req otlpExportRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.requests = append(c.requests, req)
		c.auth = append(c.auth, r.Header.Get("Authorization"))
		c.paths = append(c.paths, r.URL.Path)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *collector) spans() []otlpSpan {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []otlpSpan
	for _, req := range c.requests {
		for _, rs := range req.ResourceSpans {
			for _, ss := range rs.ScopeSpans {
				out = append(out, ss.Spans...)
			}
		}
	}
	return out
}

func attrMap(span otlpSpan) map[string]otlpValue {
	out := make(map[string]otlpValue)
	for _, kv := range span.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestOTLPCompletedSpan(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(col.handler())
	defer srv.Close()

	p := NewOTLP(srv.URL, OTLPFlushInterval(time.Hour))
	p.Process(&ResponseStarted{
		TraceID:       "0af7651916cd43dd8448eb211c80319c",
		SpanID:        "b7ad6b7169203331",
		TimestampNano: 1000,
		Model:         "gpt-4o",
	})
	p.Process(&ResponseCompleted{
		SessionID:     "sess-1",
		TraceID:       "0af7651916cd43dd8448eb211c80319c",
		SpanID:        "b7ad6b7169203331",
		ParentSpanID:  "00f067aa0ba902b7",
		TimestampNano: 5000,
		Model:         "gpt-4o",
		ResponseID:    "resp-1",
		Usage:         Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		CostUSD:       0.0025,
		DurationNano:  4000,
	})
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	spans := col.spans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1 (started event records start, never exports)", len(spans))
	}
	span := spans[0]
	if span.Name != "llm.response" || span.Kind != spanKindClient {
		t.Errorf("span = %s kind %d", span.Name, span.Kind)
	}
	if span.TraceID != "0af7651916cd43dd8448eb211c80319c" || span.ParentSpanID != "00f067aa0ba902b7" {
		t.Errorf("ids = %s / %s", span.TraceID, span.ParentSpanID)
	}
	// The recorded start beats the duration hint.
	if span.StartTimeUnixNano != "1000" || span.EndTimeUnixNano != "5000" {
		t.Errorf("times = [%s, %s], want [1000, 5000]", span.StartTimeUnixNano, span.EndTimeUnixNano)
	}
	if span.Status.Code != otlpStatusOK {
		t.Errorf("status = %d, want OK", span.Status.Code)
	}
	attrs := attrMap(span)
	if v := attrs["gen_ai.request.model"]; v.StringValue == nil || *v.StringValue != "gpt-4o" {
		t.Errorf("model attr = %+v", v)
	}
	if v := attrs["gen_ai.usage.total_tokens"]; v.IntValue == nil || *v.IntValue != "15" {
		t.Errorf("total tokens attr = %+v", v)
	}
	if v := attrs["gen_ai.usage.cost_usd"]; v.DoubleValue == nil || *v.DoubleValue != 0.0025 {
		t.Errorf("cost attr = %+v", v)
	}
	if col.paths[0] != "/v1/traces" {
		t.Errorf("path = %s, want /v1/traces", col.paths[0])
	}
}

func TestOTLPCompletedWithoutStartedUsesDuration(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(col.handler())
	defer srv.Close()

	p := NewOTLP(srv.URL, OTLPFlushInterval(time.Hour))
	p.Process(&ResponseCompleted{
		SpanID:        "b7ad6b7169203331",
		TimestampNano: 9000,
		DurationNano:  2000,
	})
	p.Shutdown()

	spans := col.spans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	if spans[0].StartTimeUnixNano != "7000" {
		t.Errorf("start = %s, want 7000 (end minus duration)", spans[0].StartTimeUnixNano)
	}
}

func TestOTLPFailedSpan(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(col.handler())
	defer srv.Close()

	p := NewOTLP(srv.URL, OTLPFlushInterval(time.Hour))
	p.Process(&ResponseFailed{
		SpanID:        "b7ad6b7169203331",
		TimestampNano: 5000,
		Model:         "gpt-4o",
		ErrorCode:     "rate_limit_error",
		ErrorMessage:  "too many requests",
		HTTPStatus:    429,
		Retryable:     true,
	})
	p.Shutdown()

	spans := col.spans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	span := spans[0]
	if span.Status.Code != otlpStatusError || span.Status.Message != "too many requests" {
		t.Errorf("status = %+v", span.Status)
	}
	attrs := attrMap(span)
	if v := attrs["error.code"]; v.StringValue == nil || *v.StringValue != "rate_limit_error" {
		t.Errorf("error.code = %+v", v)
	}
	if v := attrs["http.status_code"]; v.IntValue == nil || *v.IntValue != "429" {
		t.Errorf("http.status_code = %+v", v)
	}
	if v := attrs["error.retryable"]; v.BoolValue == nil || !*v.BoolValue {
		t.Errorf("error.retryable = %+v", v)
	}
}

func TestOTLPAgentFailedSpan(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(col.handler())
	defer srv.Close()

	p := NewOTLP(srv.URL, OTLPFlushInterval(time.Hour))
	p.Process(&AgentFailed{
		SpanID:         "b7ad6b7169203331",
		TimestampNano:  5000,
		Agent:          "triage",
		Phase:          "TOOL_EXECUTION",
		TurnsCompleted: 2,
		ErrorCode:      "tool_execution_error",
	})
	p.Shutdown()

	spans := col.spans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	span := spans[0]
	if span.Name != "agent.run" || span.Kind != spanKindServer {
		t.Errorf("span = %s kind %d, want agent.run server kind", span.Name, span.Kind)
	}
	attrs := attrMap(span)
	if v := attrs["agent.phase"]; v.StringValue == nil || *v.StringValue != "TOOL_EXECUTION" {
		t.Errorf("agent.phase = %+v", v)
	}
	if v := attrs["agent.turns"]; v.IntValue == nil || *v.IntValue != "2" {
		t.Errorf("agent.turns = %+v", v)
	}
}

func TestOTLPAuthHeaders(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(col.handler())
	defer srv.Close()

	p := NewOTLP(srv.URL, OTLPFlushInterval(time.Hour), OTLPBasicAuth("pk", "sk"))
	p.Process(&ResponseFailed{SpanID: "a", TimestampNano: 1})
	p.Shutdown()

	// base64("pk:sk")
	if got := col.auth[0]; got != "Basic cGs6c2s=" {
		t.Errorf("Authorization = %q", got)
	}

	col2 := &collector{}
	srv2 := httptest.NewServer(col2.handler())
	defer srv2.Close()
	p2 := NewOTLP(srv2.URL, OTLPFlushInterval(time.Hour), OTLPBearerAuth("tok"))
	p2.Process(&ResponseFailed{SpanID: "a", TimestampNano: 1})
	p2.Shutdown()
	if got := col2.auth[0]; got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestOTLPBatchSizeTriggersExport(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(col.handler())
	defer srv.Close()

	p := NewOTLP(srv.URL, OTLPFlushInterval(time.Hour), OTLPBatchSize(2))
	p.Process(&ResponseFailed{SpanID: "a", TimestampNano: 1})
	p.Process(&ResponseFailed{SpanID: "b", TimestampNano: 2})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(col.spans()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(col.spans()); got != 2 {
		t.Errorf("exported %d spans before shutdown, want batch of 2", got)
	}
	p.Shutdown()
}

func TestOTLPShutdownWaitsForSizeTriggeredExport(t *testing.T) {
	col := &collector{}
	slow := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		col.handler()(w, r)
	}
	srv := httptest.NewServer(http.HandlerFunc(slow))
	defer srv.Close()

	p := NewOTLP(srv.URL, OTLPFlushInterval(time.Hour), OTLPBatchSize(1))
	p.Process(&ResponseFailed{SpanID: "a", TimestampNano: 1})
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// No polling: the export must have landed before Shutdown returned.
	if got := len(col.spans()); got != 1 {
		t.Errorf("spans exported when Shutdown returned = %d, want 1", got)
	}
}

func TestOTLPServiceNameResource(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(col.handler())
	defer srv.Close()

	p := NewOTLP(srv.URL, OTLPFlushInterval(time.Hour), OTLPServiceName("my-bot"))
	p.Process(&ResponseFailed{SpanID: "a", TimestampNano: 1})
	p.Shutdown()

	res := col.requests[0].ResourceSpans[0].Resource
	var name string
	for _, kv := range res.Attributes {
		if kv.Key == "service.name" && kv.Value.StringValue != nil {
			name = *kv.Value.StringValue
		}
	}
	if name != "my-bot" {
		t.Errorf("service.name = %q", name)
	}
}

func TestOTLPShutdownIdempotent(t *testing.T) {
	p := NewOTLP("http://127.0.0.1:0", OTLPFlushInterval(time.Hour))
	if !p.IsRunning() {
		t.Error("new processor not running")
	}
	if err := p.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if p.IsRunning() {
		t.Error("still running after shutdown")
	}
	if err := p.Shutdown(); err != nil {
		t.Errorf("repeat Shutdown: %v", err)
	}
}

func TestLangfusePreset(t *testing.T) {
	p := NewLangfuse("https://langfuse.example.com", "pk", "sk", OTLPFlushInterval(time.Hour))
	defer p.Shutdown()
	if p.endpoint != "https://langfuse.example.com/api/public/otel" {
		t.Errorf("endpoint = %q", p.endpoint)
	}
	if p.authHeader != "Basic cGs6c2s=" {
		t.Errorf("auth = %q", p.authHeader)
	}
}
