package openairesponses

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/paragon-intelligence/agentle"
	"github.com/paragon-intelligence/agentle/telemetry"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Responder implements agentle.Responder against the OpenAI Responses API.
// It owns the HTTP transport, the retry policy, and structured-output
// parsing; telemetry emission is best-effort and never blocks a call.
type Responder struct {
	apiKey  string
	baseURL string
	name    string
	client  *http.Client
	retry   agentle.RetryPolicy
	pricing PricingTable
	events  telemetry.Emitter
	logger  *slog.Logger
}

// Option configures a Responder.
type Option func(*Responder)

// WithBaseURL points the responder at a compatible server (default OpenAI).
func WithBaseURL(u string) Option {
	return func(r *Responder) { r.baseURL = u }
}

// WithName sets the name reported by Name() (default "openai-responses").
func WithName(name string) Option {
	return func(r *Responder) { r.name = name }
}

// WithHTTPClient overrides the HTTP client, e.g. for timeouts or proxies.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Responder) { r.client = c }
}

// WithRetryPolicy overrides the transport retry policy.
func WithRetryPolicy(p agentle.RetryPolicy) Option {
	return func(r *Responder) { r.retry = p }
}

// WithPricing overrides the cost table.
func WithPricing(t PricingTable) Option {
	return func(r *Responder) { r.pricing = t }
}

// WithTelemetry attaches an event emitter for response lifecycle events.
func WithTelemetry(e telemetry.Emitter) Option {
	return func(r *Responder) { r.events = e }
}

// WithLogger sets the structured logger (default discards).
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

// New creates a Responder for the given API key.
func New(apiKey string, opts ...Option) *Responder {
	r := &Responder{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		name:    "openai-responses",
		client:  &http.Client{Timeout: 120 * time.Second},
		retry:   agentle.DefaultRetryPolicy(),
		pricing: DefaultPricing(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return r
}

// Name returns the responder name.
func (r *Responder) Name() string { return r.name }

// Respond sends one non-streaming request, retrying transient failures.
func (r *Responder) Respond(ctx context.Context, p agentle.ResponsePayload) (agentle.Response, error) {
	if err := p.Validate(); err != nil {
		return agentle.Response{}, err
	}
	body := buildBody(p)
	body.Stream = false

	span, parent := callSpan(p.Session)
	start := time.Now()
	r.emitStarted(p, span, parent, start)

	wire, err := agentle.Retry(ctx, r.retry, r.logger, func() (responseBody, error) {
		return r.doRequest(ctx, body)
	})
	if err != nil {
		r.emitFailed(p, span, parent, err)
		return agentle.Response{}, err
	}

	return r.finalize(p, wire, span, parent, start)
}

// RespondStream sends one streaming request, forwarding text deltas into ch.
// Only the connection attempt is retried; a broken stream is not resumable.
// The channel is left open for the caller.
func (r *Responder) RespondStream(ctx context.Context, p agentle.ResponsePayload, ch chan<- agentle.StreamEvent) (agentle.Response, error) {
	if err := p.Validate(); err != nil {
		return agentle.Response{}, err
	}
	body := buildBody(p)
	body.Stream = true

	span, parent := callSpan(p.Session)
	start := time.Now()
	r.emitStarted(p, span, parent, start)

	httpResp, err := agentle.Retry(ctx, r.retry, r.logger, func() (*http.Response, error) {
		return r.openStream(ctx, body)
	})
	if err != nil {
		r.emitFailed(p, span, parent, err)
		return agentle.Response{}, err
	}
	defer httpResp.Body.Close()

	wire, err := streamSSE(ctx, httpResp.Body, ch)
	if err != nil {
		r.emitFailed(p, span, parent, err)
		return agentle.Response{}, err
	}

	return r.finalize(p, wire, span, parent, start)
}

// finalize parses the wire response, prices it, runs structured-output
// parsing, and emits the terminal telemetry event.
func (r *Responder) finalize(p agentle.ResponsePayload, wire responseBody, span agentle.Session, parent string, start time.Time) (agentle.Response, error) {
	resp := parseResponse(wire)
	resp.CostUSD = r.pricing.Cost(resp.Model, resp.Usage)

	if p.OutputSchema != nil {
		if err := attachParsed(&resp, p.OutputSchema); err != nil {
			r.emitFailed(p, span, parent, err)
			return agentle.Response{}, &agentle.ErrAgentExecution{Phase: agentle.PhaseParsing, Cause: err}
		}
	}

	r.logger.Debug("response completed",
		"responder", r.name,
		"response_id", resp.ID,
		"tokens.input", resp.Usage.InputTokens,
		"tokens.output", resp.Usage.OutputTokens)
	if r.events != nil {
		r.events.Emit(&telemetry.ResponseCompleted{
			SessionID:     p.Session.SessionID,
			TraceID:       span.TraceID,
			SpanID:        span.SpanID,
			ParentSpanID:  parent,
			TimestampNano: time.Now().UnixNano(),
			Model:         p.Model,
			ResponseID:    resp.ID,
			Usage: telemetry.Usage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				TotalTokens:  resp.Usage.TotalTokens,
				CachedTokens: resp.Usage.CachedTokens,
			},
			CostUSD:      resp.CostUSD,
			DurationNano: time.Since(start).Nanoseconds(),
		})
	}
	return resp, nil
}

func (r *Responder) emitStarted(p agentle.ResponsePayload, span agentle.Session, parent string, start time.Time) {
	if r.events == nil {
		return
	}
	r.events.Emit(&telemetry.ResponseStarted{
		SessionID:     p.Session.SessionID,
		TraceID:       span.TraceID,
		SpanID:        span.SpanID,
		ParentSpanID:  parent,
		TimestampNano: start.UnixNano(),
		Model:         p.Model,
	})
}

func (r *Responder) emitFailed(p agentle.ResponsePayload, span agentle.Session, parent string, err error) {
	if r.events == nil {
		return
	}
	r.events.Emit(&telemetry.ResponseFailed{
		SessionID:     p.Session.SessionID,
		TraceID:       span.TraceID,
		SpanID:        span.SpanID,
		ParentSpanID:  parent,
		TimestampNano: time.Now().UnixNano(),
		Model:         p.Model,
		ErrorCode:     agentle.ErrorCode(err),
		ErrorMessage:  err.Error(),
		HTTPStatus:    httpStatusOf(err),
		Retryable:     agentle.IsRetryable(err),
	})
}

// callSpan derives a fresh span for one responder call under the session's
// trace.
func callSpan(s agentle.Session) (agentle.Session, string) {
	if s.TraceID == "" {
		s = agentle.NewSession()
	}
	return s.Child()
}

// attachParsed validates the first assistant text against the requested
// schema and stores it as the message's structured value.
func attachParsed(resp *agentle.Response, out *agentle.OutputSchema) error {
	text := resp.OutputText()
	if text == "" {
		return fmt.Errorf("structured output requested but response has no assistant text")
	}
	compiled, err := jsonschema.CompileString(out.Name+".json", string(out.Schema))
	if err != nil {
		return fmt.Errorf("compile output schema: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("structured output is not valid JSON: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("structured output does not match schema %q: %w", out.Name, err)
	}
	for i := range resp.Output {
		if resp.Output[i].Role == agentle.RoleAssistant && resp.Output[i].Text() != "" {
			resp.Output[i].Parsed = []byte(text)
			break
		}
	}
	return nil
}

// Compile-time interface check.
var _ agentle.Responder = (*Responder)(nil)
