package openairesponses

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/paragon-intelligence/agentle"
)

// sendHTTP marshals body and POSTs it to {baseURL}/responses. The caller owns
// the returned response body.
func (r *Responder) sendHTTP(ctx context.Context, body requestBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &agentle.ErrConfiguration{Field: "payload", Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := r.baseURL + "/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &agentle.ErrConfiguration{Field: "base_url", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	if body.Metadata != nil {
		httpReq.Header.Set("X-Session-Id", body.Metadata["session_id"])
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &agentle.ErrConnection{Cause: err}
	}
	return resp, nil
}

// doRequest sends one non-streaming request and decodes the response.
// Non-2xx statuses map into the typed error taxonomy.
func (r *Responder) doRequest(ctx context.Context, body requestBody) (responseBody, error) {
	resp, err := r.sendHTTP(ctx, body)
	if err != nil {
		return responseBody{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseBody{}, httpErr(resp)
	}

	var wire responseBody
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return responseBody{}, &agentle.ErrConnection{Cause: fmt.Errorf("decode response: %w", err)}
	}
	return wire, nil
}

// openStream sends one streaming request and returns the open SSE body.
func (r *Responder) openStream(ctx context.Context, body requestBody) (*http.Response, error) {
	resp, err := r.sendHTTP(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpErr(resp)
	}
	return resp, nil
}

// httpErr drains the response body and classifies the status.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	return agentle.ClassifyHTTP(
		resp.StatusCode,
		string(body),
		agentle.ParseRetryAfter(resp.Header.Get("Retry-After")),
	)
}

// httpStatusOf extracts the HTTP status an error was classified from, for
// telemetry. Zero when the error never reached the HTTP layer.
func httpStatusOf(err error) int {
	var auth *agentle.ErrAuthentication
	if errors.As(err, &auth) {
		return auth.Status
	}
	var invalid *agentle.ErrInvalidRequest
	if errors.As(err, &invalid) {
		return invalid.Status
	}
	var server *agentle.ErrServer
	if errors.As(err, &server) {
		return server.Status
	}
	var rate *agentle.ErrRateLimit
	if errors.As(err, &rate) {
		return http.StatusTooManyRequests
	}
	return 0
}
