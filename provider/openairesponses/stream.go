package openairesponses

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/paragon-intelligence/agentle"
)

// streamSSE reads Responses API server-sent events from body, forwards text
// deltas into ch, and returns the final response object carried by the
// response.completed frame. The channel is NOT closed here; the turn loop
// owns its lifecycle.
//
// Frame format:
//
//	event: response.output_text.delta
//	data: {"delta":"..."}
//
//	event: response.completed
//	data: {"id":...,"status":"completed",...}
//
//	event: [DONE] (or data: [DONE])
//
// A transport failure mid-stream yields ErrStreaming carrying the partial
// text and the byte count read so far.
func streamSSE(ctx context.Context, body io.Reader, ch chan<- agentle.StreamEvent) (responseBody, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var partial strings.Builder
	var bytesRead int64
	var final responseBody
	var sawCompleted bool

	event := ""
	var data strings.Builder

	dispatch := func() error {
		defer func() { event = ""; data.Reset() }()
		switch event {
		case "response.output_text.delta":
			var frame deltaFrame
			if err := json.Unmarshal([]byte(data.String()), &frame); err != nil {
				return nil // malformed delta frames are skipped
			}
			partial.WriteString(frame.Delta)
			if ch != nil {
				select {
				case ch <- agentle.StreamEvent{Type: agentle.EventTextDelta, Content: frame.Delta}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case "response.completed":
			if err := json.Unmarshal([]byte(data.String()), &final); err != nil {
				return &agentle.ErrStreaming{
					PartialOutput: partial.String(),
					BytesReceived: bytesRead,
					Cause:         err,
				}
			}
			sawCompleted = true
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		bytesRead += int64(len(line)) + 1

		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return responseBody{}, err
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
			if event == "[DONE]" {
				return doneResult(final, sawCompleted, partial.String(), bytesRead)
			}
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return doneResult(final, sawCompleted, partial.String(), bytesRead)
			}
			data.WriteString(payload)
		}
	}

	if err := scanner.Err(); err != nil {
		return responseBody{}, &agentle.ErrStreaming{
			PartialOutput: partial.String(),
			BytesReceived: bytesRead,
			Cause:         err,
		}
	}

	// Dispatch a trailing frame that was not followed by a blank line.
	if data.Len() > 0 {
		if err := dispatch(); err != nil {
			return responseBody{}, err
		}
	}
	return doneResult(final, sawCompleted, partial.String(), bytesRead)
}

// doneResult enforces that a completed frame arrived before the stream ended.
func doneResult(final responseBody, sawCompleted bool, partial string, bytesRead int64) (responseBody, error) {
	if !sawCompleted {
		return responseBody{}, &agentle.ErrStreaming{
			PartialOutput: partial,
			BytesReceived: bytesRead,
			Cause:         io.ErrUnexpectedEOF,
		}
	}
	return final, nil
}
