package agentle

import "context"

// Responder is the model backend the turn loop drives. Implementations own
// their HTTP transport and retry policy; once retries are exhausted the
// classified error surfaces to the caller unchanged.
//
// RespondStream emits text deltas (and tool-call events) into ch in wire
// order, then returns the fully assembled Response. The channel is always
// closed before returning. All deltas are delivered before a successful
// return; none after an error return.
type Responder interface {
	Name() string
	Respond(ctx context.Context, payload ResponsePayload) (Response, error)
	RespondStream(ctx context.Context, payload ResponsePayload, ch chan<- StreamEvent) (Response, error)
}
