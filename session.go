package agentle

// Session identifies one logical conversation across turns. SessionID is
// stable for the lifetime of the conversation; ConversationID is assigned by
// the vendor when response retention is enabled and may be empty. TraceID and
// SpanID tie the session to its telemetry trace.
type Session struct {
	SessionID      string
	ConversationID string
	TraceID        string
	SpanID         string
}

// NewSession creates a Session with fresh identifiers.
func NewSession() Session {
	return Session{
		SessionID: NewID(),
		TraceID:   NewTraceID(),
		SpanID:    NewSpanID(),
	}
}

// Child returns a copy of the session with a new SpanID and the current
// SpanID demoted to parent. Used when an agent hands off or spawns nested
// work that should appear under the same trace.
func (s Session) Child() (child Session, parentSpanID string) {
	parentSpanID = s.SpanID
	s.SpanID = NewSpanID()
	return s, parentSpanID
}
