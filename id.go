package agentle

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTraceID returns a 128-bit trace identifier as 32 lowercase hex chars,
// following the OTEL convention.
func NewTraceID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// NewSpanID returns a 64-bit span identifier as 16 lowercase hex chars.
func NewSpanID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// NowUnixNano returns the current time as UNIX nanoseconds, the timestamp
// unit used on telemetry events and OTLP spans.
func NowUnixNano() int64 {
	return time.Now().UnixNano()
}
