package agentle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// VerifyWebhookSignature checks an HMAC-SHA256 signature over the raw
// payload. The signature accepts an optional "sha256=" prefix (the
// X-Hub-Signature-256 convention) and is matched case-insensitively.
// Comparison is constant-time.
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected))
}

// FloodDetector tracks per-user message timestamps over a sliding window and
// reports when a user exceeds the allowed rate. Safe for concurrent use.
type FloodDetector struct {
	window time.Duration
	max    int

	mu    sync.Mutex
	seen  map[string][]time.Time
	clock func() time.Time
}

// NewFloodDetector creates a detector allowing max messages per window.
func NewFloodDetector(window time.Duration, max int) *FloodDetector {
	return &FloodDetector{
		window: window,
		max:    max,
		seen:   make(map[string][]time.Time),
		clock:  time.Now,
	}
}

// Record registers one message from userID and reports whether the user is
// now flooding. Timestamps older than the window are pruned first; when a
// user's window empties, their entry is removed entirely.
func (d *FloodDetector) Record(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	d.seen[userID] = append(d.prune(userID, now), now)
	return len(d.seen[userID]) >= d.max
}

// IsFlooding reports whether userID is currently over the limit without
// recording a message.
func (d *FloodDetector) IsFlooding(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	ts := d.prune(userID, now)
	if len(ts) == 0 {
		delete(d.seen, userID)
		return false
	}
	d.seen[userID] = ts
	return len(ts) >= d.max
}

// Count returns the number of in-window messages recorded for userID.
func (d *FloodDetector) Count(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := d.prune(userID, d.clock())
	if len(ts) == 0 {
		delete(d.seen, userID)
		return 0
	}
	d.seen[userID] = ts
	return len(ts)
}

// prune drops timestamps outside the window. Caller holds the lock.
func (d *FloodDetector) prune(userID string, now time.Time) []time.Time {
	cutoff := now.Add(-d.window)
	ts := d.seen[userID]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// MessageValidator enforces inbound message limits: a maximum length and a
// set of blocked regex patterns. Pattern matching runs on NFKC-normalized
// text so invisible-character obfuscation does not evade it.
type MessageValidator struct {
	maxLength int
	blocked   []*regexp.Regexp
}

// NewMessageValidator creates a validator. maxLength <= 0 disables the
// length check.
func NewMessageValidator(maxLength int, blockedPatterns ...string) (*MessageValidator, error) {
	v := &MessageValidator{maxLength: maxLength}
	for _, p := range blockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &ErrConfiguration{Field: "blocked_patterns", Message: fmt.Sprintf("invalid pattern %q: %v", p, err)}
		}
		v.blocked = append(v.blocked, re)
	}
	return v, nil
}

// Validate returns nil for acceptable text, or a ConfigurationError naming
// the violated limit.
func (v *MessageValidator) Validate(text string) error {
	if v.maxLength > 0 && len(text) > v.maxLength {
		return &ErrConfiguration{Field: "message", Message: fmt.Sprintf("length %d exceeds limit %d", len(text), v.maxLength)}
	}
	normalized := normalizeForMatching(text)
	for _, re := range v.blocked {
		if re.MatchString(normalized) {
			return &ErrConfiguration{Field: "message", Message: "matches blocked pattern " + re.String()}
		}
	}
	return nil
}
