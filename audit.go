package hoaauth

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Audit event types emitted by the engine. Security-relevant kinds are also
// forwarded to the configured [Notifier].
const (
	EventLoginSuccess         = "login_success"
	EventLoginFailure         = "login_failure"
	EventAccountLocked        = "account_locked"
	EventRefreshRotated       = "refresh_rotated"
	EventTokenReuseDetected   = "refresh_reuse_detected"
	EventChainRevoked         = "refresh_chain_revoked"
	EventEpochBumped          = "epoch_bumped"
	EventLogout               = "logout"
	EventMfaChallengeIssued   = "mfa_challenge_issued"
	EventMfaVerified          = "mfa_verified"
	EventMfaExhausted         = "mfa_attempts_exhausted"
	EventExternalLogin        = "external_login"
	EventExternalLinkCreated  = "external_link_created"
	EventExternalLinkConflict = "external_link_conflict"
)

// AuditEvent is one structured security audit record.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	ChainID   string            `json:"chain_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives emitted audit events.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
