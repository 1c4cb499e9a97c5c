package authcore

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Audit event types emitted by the engine.
const (
	auditEventLogin             = "login"
	auditEventLoginFailure      = "login_failure"
	auditEventBindingMismatch   = "binding_mismatch"
	auditEventLogout            = "logout"
	auditEventLogoutAll         = "logout_all"
	auditEventPasswordChange    = "password_change"
	auditEventPasswordReset     = "password_reset"
	auditEventEmailVerification = "email_verification"
	auditEventRateLimited       = "rate_limited"
	auditEventBlocked           = "blocked"
	auditEventAnomaly           = "anomaly"
)

// AuditEvent is one security-relevant occurrence. Events carry identifiers,
// never credentials or tokens.
type AuditEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   string            `json:"event_type"`
	PrincipalID string            `json:"principal_id,omitempty"`
	TenantID    string            `json:"tenant_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Address     string            `json:"address,omitempty"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events. Implementations must tolerate concurrent
// Emit calls and should never block for long; slow sinks cause drops, not
// backpressure on the engine.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards all events.
type NoOpSink struct{}

// Emit implements [AuditSink].
func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a buffered channel for consumption by the
// caller's own pipeline.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink allocates a sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

// Emit implements [AuditSink].
func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events exposes the receiving side of the sink.
func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to an [io.Writer].
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink wraps w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

// Emit implements [AuditSink].
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
