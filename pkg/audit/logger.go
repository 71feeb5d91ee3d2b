package audit

import (
	"context"
	"time"
)

// Logger is the interface for the security event sink
type Logger interface {
	// Log records a security event
	Log(ctx context.Context, event *Event) error

	// Close closes the logger and flushes any buffered events
	Close() error
}

// NewEvent constructs an event with the timestamp set
func NewEvent(eventType EventType, status EventStatus, tenantID string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		TenantID:  tenantID,
	}
}

// NopLogger discards all events; used in tests and as a safe default
type NopLogger struct{}

// Log implements Logger
func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }

// Close implements Logger
func (NopLogger) Close() error { return nil }

// MultiLogger fans events out to several sinks; the first error wins but
// every sink still sees the event.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger creates a logger that writes to all given sinks
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

// Log implements Logger
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close implements Logger
func (m *MultiLogger) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
