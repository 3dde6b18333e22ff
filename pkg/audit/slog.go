package audit

import (
	"context"
	"errors"
	"log/slog"
)

// ErrQueryUnsupported is returned by loggers that only emit events.
var ErrQueryUnsupported = errors.New("audit query not supported")

// SlogLogger emits audit events through log/slog. It keeps no history;
// Query is unsupported. Used when no database is configured.
type SlogLogger struct{}

// NewSlogLogger creates a structured-log audit logger.
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

// Log records an audit event as one structured log line.
func (*SlogLogger) Log(_ context.Context, event Event) error {
	slog.Info("audit",
		"event_id", event.ID,
		"action", string(event.Action),
		"owner", event.Owner,
		"session_id", event.SessionID,
		"request_id", event.RequestID,
		"success", event.Success,
		"duration_ms", event.DurationMS,
		"error", event.ErrorMessage,
	)
	return nil
}

// Query is unsupported for the slog logger.
func (*SlogLogger) Query(_ context.Context, _ QueryFilter) ([]Event, error) {
	return nil, ErrQueryUnsupported
}

// Close releases resources. Nothing to do.
func (*SlogLogger) Close() error { return nil }

// Verify interface compliance.
var _ Logger = (*SlogLogger)(nil)
