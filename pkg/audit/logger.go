// Package audit provides audit logging for dm-dispatch. Every login,
// batch send, logout, and admin action produces one event; loggers
// range from structured stderr output to a queryable PostgreSQL store.
package audit

import (
	"context"
	"time"
)

// Action categorizes audit events.
type Action string

const (
	// ActionLogin is a session-creating authentication attempt.
	ActionLogin Action = "login"

	// ActionSend is a batch message dispatch.
	ActionSend Action = "send_messages"

	// ActionLogout is an explicit session deletion.
	ActionLogout Action = "logout"

	// ActionSweep is an expiry sweep, manual or scheduled.
	ActionSweep Action = "sweep"

	// ActionAdminList is an admin session listing.
	ActionAdminList Action = "admin_list"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable event.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	DurationMS   int64          `json:"duration_ms"`
	RequestID    string         `json:"request_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Owner        string         `json:"owner,omitempty"`
	Action       Action         `json:"action"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Owner     string
	Action    Action
	Success   *bool
	Limit     int
	Offset    int
}
