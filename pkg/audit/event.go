package audit

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// NewEvent creates a new audit event for the given action.
func NewEvent(action Action) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now(),
		Action:    action,
	}
}

// WithSession attaches session identity to the event.
func (e *Event) WithSession(sessionID, owner string) *Event {
	e.SessionID = sessionID
	e.Owner = owner
	return e
}

// WithRequestID attaches the request ID to the event.
func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

// WithParameters attaches sanitized parameters to the event.
func (e *Event) WithParameters(params map[string]any) *Event {
	e.Parameters = SanitizeParameters(params)
	return e
}

// WithResult records the outcome of the audited operation.
func (e *Event) WithResult(success bool, errorMsg string, durationMS int64) *Event {
	e.Success = success
	e.ErrorMessage = errorMsg
	e.DurationMS = durationMS
	return e
}

// generateEventID generates a unique event ID.
func generateEventID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// SanitizeParameters strips credential material before an event is
// logged or persisted.
func SanitizeParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}

	sensitiveKeys := map[string]bool{
		"password":      true,
		"secret":        true,
		"token":         true,
		"api_key":       true,
		"authorization": true,
		"credentials":   true,
	}

	sanitized := make(map[string]any)
	for k, v := range params {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}
	return sanitized
}
