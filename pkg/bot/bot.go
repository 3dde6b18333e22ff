// Package bot defines the contracts for the per-user automation bot.
// The registry and dispatcher treat an Instance as an opaque handle to
// the remote platform; the concrete client lives in the instagram
// subpackage.
package bot

import (
	"context"
	"errors"
)

// Login failure kinds. The registry surfaces these unchanged to the
// router; it never retries authentication.
var (
	// ErrInvalidCredentials indicates the platform rejected the
	// username/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrChallengeRequired indicates the account needs out-of-band
	// verification (2FA, captcha) before it can be used.
	ErrChallengeRequired = errors.New("challenge required")

	// ErrRateLimited indicates the platform is throttling login attempts.
	ErrRateLimited = errors.New("rate limited")
)

// Credentials is a username/password pair. It is held only for the
// duration of a Login call and never stored in a session record.
type Credentials struct {
	Username string
	Password string
}

// SendResult is the per-target outcome of a batch send.
type SendResult struct {
	Target    string `json:"username"`
	Delivered bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Authenticator establishes authenticated bot instances.
type Authenticator interface {
	// Login authenticates against the remote platform and returns an
	// Instance bound to the account. Failures are reported with one of
	// the kind errors above, checked via errors.Is.
	Login(ctx context.Context, creds Credentials) (Instance, error)
}

// Instance is an authenticated handle capable of sending direct
// messages on behalf of exactly one account. Instances are never
// shared across sessions.
type Instance interface {
	// Owner returns the authenticated username.
	Owner() string

	// SendMessages delivers text to each target in order, sleeping
	// between consecutive targets according to delay. It may run for
	// minutes; callers must not hold registry locks across it. The
	// returned slice has one entry per target, in target order.
	SendMessages(ctx context.Context, targets []string, text string, delay DelayPolicy) []SendResult

	// Release logs out from the remote platform. Best-effort: callers
	// log failures and continue.
	Release(ctx context.Context) error
}
