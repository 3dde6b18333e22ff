// Package session provides the session registry for dm-dispatch.
// It maps opaque identifiers to authenticated bot instances, isolates
// concurrent users from one another, and reclaims idle sessions by
// lazy expiry at lookup time backed by a periodic sweep.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/txn2/dm-dispatch/pkg/bot"
)

// DefaultTimeout is the idle period after which a session expires.
const DefaultTimeout = 3600 * time.Second

var (
	// ErrNotFound is returned when an identifier is absent or expired.
	// Callers must not distinguish the two causes.
	ErrNotFound = errors.New("session not found")

	// ErrValidation is returned by Create for a missing owner or instance.
	ErrValidation = errors.New("invalid session parameters")

	// ErrBusy is returned by BeginSend when the session already has a
	// send in flight.
	ErrBusy = errors.New("session busy")
)

// Record binds one identifier to one authenticated bot instance.
// Owner and Instance are immutable after creation; LastActiveAt is
// refreshed on every successful resolution. Busy marks an in-flight
// send and exempts the record from the expiry sweep. All mutation is
// guarded by the registry's lock.
type Record struct {
	ID           string
	Owner        string
	CreatedAt    time.Time
	LastActiveAt time.Time
	Busy         bool

	// Instance is the process-local bot binding. Durable stores do not
	// persist it; a record resurfacing without one is treated as gone.
	Instance bot.Instance
}

// Info is the credential-free listing view of a record.
type Info struct {
	ID           string    `json:"session_id"`
	Owner        string    `json:"username"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_activity"`
}

// Store is the minimal mapping the registry runs on. Implementations
// only move records in and out; every expiry, touch, and sweep decision
// belongs to the registry so memory and durable stores share one
// algorithmic contract.
type Store interface {
	// Put inserts or replaces a record.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record for id, or nil, nil when absent.
	Get(ctx context.Context, id string) (*Record, error)

	// Delete removes the record for id if present.
	Delete(ctx context.Context, id string) error

	// Scan returns every stored record.
	Scan(ctx context.Context) ([]*Record, error)

	// Close releases store resources.
	Close() error
}
