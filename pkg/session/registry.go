package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/txn2/dm-dispatch/pkg/bot"
)

const (
	// idBytes is the number of random bytes in a session identifier.
	idBytes = 16

	// idAttempts bounds collision regeneration. With 128-bit random
	// identifiers a second attempt should never be needed.
	idAttempts = 5
)

// Clock supplies the registry's notion of now. Injected for tests.
type Clock func() time.Time

// Config configures a Registry. Zero fields get defaults.
type Config struct {
	Store   Store
	Timeout time.Duration
	Clock   Clock
}

// Registry is the concurrent session registry. A single coarse lock
// serializes the brief mapping operations; instance release and every
// other network call run outside it.
type Registry struct {
	mu      sync.Mutex
	store   Store
	timeout time.Duration
	now     Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a registry with an empty mapping.
func NewRegistry(cfg Config) *Registry {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{
		store:   cfg.Store,
		timeout: cfg.Timeout,
		now:     cfg.Clock,
	}
}

// Timeout returns the configured idle timeout.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Create inserts a new record bound to inst and returns its fresh
// identifier. The caller keeps no credentials; inst is already
// authenticated.
func (r *Registry) Create(ctx context.Context, owner string, inst bot.Instance) (string, error) {
	if owner == "" || inst == nil {
		return "", fmt.Errorf("create session: %w", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.freshID(ctx)
	if err != nil {
		return "", err
	}

	now := r.now()
	rec := &Record{
		ID:           id,
		Owner:        owner,
		CreatedAt:    now,
		LastActiveAt: now,
		Instance:     inst,
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("storing session: %w", err)
	}

	slog.Info("session: created", "owner", owner)
	return id, nil
}

// Resolve looks up id, refreshes its activity timestamp, and returns
// a snapshot of the record. Lookup and touch are atomic. Absent and
// expired identifiers both yield ErrNotFound; an expired record is
// removed here and its instance released after the lock drops. A
// record with a send in flight never expires here, matching the sweep
// exemption.
func (r *Registry) Resolve(ctx context.Context, id string) (*Record, error) {
	r.mu.Lock()

	rec, err := r.store.Get(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if rec == nil {
		r.mu.Unlock()
		return nil, ErrNotFound
	}

	// A durable store can resurface rows whose bot binding died with a
	// previous process. Treat them like any other dead session.
	if rec.Instance == nil {
		if err := r.store.Delete(ctx, id); err != nil {
			slog.Warn("session: removing orphaned record failed", "error", err)
		}
		r.mu.Unlock()
		return nil, ErrNotFound
	}

	now := r.now()
	if !rec.Busy && now.Sub(rec.LastActiveAt) > r.timeout {
		if err := r.store.Delete(ctx, id); err != nil {
			slog.Warn("session: removing expired record failed", "error", err)
		}
		inst := rec.Instance
		owner := rec.Owner
		r.mu.Unlock()
		r.release(ctx, owner, inst)
		return nil, ErrNotFound
	}

	// LastActiveAt never regresses, even under a misbehaving clock.
	if now.After(rec.LastActiveAt) {
		rec.LastActiveAt = now
	}
	if err := r.store.Put(ctx, rec); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("touching session: %w", err)
	}

	// The live record stays behind the lock; callers get a snapshot so
	// later touches cannot race their reads.
	snap := *rec
	r.mu.Unlock()
	return &snap, nil
}

// Delete removes the record for id, releasing its instance
// best-effort. It reports whether a record was removed; deleting an
// absent identifier is not an error.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()

	rec, err := r.store.Get(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("looking up session: %w", err)
	}
	if rec == nil {
		r.mu.Unlock()
		return false, nil
	}
	if err := r.store.Delete(ctx, id); err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("deleting session: %w", err)
	}

	inst := rec.Instance
	owner := rec.Owner
	r.mu.Unlock()

	r.release(ctx, owner, inst)
	slog.Info("session: deleted", "owner", owner)
	return true, nil
}

// SweepExpired removes every record idle longer than the timeout as of
// now, which is captured once so the whole scan shares one cutoff.
// Records with a send in flight are exempt. Returns the number
// removed.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()

	records, err := r.store.Scan(ctx)
	if err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("scanning sessions: %w", err)
	}

	var reap []*Record
	for _, rec := range records {
		// An orphaned row has no send in flight in this process; a
		// stale busy flag on it must not shield it.
		if rec.Instance == nil {
			reap = append(reap, rec)
			continue
		}
		if rec.Busy {
			continue
		}
		if now.Sub(rec.LastActiveAt) > r.timeout {
			reap = append(reap, rec)
		}
	}
	for _, rec := range reap {
		if err := r.store.Delete(ctx, rec.ID); err != nil {
			slog.Warn("session: sweep delete failed", "owner", rec.Owner, "error", err)
		}
	}

	r.mu.Unlock()

	for _, rec := range reap {
		if rec.Instance != nil {
			r.release(ctx, rec.Owner, rec.Instance)
		}
	}

	if len(reap) > 0 {
		slog.Info("session: sweep complete", "removed", len(reap))
	}
	return len(reap), nil
}

// ListAll returns the diagnostic view of every live record, oldest
// first. It never touches activity timestamps and exposes neither
// credentials nor instances.
func (r *Registry) ListAll(ctx context.Context) ([]Info, error) {
	r.mu.Lock()
	records, err := r.store.Scan(ctx)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}

	// Snapshot the fields while still holding the lock; a concurrent
	// Resolve touches LastActiveAt on these same records.
	infos := make([]Info, 0, len(records))
	for _, rec := range records {
		infos = append(infos, Info{
			ID:           rec.ID,
			Owner:        rec.Owner,
			CreatedAt:    rec.CreatedAt,
			LastActiveAt: rec.LastActiveAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

// BeginSend resolves id and marks the session busy in one atomic step.
// A session already busy yields ErrBusy; expiry handling matches
// Resolve. EndSend must be called when the send finishes.
func (r *Registry) BeginSend(ctx context.Context, id string) (*Record, error) {
	rec, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-read under the lock; Resolve released it.
	rec, err = r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if rec == nil || rec.Instance == nil {
		return nil, ErrNotFound
	}
	if rec.Busy {
		return nil, ErrBusy
	}
	rec.Busy = true
	if err := r.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("marking session busy: %w", err)
	}
	snap := *rec
	return &snap, nil
}

// EndSend clears the busy flag and counts send completion as activity,
// so a session cannot expire the instant a long batch finishes.
func (r *Registry) EndSend(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.Get(ctx, id)
	if err != nil || rec == nil {
		return
	}
	rec.Busy = false
	now := r.now()
	if now.After(rec.LastActiveAt) {
		rec.LastActiveAt = now
	}
	if err := r.store.Put(ctx, rec); err != nil {
		slog.Warn("session: clearing busy flag failed", "owner", rec.Owner, "error", err)
	}
}

// StartSweepRoutine starts a background goroutine that sweeps expired
// sessions every interval. It is stopped by Close.
func (r *Registry) StartSweepRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.SweepExpired(ctx, r.now()); err != nil {
					slog.Warn("session: sweep failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the sweep routine, releases every live instance, and
// closes the store. Safe to call when StartSweepRoutine never ran.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}

	ctx := context.Background()

	r.mu.Lock()
	records, err := r.store.Scan(ctx)
	if err == nil {
		for _, rec := range records {
			_ = r.store.Delete(ctx, rec.ID)
		}
	}
	r.mu.Unlock()

	for _, rec := range records {
		if rec.Instance != nil {
			r.release(ctx, rec.Owner, rec.Instance)
		}
	}

	return r.store.Close()
}

// release logs the account out of the remote platform. Failure is
// logged and never propagated; the record is already gone from the
// mapping by the time this runs.
func (*Registry) release(ctx context.Context, owner string, inst bot.Instance) {
	if err := inst.Release(ctx); err != nil {
		slog.Warn("session: instance release failed", "owner", owner, "error", err)
	}
}

// freshID generates an unpredictable 128-bit identifier, regenerating
// on the vanishingly unlikely collision with a live record. Caller
// holds the registry lock.
func (r *Registry) freshID(ctx context.Context) (string, error) {
	for range idAttempts {
		b := make([]byte, idBytes)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generating session id: %w", err)
		}
		id := hex.EncodeToString(b)

		existing, err := r.store.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("checking session id: %w", err)
		}
		if existing == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("generating session id: exhausted %d attempts", idAttempts)
}
