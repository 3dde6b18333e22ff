// Package postgres provides durable PostgreSQL storage for session
// records. Rows carry the record metadata only; bot bindings are
// process-local, so a row surviving a restart comes back without an
// instance and the registry retires it on first touch.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/txn2/dm-dispatch/pkg/bot"
	"github.com/txn2/dm-dispatch/pkg/session"
)

// Store implements session.Store using PostgreSQL.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	instances map[string]bot.Instance
}

// New creates a PostgreSQL session store.
func New(db *sql.DB) *Store {
	return &Store{
		db:        db,
		instances: make(map[string]bot.Instance),
	}
}

// Put inserts or replaces a record. The bot binding stays in memory.
func (s *Store) Put(ctx context.Context, rec *session.Record) error {
	query := `
		INSERT INTO sessions (id, owner, created_at, last_active_at, busy)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET last_active_at = EXCLUDED.last_active_at, busy = EXCLUDED.busy
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Owner, rec.CreatedAt, rec.LastActiveAt, rec.Busy,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	s.mu.Lock()
	if rec.Instance != nil {
		s.instances[rec.ID] = rec.Instance
	}
	s.mu.Unlock()
	return nil
}

// Get returns the record for id with its process-local binding
// reattached, or nil, nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*session.Record, error) {
	query := `
		SELECT id, owner, created_at, last_active_at, busy
		FROM sessions
		WHERE id = $1
	`
	var rec session.Record
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Owner, &rec.CreatedAt, &rec.LastActiveAt, &rec.Busy,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	s.mu.Lock()
	rec.Instance = s.instances[rec.ID]
	s.mu.Unlock()
	return &rec, nil
}

// Delete removes the record for id and drops its binding.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM sessions WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
	return nil
}

// Scan returns every stored record with bindings reattached.
func (s *Store) Scan(ctx context.Context) ([]*session.Record, error) {
	query := `
		SELECT id, owner, created_at, last_active_at, busy
		FROM sessions
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*session.Record
	for rows.Next() {
		var rec session.Record
		if err := rows.Scan(&rec.ID, &rec.Owner, &rec.CreatedAt, &rec.LastActiveAt, &rec.Busy); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	s.mu.Lock()
	for _, rec := range records {
		rec.Instance = s.instances[rec.ID]
	}
	s.mu.Unlock()
	return records, nil
}

// Close drops all process-local bindings. The *sql.DB belongs to the
// caller and is not closed here.
func (s *Store) Close() error {
	s.mu.Lock()
	s.instances = make(map[string]bot.Instance)
	s.mu.Unlock()
	return nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
