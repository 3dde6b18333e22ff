// Package dispatch coordinates batch message sends. It enforces
// at-most-one in-flight send per session, keeps the registry lock out
// of the slow send path, and records outcomes to the results store and
// the audit log.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/dm-dispatch/pkg/audit"
	"github.com/txn2/dm-dispatch/pkg/bot"
	"github.com/txn2/dm-dispatch/pkg/results"
	"github.com/txn2/dm-dispatch/pkg/session"
)

var (
	// ErrNoTargets is returned for an empty target list.
	ErrNoTargets = errors.New("no targets provided")

	// ErrEmptyMessage is returned for a blank message body.
	ErrEmptyMessage = errors.New("message cannot be empty")
)

// Request describes one batch send.
type Request struct {
	SessionID string
	Targets   []string
	Text      string

	// Delay overrides the dispatcher's default inter-message policy
	// when non-nil.
	Delay *bot.DelayPolicy
}

// Dispatcher runs batch sends against resolved sessions.
type Dispatcher struct {
	registry *session.Registry
	store    *results.FileStore
	auditor  audit.Logger
	delay    bot.DelayPolicy
}

// New creates a dispatcher. auditor may be nil to disable auditing.
func New(registry *session.Registry, store *results.FileStore, auditor audit.Logger, delay bot.DelayPolicy) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    store,
		auditor:  auditor,
		delay:    delay,
	}
}

// Send resolves the session, marks it busy for the duration, and
// delivers the batch. A session with a send already in flight yields
// session.ErrBusy; an unknown or expired identifier yields
// session.ErrNotFound. The send itself runs with no registry lock held
// and may take minutes; the busy flag exempts the session from the
// expiry sweep meanwhile.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*results.Batch, error) {
	if len(req.Targets) == 0 {
		return nil, ErrNoTargets
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyMessage
	}

	rec, err := d.registry.BeginSend(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	// The busy flag must clear even when the request context is
	// canceled mid-send; a durable store needs a live context for the
	// clearing write.
	defer d.registry.EndSend(context.WithoutCancel(ctx), req.SessionID)

	delay := d.delay
	if req.Delay != nil {
		delay = *req.Delay
	}

	jobID := uuid.NewString()
	start := time.Now()
	slog.Info("dispatch: starting batch",
		"job_id", jobID, "owner", rec.Owner, "targets", len(req.Targets))

	outcomes := rec.Instance.SendMessages(ctx, req.Targets, req.Text, delay)

	successful := 0
	for _, r := range outcomes {
		if r.Delivered {
			successful++
		}
	}

	batch := results.Batch{
		JobID:      jobID,
		Timestamp:  time.Now(),
		Message:    req.Text,
		TotalUsers: len(req.Targets),
		Successful: successful,
		Failed:     len(req.Targets) - successful,
		Results:    outcomes,
	}

	if d.store != nil {
		if err := d.store.Save(rec.Owner, batch); err != nil {
			slog.Warn("dispatch: saving results failed", "job_id", jobID, "error", err)
		}
	}

	d.auditSend(ctx, rec, jobID, &batch, time.Since(start))

	slog.Info("dispatch: batch complete",
		"job_id", jobID, "owner", rec.Owner,
		"successful", successful, "failed", batch.Failed)
	return &batch, nil
}

func (d *Dispatcher) auditSend(ctx context.Context, rec *session.Record, jobID string, batch *results.Batch, took time.Duration) {
	if d.auditor == nil {
		return
	}
	event := audit.NewEvent(audit.ActionSend).
		WithSession(rec.ID, rec.Owner).
		WithParameters(map[string]any{
			"job_id":     jobID,
			"total":      batch.TotalUsers,
			"successful": batch.Successful,
			"failed":     batch.Failed,
		}).
		WithResult(batch.Failed == 0, summarizeFailures(batch), took.Milliseconds())
	if err := d.auditor.Log(ctx, *event); err != nil {
		slog.Warn("dispatch: audit log failed", "job_id", jobID, "error", err)
	}
}

// summarizeFailures produces a short error string for the audit trail.
func summarizeFailures(batch *results.Batch) string {
	if batch.Failed == 0 {
		return ""
	}
	return fmt.Sprintf("%d of %d targets failed", batch.Failed, batch.TotalUsers)
}
