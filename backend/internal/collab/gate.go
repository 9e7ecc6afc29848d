// Package collab owns the server side of concurrent report editing:
// the version-controlled update gate and the update-event fan-out.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kokke33/TaskTrackr-sub001/backend/internal/session"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/store"
)

// Store is the slice of the report store the gate needs.
type Store interface {
	Get(ctx context.Context, id string) (*store.WeeklyReport, error)
	UpdateWithVersion(ctx context.Context, id string, f store.Fields, expectedVersion uint64) (*store.WeeklyReport, error)
}

// Notifier tells the peers currently editing a report that its version
// advanced. The ws hub implements it.
type Notifier interface {
	NotifyUpdated(docID string, writer session.Identity, newVersion uint64, at time.Time)
}

// Events receives the durable side of the same notification.
type Events interface {
	Enqueue(ctx context.Context, evt ReportUpdatedEvent) error
}

// Gate enforces optimistic concurrency on report writes. Transient
// storage errors are retried with capped exponential backoff; a
// version conflict is a business outcome and propagates to the caller
// untouched on the first occurrence.
type Gate struct {
	store    Store
	notifier Notifier
	events   Events

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func NewGate(s Store, notifier Notifier, events Events) *Gate {
	return &Gate{
		store:       s,
		notifier:    notifier,
		events:      events,
		maxRetry:    3,
		baseBackoff: 50 * time.Millisecond,
		maxBackoff:  time.Second,
	}
}

// Update applies a versioned write for writer. On success it schedules
// the change notification to other editors plus the Kafka event, and
// returns the updated report with its bumped version.
func (g *Gate) Update(ctx context.Context, docID string, f store.Fields, expectedVersion uint64, writer session.Identity) (*store.WeeklyReport, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetry; attempt++ {
		updated, err := g.store.UpdateWithVersion(ctx, docID, f, expectedVersion)
		if err == nil {
			g.afterWrite(ctx, updated, writer)
			return updated, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
		if attempt == g.maxRetry {
			break
		}
		backoff := g.baseBackoff * time.Duration(1<<attempt)
		if backoff > g.maxBackoff {
			backoff = g.maxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("update report %s after %d attempts: %w", docID, g.maxRetry+1, lastErr)
}

func (g *Gate) afterWrite(ctx context.Context, updated *store.WeeklyReport, writer session.Identity) {
	if g.notifier != nil {
		g.notifier.NotifyUpdated(updated.ID, writer, updated.Version, updated.UpdatedAt)
	}
	if g.events != nil {
		evt := ReportUpdatedEvent{
			DocID:      updated.ID,
			UpdatedBy:  writer.UserID,
			Username:   writer.Username,
			NewVersion: updated.Version,
			UpdatedAt:  updated.UpdatedAt,
		}
		if err := g.events.Enqueue(ctx, evt); err != nil {
			log.Printf("drop update event doc=%s version=%d: %v", updated.ID, updated.Version, err)
		}
	}
}

// IsConflict reports whether err is a genuine version conflict. Kept
// separate from the transient predicate so the two retry policies can
// never bleed into each other.
func IsConflict(err error) bool {
	var conflict *store.ConflictError
	return errors.As(err, &conflict)
}

// isTransient classifies an error as retryable: anything that is not a
// version conflict, a missing report, or the caller giving up.
func isTransient(err error) bool {
	if IsConflict(err) {
		return false
	}
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
