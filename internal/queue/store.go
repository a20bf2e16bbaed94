// Package queue implements the durable, typed, priority-ordered event queue
// that drives every processor in Conclave (spec §4.2): append, claim with a
// worker lease, complete, fail, extend, and reap.
package queue

import (
	"context"
	"time"

	"github.com/conclave-run/conclave/pkg/models"
)

// Store persists events and arbitrates worker claims over them.
type Store interface {
	// Append inserts a new event in "pending" status. If event.ID is empty
	// one is generated.
	Append(ctx context.Context, event *models.Event) error

	// Claim atomically finds the highest-priority ready event among
	// priorityClasses (checked in order; within a class, FIFO by creation
	// time) that the queue can lock on behalf of workerID, marks it
	// "processing", and returns it. Returns nil, nil when nothing is ready.
	//
	// "Ready" means status=pending, or status=processing with an expired
	// worker lease (spec §4.2 at-least-once delivery). Threads with another
	// event already processing are skipped so at most one event per thread
	// is in flight (spec §4.3 per-thread serialization).
	Claim(ctx context.Context, workerID string, priorityClasses []string, leaseDuration time.Duration) (*models.Event, error)

	// ExtendLease pushes out a claimed event's worker lease. Returns
	// errs.ErrLeaseNotOwned if workerID no longer holds it.
	ExtendLease(ctx context.Context, eventID, workerID string, leaseDuration time.Duration) error

	// Complete marks a claimed event "completed".
	Complete(ctx context.Context, eventID, workerID string) error

	// Fail marks a claimed event "failed" and records the error. When
	// retriable is true and the event still has TTL headroom, it's
	// returned to "pending" instead so a future Claim can retry it.
	Fail(ctx context.Context, eventID, workerID string, cause error, retriable bool) error

	// Get returns an event by ID, or errs.ErrNotFound.
	Get(ctx context.Context, eventID string) (*models.Event, error)

	// ListByThread returns events for a thread ordered by creation time,
	// for replay/debugging.
	ListByThread(ctx context.Context, threadID string, limit int) ([]*models.Event, error)

	// Reap expires events whose TTL has elapsed (status -> "expired") and
	// releases leases that have gone stale without an owning worker
	// renewing them, returning each to "pending". Returns counts for
	// observability.
	Reap(ctx context.Context) (expired int, reclaimed int, err error)
}
