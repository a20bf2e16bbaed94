// Package threadstate persists Thread records: participant sets, the
// routing/loop-guard metadata the message processor reads and writes, and
// the lease that serializes processing per thread (spec §3.1, §4.3).
package threadstate

import (
	"context"

	"github.com/conclave-run/conclave/pkg/models"
)

// Store manages Thread rows.
type Store interface {
	// LoadOrCreateByExternalID returns the thread for externalID, creating
	// one with the given initial participant if none exists yet.
	LoadOrCreateByExternalID(ctx context.Context, externalID, initialParticipant string) (*models.Thread, error)

	// Get returns a thread by internal ID, or errs.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Thread, error)

	// UpdateMetadata merges the given keys into the thread's metadata.
	UpdateMetadata(ctx context.Context, id string, patch map[string]any) error

	// AppendParticipant adds participantID to the thread if not already
	// present. Idempotent.
	AppendParticipant(ctx context.Context, id, participantID string) error

	// SetParticipantTarget records who participantID's next turn routes to,
	// via the participantTargets metadata map (spec §3.2, §4.5).
	SetParticipantTarget(ctx context.Context, id, participantID, targetID string) error
}
