// Package messages persists Message rows: the durable chat-transcript table
// the data model keeps distinct from the knowledge graph's per-message node
// (spec §3.1, §4.5 step 1 — "materialize the incoming message into the
// Message table and dual-write a type=message node in the thread namespace").
// The processors package owns the dual write; this package only owns the
// table side of it.
package messages

import (
	"context"

	"github.com/conclave-run/conclave/pkg/models"
)

// Store manages Message rows.
type Store interface {
	// Append persists msg, assigning an ID and CreatedAt if unset.
	Append(ctx context.Context, msg *models.Message) error

	// Get returns a message by ID, or errs.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Message, error)

	// ListByThread returns a thread's messages oldest-first, capped at
	// limit (0 means no cap), for assembling the History View (spec §4.5
	// step 7, internal/history).
	ListByThread(ctx context.Context, threadID string, limit int) ([]*models.Message, error)
}
