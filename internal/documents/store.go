// Package documents persists the Document/DocumentChunk legacy-table mirror
// the RAG Ingest Processor maintains alongside its graph dual-write (spec
// §3.1, §4.8 steps 3-8).
package documents

import (
	"context"

	"github.com/conclave-run/conclave/pkg/models"
)

// Store manages Document rows and their DocumentChunk mirror rows.
type Store interface {
	// Create inserts a document, assigning an ID if unset.
	Create(ctx context.Context, doc *models.Document) error

	// Get returns a document by ID, or errs.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Document, error)

	// FindByHash looks up a document by (namespace, contentHash), the
	// dedup key for spec §4.8 step 3. Returns errs.ErrNotFound if none.
	FindByHash(ctx context.Context, namespace, contentHash string) (*models.Document, error)

	// UpdateStatus transitions a document's status, optionally recording an
	// error message and final chunk count (spec §4.8 steps 8-9).
	UpdateStatus(ctx context.Context, id string, status models.DocumentStatus, errMsg string, chunkCount int) error

	// Delete removes a document and its chunk rows (spec §4.8 step 3's
	// "if the document exists in a non-indexed state, delete it").
	Delete(ctx context.Context, id string) error

	// CreateChunks bulk-inserts the legacy chunk-table mirror rows for a
	// document (spec §4.8 step 7a).
	CreateChunks(ctx context.Context, chunks []*models.DocumentChunk) error
}
