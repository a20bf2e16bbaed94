// Package embed defines the embedding-provider boundary the RAG-Ingest and
// Entity-Extract processors use to turn text into vectors, grounded in the
// teacher's embeddings.Provider interface (internal/memory/embeddings) but
// narrowed to the single-text/batch shape spec.md §6.6 needs. Concrete
// backends live under providers/ the same way internal/llm/providers does.
package embed

import "context"

// Provider generates vector embeddings for text. OPENAI_API_KEY is the
// universal fallback when no provider-specific key is configured (spec §6.6).
type Provider interface {
	Name() string
	Dimension() int
	MaxBatchSize() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
