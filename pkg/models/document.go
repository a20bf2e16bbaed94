package models

import "time"

// DocumentStatus is the lifecycle state of an ingested document (spec §4.8).
type DocumentStatus string

const (
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusIndexed    DocumentStatus = "indexed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Document is the legacy-table mirror of a RAG-ingested source; each of its
// chunks also exists as a `chunk` node (spec §3.1).
type Document struct {
	ID          string         `json:"id"`
	Namespace   string         `json:"namespace"`
	Title       string         `json:"title,omitempty"`
	Source      string         `json:"source"`
	ContentType string         `json:"content_type,omitempty"`
	ContentHash string         `json:"content_hash"`
	Status      DocumentStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	ChunkCount  int            `json:"chunk_count,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DocumentChunk is the legacy-table mirror of a chunk node.
type DocumentChunk struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	ChunkIndex    int       `json:"chunk_index"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"-"`
	TokenCount    int       `json:"token_count,omitempty"`
	StartPosition int       `json:"start_position"`
	EndPosition   int       `json:"end_position"`
	CreatedAt     time.Time `json:"created_at"`
}

// ChunkStrategy selects how RAG ingest splits normalized content (spec §4.8
// step 5).
type ChunkStrategy string

const (
	ChunkStrategyFixed     ChunkStrategy = "fixed"
	ChunkStrategyParagraph ChunkStrategy = "paragraph"
	ChunkStrategySentence  ChunkStrategy = "sentence"
)

// ChunkingConfig tunes the chunker (spec §4.8 step 5).
type ChunkingConfig struct {
	Strategy      ChunkStrategy `json:"strategy"`
	ChunkSize     int           `json:"chunk_size"`
	ChunkOverlap  int           `json:"chunk_overlap"`
}

// DefaultChunkingConfig mirrors the spec's "fixed" default with a
// conservative 500/50 token window.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Strategy:     ChunkStrategyFixed,
		ChunkSize:    500,
		ChunkOverlap: 50,
	}
}

// EmbeddingConfig tunes the embed step of RAG ingest (spec §4.8 step 6).
type EmbeddingConfig struct {
	BatchSize      int `json:"batch_size"`
	MaxInputTokens int `json:"max_input_tokens"`
}

// DefaultEmbeddingConfig mirrors spec §4.8 step 6's stated defaults.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		BatchSize:      100,
		MaxInputTokens: 7500,
	}
}
