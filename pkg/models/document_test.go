package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDocumentRoundTripsThroughJSON(t *testing.T) {
	doc := Document{
		ID:          "doc_1",
		Namespace:   "default",
		Title:       "Go Concurrency Patterns",
		Source:      "https://example.com/go-concurrency",
		ContentType: "text/html",
		ContentHash: "abc123",
		Status:      DocumentStatusIndexed,
		ChunkCount:  3,
		Metadata:    map[string]any{"author": "rsc"},
		CreatedAt:   time.Unix(0, 0).UTC(),
		UpdatedAt:   time.Unix(0, 0).UTC(),
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Document
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != doc.ID || decoded.ContentHash != doc.ContentHash || decoded.Status != doc.Status {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
}

func TestDocumentChunkEmbeddingNeverSerialized(t *testing.T) {
	chunk := DocumentChunk{
		ID:         "chunk_1",
		DocumentID: "doc_1",
		ChunkIndex: 0,
		Content:    "package main",
		Embedding:  []float32{0.1, 0.2, 0.3},
	}

	encoded, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := raw["embedding"]; ok {
		t.Errorf("expected embedding to be excluded from JSON, got %v", raw)
	}
	if _, ok := raw["Embedding"]; ok {
		t.Errorf("expected Embedding to be excluded from JSON, got %v", raw)
	}
}

func TestDefaultChunkingConfigMatchesFixedWindow(t *testing.T) {
	cfg := DefaultChunkingConfig()
	if cfg.Strategy != ChunkStrategyFixed {
		t.Errorf("expected fixed strategy by default, got %q", cfg.Strategy)
	}
	if cfg.ChunkSize != 500 || cfg.ChunkOverlap != 50 {
		t.Errorf("expected 500/50 chunk window, got %d/%d", cfg.ChunkSize, cfg.ChunkOverlap)
	}
}

func TestDefaultEmbeddingConfigMatchesBatchDefaults(t *testing.T) {
	cfg := DefaultEmbeddingConfig()
	if cfg.BatchSize != 100 {
		t.Errorf("expected batch size 100, got %d", cfg.BatchSize)
	}
	if cfg.MaxInputTokens != 7500 {
		t.Errorf("expected max input tokens 7500, got %d", cfg.MaxInputTokens)
	}
}
