package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conclave.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
database:
  url: "postgres://localhost/conclave"
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: test-key
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.WorkerPoolSize)
	assert.Equal(t, []string{"TOKEN", "TOOL_CALL", "LLM_CALL", "NEW_MESSAGE", "ENTITY_EXTRACT", "RAG_INGEST"}, cfg.Queue.PriorityClasses)
	assert.Equal(t, 5, cfg.Thread.DefaultMaxAgentTurns)
	assert.Equal(t, "fixed", cfg.RAG.Chunking.Strategy)
	assert.Equal(t, 500, cfg.RAG.Chunking.ChunkSize)
	assert.Equal(t, 50, cfg.RAG.Chunking.ChunkOverlap)
	assert.Equal(t, 100, cfg.RAG.Embeddings.BatchSize)
	assert.Equal(t, 7500, cfg.RAG.Embeddings.MaxInputTokens)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfigFile(t, `
bogus_top_level_key: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadValidatesMissingDefaultProvider(t *testing.T) {
	path := writeConfigFile(t, `
llm:
  default_provider: openai
`)
	_, err := Load(path)
	require.Error(t, err)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "llm.providers missing entry")
}

func TestLoadValidatesChunkOverlap(t *testing.T) {
	path := writeConfigFile(t, `
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: test-key
rag:
  chunking:
    chunk_size: 100
    chunk_overlap: 200
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_overlap must be smaller")
}

func TestLoadEnvOverridesWorkerID(t *testing.T) {
	path := writeConfigFile(t, `
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: test-key
`)
	t.Setenv("CONCLAVE_WORKER_ID", "worker-7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "worker-7", cfg.Queue.WorkerID)
}
