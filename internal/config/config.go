// Package config loads and validates Conclave's runtime configuration: the
// event queue, graph store, thread locking, LLM providers, RAG defaults, and
// ambient logging/tracing settings.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a Conclave runtime instance.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Queue         QueueConfig         `yaml:"queue"`
	Thread        ThreadConfig        `yaml:"thread"`
	Routing       RoutingConfig       `yaml:"routing"`
	LLM           LLMConfig           `yaml:"llm"`
	RAG           RAGConfig           `yaml:"rag"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the runtime's outward-facing ports.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig configures the Postgres-wire-compatible backing store shared
// by the event queue, graph store, and thread/lease tables.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig tunes the event queue's worker pool and lease behavior.
type QueueConfig struct {
	// WorkerID uniquely identifies this runtime instance for lease ownership.
	// Defaults to a generated ULID if empty.
	WorkerID string `yaml:"worker_id"`

	// PollInterval is how often an idle worker polls for ready events.
	PollInterval time.Duration `yaml:"poll_interval"`

	// WorkerPoolSize is the number of concurrent event-processing goroutines.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// LeaseDuration is how long a claimed event's worker lease is held before
	// it's eligible to be reclaimed by another worker.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// ReapInterval is how often the queue sweeps for expired leases and
	// expired (TTL'd) events.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// PriorityClasses orders event types from highest to lowest poll
	// priority. Defaults to [TOKEN, TOOL_CALL, LLM_CALL, NEW_MESSAGE,
	// ENTITY_EXTRACT, RAG_INGEST].
	PriorityClasses []string `yaml:"priority_classes"`
}

// ThreadConfig tunes thread-level locking and routing defaults.
type ThreadConfig struct {
	// LeaseDuration is how long a thread-serialization lock is held per
	// in-flight event before it's considered abandoned.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// DefaultMaxAgentTurns caps agent-to-agent hand-offs within one user
	// turn before the loop guard trips (spec §4.5 loop prevention).
	DefaultMaxAgentTurns int `yaml:"default_max_agent_turns"`
}

// RoutingConfig tunes mention parsing and target resolution.
type RoutingConfig struct {
	// MentionPattern overrides the default @mention regex.
	MentionPattern string `yaml:"mention_pattern"`
}

// LLMConfig configures LLM providers available to LLM_CALL events.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain lists provider IDs tried, in order, after the event's
	// configured provider fails with a retriable error (spec §4.7 step 5;
	// the runtime only ever spends one fallback attempt per LLM_CALL).
	FallbackChain []string `yaml:"fallback_chain"`
}

// LLMProviderConfig is one named provider's connection details.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// RAGConfig configures the ingest pipeline's chunking and embedding defaults.
type RAGConfig struct {
	Chunking   RAGChunkingConfig   `yaml:"chunking"`
	Embeddings RAGEmbeddingsConfig `yaml:"embeddings"`
	Search     RAGSearchConfig     `yaml:"search"`
	Extraction RAGExtractionConfig `yaml:"extraction"`
}

// RAGChunkingConfig configures the chunker (spec §4.8 step 5).
type RAGChunkingConfig struct {
	Strategy     string `yaml:"strategy"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
}

// RAGEmbeddingsConfig configures the embed step (spec §4.8 step 6).
type RAGEmbeddingsConfig struct {
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	BatchSize      int    `yaml:"batch_size"`
	MaxInputTokens int    `yaml:"max_input_tokens"`
}

// RAGSearchConfig configures default similarity-search behavior.
type RAGSearchConfig struct {
	DefaultLimit     int     `yaml:"default_limit"`
	DefaultThreshold float32 `yaml:"default_threshold"`
	MaxResults       int     `yaml:"max_results"`
}

// RAGExtractionConfig configures entity-extraction thresholds (spec §4.9).
type RAGExtractionConfig struct {
	SimilarityThreshold   float32 `yaml:"similarity_threshold"`
	AutoMergeThreshold    float32 `yaml:"auto_merge_threshold"`
}

// ToolsConfig controls tool dispatch behavior (spec §4.6).
type ToolsConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxArgsBytes int           `yaml:"max_args_bytes"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures OpenTelemetry tracing.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// Load reads and parses the configuration file at path, applying a .env
// file from the working directory (if present) and environment variable
// overrides on top.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyQueueDefaults(&cfg.Queue)
	applyThreadDefaults(&cfg.Thread)
	applyLLMDefaults(&cfg.LLM)
	applyRAGDefaults(&cfg.RAG)
	applyToolsDefaults(&cfg.Tools)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applyQueueDefaults(cfg *QueueConfig) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = 10 * time.Second
	}
	if len(cfg.PriorityClasses) == 0 {
		cfg.PriorityClasses = []string{"TOKEN", "TOOL_CALL", "LLM_CALL", "NEW_MESSAGE", "ENTITY_EXTRACT", "RAG_INGEST"}
	}
}

func applyThreadDefaults(cfg *ThreadConfig) {
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.DefaultMaxAgentTurns == 0 {
		cfg.DefaultMaxAgentTurns = 5
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applyRAGDefaults(cfg *RAGConfig) {
	if cfg.Chunking.Strategy == "" {
		cfg.Chunking.Strategy = "fixed"
	}
	if cfg.Chunking.ChunkSize == 0 {
		cfg.Chunking.ChunkSize = 500
	}
	if cfg.Chunking.ChunkOverlap == 0 {
		cfg.Chunking.ChunkOverlap = 50
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 100
	}
	if cfg.Embeddings.MaxInputTokens == 0 {
		cfg.Embeddings.MaxInputTokens = 7500
	}

	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 5
	}
	if cfg.Search.DefaultThreshold == 0 {
		cfg.Search.DefaultThreshold = 0.7
	}
	if cfg.Search.MaxResults == 0 {
		cfg.Search.MaxResults = 20
	}

	if cfg.Extraction.SimilarityThreshold == 0 {
		cfg.Extraction.SimilarityThreshold = 0.85
	}
	if cfg.Extraction.AutoMergeThreshold == 0 {
		cfg.Extraction.AutoMergeThreshold = 0.95
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxArgsBytes == 0 {
		cfg.MaxArgsBytes = 10 * 1024 * 1024
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("CONCLAVE_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("CONCLAVE_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CONCLAVE_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" {
		cfg.Database.URL = value
	}
	if value := strings.TrimSpace(os.Getenv("CONCLAVE_WORKER_ID")); value != "" {
		cfg.Queue.WorkerID = value
	}
	if value := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); value != "" {
		setProviderAPIKey(cfg, "anthropic", value)
	}
	if value := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); value != "" {
		setProviderAPIKey(cfg, "openai", value)
		if cfg.RAG.Embeddings.APIKey == "" {
			cfg.RAG.Embeddings.APIKey = value
		}
	}
}

func setProviderAPIKey(cfg *Config, provider, key string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	entry := cfg.LLM.Providers[provider]
	if entry.APIKey == "" {
		entry.APIKey = key
	}
	cfg.LLM.Providers[provider] = entry
}

// ConfigValidationError collects every validation failure found in one pass,
// so an operator fixes a bad config file in one edit rather than one error
// at a time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if cfg.Queue.WorkerPoolSize < 1 {
		issues = append(issues, "queue.worker_pool_size must be >= 1")
	}
	if cfg.Queue.LeaseDuration <= 0 {
		issues = append(issues, "queue.lease_duration must be > 0")
	}
	if cfg.Thread.DefaultMaxAgentTurns < 1 {
		issues = append(issues, "thread.default_max_agent_turns must be >= 1")
	}

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.RAG.Chunking.Strategy)) {
	case "fixed", "paragraph", "sentence":
	default:
		issues = append(issues, "rag.chunking.strategy must be \"fixed\", \"paragraph\", or \"sentence\"")
	}
	if cfg.RAG.Chunking.ChunkOverlap >= cfg.RAG.Chunking.ChunkSize {
		issues = append(issues, "rag.chunking.chunk_overlap must be smaller than chunk_size")
	}
	if cfg.RAG.Search.DefaultThreshold < 0 || cfg.RAG.Search.DefaultThreshold > 1 {
		issues = append(issues, "rag.search.default_threshold must be between 0 and 1")
	}
	if cfg.RAG.Extraction.SimilarityThreshold < 0 || cfg.RAG.Extraction.SimilarityThreshold > 1 {
		issues = append(issues, "rag.extraction.similarity_threshold must be between 0 and 1")
	}
	if cfg.RAG.Extraction.AutoMergeThreshold < cfg.RAG.Extraction.SimilarityThreshold {
		issues = append(issues, "rag.extraction.auto_merge_threshold must be >= similarity_threshold")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
