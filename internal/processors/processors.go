// Package processors implements the stateful handlers the Runtime dispatches
// claimed events to (spec §4.5-4.9): the multi-agent routing state machine,
// the tool-call and LLM-call pipeline, and the RAG ingest / entity-extract
// background processors. Each processor is a pure function of an event plus
// injected Deps, returning the events it produces for the queue to persist
// (spec §6.3's (shouldProcess, process) processor interface).
package processors

import (
	"context"

	"github.com/conclave-run/conclave/internal/documents"
	"github.com/conclave-run/conclave/internal/embed"
	"github.com/conclave-run/conclave/internal/fetch"
	"github.com/conclave-run/conclave/internal/graph"
	"github.com/conclave-run/conclave/internal/llm"
	"github.com/conclave-run/conclave/internal/messages"
	"github.com/conclave-run/conclave/internal/queue"
	"github.com/conclave-run/conclave/internal/threadstate"
	"github.com/conclave-run/conclave/internal/tools"
	"github.com/conclave-run/conclave/pkg/models"
)

// AgentDirectory resolves participant ids to Agent records, standing in for
// the teacher's per-Instance agent registry (spec §9: "the agent registry
// ... [is a] per-Instance record, not process-global").
type AgentDirectory interface {
	// Get returns the Agent for id, or ok=false if id names a user instead.
	Get(id string) (agent models.Agent, ok bool)
	// Name returns id's display name for history-view prefixing, falling
	// back to id itself when unknown.
	Name(id string) string
	// All returns every registered agent, for entity-extract fanout (spec
	// §4.5 step 2) and tool-availability resolution.
	All() []models.Agent
}

// InMemoryAgentDirectory is a static AgentDirectory backed by a config-time
// agent list, sufficient for a single Conclave instance (agents are not
// mutated at runtime; only their participant node's memory is).
type InMemoryAgentDirectory struct {
	agents map[string]models.Agent
}

// NewInMemoryAgentDirectory indexes agents by id.
func NewInMemoryAgentDirectory(agents []models.Agent) *InMemoryAgentDirectory {
	indexed := make(map[string]models.Agent, len(agents))
	for _, a := range agents {
		indexed[a.ID] = a
	}
	return &InMemoryAgentDirectory{agents: indexed}
}

func (d *InMemoryAgentDirectory) Get(id string) (models.Agent, bool) {
	a, ok := d.agents[id]
	return a, ok
}

func (d *InMemoryAgentDirectory) Name(id string) string {
	if a, ok := d.agents[id]; ok && a.Name != "" {
		return a.Name
	}
	return id
}

func (d *InMemoryAgentDirectory) All() []models.Agent {
	out := make([]models.Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	return out
}

// IsAgent reports whether id names a known agent, the predicate routing.Resolve
// and routing.ApplyLoopGuard need.
func IsAgent(dir AgentDirectory, id string) bool {
	_, ok := dir.Get(id)
	return ok
}

// Deps bundles every collaborator a processor needs, injected by the Runtime
// per spec §5's dispatch loop (`deps = {db, thread, context}`).
type Deps struct {
	Queue    queue.Store
	Graph    graph.Store
	Threads  threadstate.Store
	Messages  messages.Store
	Documents documents.Store
	Registry *tools.Registry
	Tools    *tools.Executor
	Agents   AgentDirectory

	// Providers resolves an llm.Provider by the name carried in a
	// ProviderConfig.Provider field (spec §4.7 step 1).
	Providers llm.Registry

	// Embedder backs RAG ingest and entity-extract similarity search
	// (spec §4.8 step 6, §4.9 step 2). Nil disables entity extraction and
	// RAG context lookup; RAG ingest then fails at its embedding step.
	Embedder embed.Provider

	// Fetcher retrieves RAG_INGEST source documents (spec §4.8 step 1).
	Fetcher fetch.Fetcher

	// EntityExtractor calls an external LLM to pull entity candidates from
	// a content string (spec §4.9 step 1). Nil disables entity extraction.
	EntityExtractor EntityExtractor

	// Chunking and Embedding configure the RAG Ingest Processor's steps 5
	// and 6; zero values fall back to models.DefaultChunkingConfig /
	// models.DefaultEmbeddingConfig.
	Chunking  models.ChunkingConfig
	Embedding models.EmbeddingConfig

	// DefaultMaxAgentTurns seeds a thread's loop-guard cap when its
	// metadata does not already carry one (spec §3.2 maxAgentTurns).
	DefaultMaxAgentTurns int

	// Now returns the current time; overridable in tests.
	Now func() (nowUnixNano int64)
}

// EntityExtractor extracts named-entity candidates from content for the
// Entity-Extract Processor (spec §4.9 step 1); implemented externally (an
// LLM call), the core only consumes its output.
type EntityExtractor interface {
	Extract(ctx context.Context, content string) ([]string, error)
}

// Default entity-resolution thresholds (spec §4.9 step 2), used by both the
// entity-extract fanout (to seed ExtractionConfig) and the Entity-Extract
// Processor itself when an agent hasn't supplied its own.
const (
	defaultSimilarityThreshold = 0.85
	defaultAutoMergeThreshold  = 0.95
)

// Result is what a processor hands back to the Runtime to persist (spec
// §5's `queue.append(result.producedEvents)`).
type Result struct {
	ProducedEvents []*models.Event
}

// Processor is the extension point described by spec §6.3: a predicate
// plus a handler, registered per event type.
type Processor interface {
	ShouldProcess(event *models.Event) bool
	Process(ctx context.Context, event *models.Event, deps *Deps) (Result, error)
}
