// Package runtime wires the queue, thread locks, and processors.Deps into
// the dispatch loop described by spec §5: a parallel worker pool that claims
// events by priority class, serializes per-thread work under a lease, and
// exposes the instance.run() entry point as an async event stream (spec
// §6.1), grounded in the teacher's tasks.Scheduler poll/acquire/execute loop
// (internal/tasks/scheduler.go) and agent.Runtime.ProcessStream's channel-
// based event emission (internal/agent/runtime.go).
package runtime

import (
	"context"

	"github.com/conclave-run/conclave/internal/processors"
	"github.com/conclave-run/conclave/pkg/models"
)

// ProcessorRegistry maps event types to their handler, with custom
// processors able to bypass the built-in one for the same type (spec §6.3).
type ProcessorRegistry struct {
	custom  map[models.EventType]processors.Processor
	builtin []processors.Processor
}

// NewProcessorRegistry seeds a registry with the built-in handlers (spec
// §4.5-4.9): message routing, tool calls, LLM calls, RAG ingest, and entity
// extraction.
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{
		custom: make(map[models.EventType]processors.Processor),
		builtin: []processors.Processor{
			processors.MessageProcessor{},
			processors.ToolCallProcessor{},
			processors.LLMCallProcessor{},
			processors.RAGIngestProcessor{},
			processors.EntityExtractProcessor{},
		},
	}
}

// Register installs a custom processor for eventType, bypassing the
// built-in handler for events of that type.
func (r *ProcessorRegistry) Register(eventType models.EventType, p processors.Processor) {
	r.custom[eventType] = p
}

// Resolve returns the processor that should handle event: the custom
// processor registered for its type if its ShouldProcess returns true,
// otherwise the first matching built-in.
func (r *ProcessorRegistry) Resolve(event *models.Event) processors.Processor {
	if p, ok := r.custom[event.Type]; ok && p.ShouldProcess(event) {
		return p
	}
	for _, p := range r.builtin {
		if p.ShouldProcess(event) {
			return p
		}
	}
	return nil
}

// Dispatch resolves and runs the processor for event, or reports an
// unrecognized-type logic error if none claims it.
func (r *ProcessorRegistry) Dispatch(ctx context.Context, event *models.Event, deps *processors.Deps) (processors.Result, error) {
	p := r.Resolve(event)
	if p == nil {
		return processors.Result{}, unrecognizedEventType(event.Type)
	}
	return p.Process(ctx, event, deps)
}
