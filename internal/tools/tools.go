// Package tools implements the tool interface, registry, and single-call
// executor the Tool-Call Processor dispatches against (spec §6.4), grounded
// in the teacher's ToolRegistry/Tool abstractions (internal/agent/
// tool_registry.go, provider_types.go) but reshaped around one call per
// TOOL_CALL event rather than a concurrent batch (spec §4.6).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits, mirroring the teacher's resource-exhaustion guards.
const (
	MaxToolNameLength   = 256
	MaxToolParamsSize   = 10 << 20
)

// Result is the output of a tool execution.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool is a single named capability an agent can invoke.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Registry holds the tools available to a Conclave instance.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	schema sync.Map // name -> *jsonschema.Schema, compiled lazily
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// AsToolDefinitions renders the registry for an LLM_CALL payload (spec §4.7
// step 5's tool advertisement).
func (r *Registry) AsToolDefinitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, models.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}

// Validate checks params against the tool's declared schema, compiling and
// caching the schema on first use.
func (r *Registry) Validate(tool Tool, params json.RawMessage) error {
	compiled, err := r.compiledSchema(tool)
	if err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Errorf("compile schema for %s: %w", tool.Name(), err))
	}
	if compiled == nil {
		return nil
	}

	var decoded any
	if len(params) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(params, &decoded); err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Errorf("decode params for %s: %w", tool.Name(), err))
	}

	if err := compiled.Validate(decoded); err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Errorf("invalid arguments for %s: %w", tool.Name(), err))
	}
	return nil
}

func (r *Registry) compiledSchema(tool Tool) (*jsonschemav5.Schema, error) {
	if cached, ok := r.schema.Load(tool.Name()); ok {
		return cached.(*jsonschemav5.Schema), nil
	}

	raw := tool.Schema()
	if len(raw) == 0 {
		return nil, nil
	}

	compiled, err := jsonschemav5.CompileString(tool.Name()+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	r.schema.Store(tool.Name(), compiled)
	return compiled, nil
}

// GenerateSchema reflects a Go struct into the JSON schema a native,
// struct-backed tool advertises through AsToolDefinitions (spec §4.7 step
// 5), so such tools declare their parameters as a Go type instead of a
// hand-maintained JSON literal.
func GenerateSchema(v any) json.RawMessage {
	reflector := jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	schema := reflector.Reflect(v)
	body, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(body)
}

// Execute validates params against the tool's schema and runs it. Oversized
// names/params and schema violations surface as a KindValidation error and
// unknown tools as a KindLogic error, rather than panicking the worker
// (spec §7).
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(params) > MaxToolParamsSize {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize))
	}

	tool, ok := r.Get(name)
	if !ok {
		return nil, errs.New(errs.KindLogic, "tool not found: "+name)
	}
	if err := r.Validate(tool, params); err != nil {
		return nil, err
	}
	return tool.Execute(ctx, params)
}
