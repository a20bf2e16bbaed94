package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conclave-run/conclave/pkg/models"
)

// ExecConfig bounds a single tool invocation, grounded in the teacher's
// ToolExecConfig (internal/agent/tool_exec.go) but without its concurrency
// knob — the Tool-Call Processor dispatches exactly one call per event.
type ExecConfig struct {
	Timeout time.Duration
}

// DefaultExecConfig mirrors the teacher's default per-tool timeout.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{Timeout: 30 * time.Second}
}

// Executor runs a single tool call against a Registry with a deadline,
// converting the result into the wire ToolResult shape callers persist.
type Executor struct {
	registry *Registry
	config   ExecConfig
}

// NewExecutor builds an Executor; zero-value config fields take defaults.
func NewExecutor(registry *Registry, config ExecConfig) *Executor {
	if config.Timeout <= 0 {
		config.Timeout = DefaultExecConfig().Timeout
	}
	return &Executor{registry: registry, config: config}
}

// ExecuteSingle runs one named tool call, returning a models.ToolResult
// suitable for a NEW_MESSAGE(tool) payload (spec §4.6).
func (e *Executor) ExecuteSingle(ctx context.Context, call models.ToolCallRequest) models.ToolResult {
	toolCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type execOutcome struct {
		result *Result
		err    error
	}
	done := make(chan execOutcome, 1)

	go func() {
		result, err := e.registry.Execute(toolCtx, call.Name, call.Args)
		select {
		case done <- execOutcome{result: result, err: err}:
		default:
		}
	}()

	select {
	case <-toolCtx.Done():
		content := "tool execution canceled"
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			content = fmt.Sprintf("tool execution timed out after %v", e.config.Timeout)
		}
		return models.ToolResult{ToolCallID: call.ID, Content: content, IsError: true}
	case outcome := <-done:
		if outcome.err != nil {
			return models.ToolResult{ToolCallID: call.ID, Content: outcome.err.Error(), IsError: true}
		}
		return models.ToolResult{ToolCallID: call.ID, Content: outcome.result.Content, IsError: outcome.result.IsError}
	}
}
