// Package llm defines the provider abstraction the LLM-Call Processor uses
// to stream completions, grounded in the teacher's agent.LLMProvider shape
// (internal/agent/provider_types.go) but built around the models.ChatMessage
// wire format this runtime persists (spec §4.7).
package llm

import (
	"context"

	"github.com/conclave-run/conclave/pkg/models"
)

// Request is one completion request built from a History View projection.
type Request struct {
	Model     string
	System    string
	Messages  []models.ChatMessage
	Tools     []models.ToolDefinition
	MaxTokens int
}

// Chunk is one unit of a streamed completion.
type Chunk struct {
	Text      string
	ToolCall  *models.ToolCallRequest
	Done      bool
	Err       error

	InputTokens  int
	OutputTokens int
}

// Provider streams a completion for a single LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (<-chan Chunk, error)
}
