package models

import (
	"encoding/json"
	"time"
)

// Message is an immutable, persisted turn in a thread's conversation (spec
// §3.1). It is created once by the message processor and never mutated
// afterward; history views project it into per-viewer chat transcripts.
type Message struct {
	ID          string            `json:"id"`
	ThreadID    string            `json:"thread_id"`
	SenderType  SenderType        `json:"sender_type"`
	SenderID    string            `json:"sender_id"`
	TargetID    string            `json:"target_id,omitempty"`
	TargetQueue []string          `json:"target_queue,omitempty"`
	Content     string            `json:"content"`
	ToolCalls   []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID  string            `json:"tool_call_id,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ToolResult is the outcome of executing a single tool call (spec §4.6 step
// 3), returned by a tools.Executor before the Tool-Call Processor persists
// it as a StoredToolResult and appends a tool-authored Message.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// StoredToolResult is the shape attached to a tool-authored message's
// metadata.toolCalls[0] per spec §4.6 step 4.
type StoredToolResult struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Output string          `json:"output"`
	Status string          `json:"status"` // "completed" | "failed"
}

// RAGOptions configures an agent's retrieval behavior (spec §4.5 step 2,
// §4.5 step 8).
type RAGOptions struct {
	Mode             string           `json:"mode,omitempty"` // "auto" | "off"
	EntityExtraction EntityExtraction `json:"entityExtraction,omitempty"`
}

// EntityExtraction toggles ENTITY_EXTRACT fanout for a given agent.
type EntityExtraction struct {
	Enabled bool `json:"enabled"`
}

// Agent is a participant backed by an LLM configuration, possibly with tools.
type Agent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	AllowedTools  []string       `json:"allowed_tools,omitempty"`
	LLMOptions    ProviderConfig `json:"llm_options"`
	RAGOptions    RAGOptions     `json:"rag_options,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
