package models

import "encoding/json"

// ChatRole is the role of a packed history entry passed to an LLM provider.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
	ChatRoleTool      ChatRole = "tool"
)

// ChatMessage is one entry in the packed history passed to an LLM_CALL
// (spec §4.4 History View output, §4.5 step 8).
type ChatMessage struct {
	Role       ChatRole          `json:"role"`
	Content    string            `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ToolDefinition is a tool's advertised shape, passed to the LLM provider so
// it can emit structured tool calls (spec §4.5 step 8, §6.4).
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ProviderConfig resolves which LLM backend an LLM_CALL event targets, with
// an optional single fallback (spec §4.7 step 5).
type ProviderConfig struct {
	Provider         string         `json:"provider"`
	Model            string         `json:"model,omitempty"`
	APIKey           string         `json:"api_key,omitempty"`
	Options          map[string]any `json:"options,omitempty"`
	FallbackProvider *ProviderConfig `json:"fallback_provider,omitempty"`
}
