package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestMessageRoundTripsThroughJSON(t *testing.T) {
	msg := Message{
		ID:         "msg_1",
		ThreadID:   "thread_1",
		SenderType: SenderAgent,
		SenderID:   "agent_1",
		Content:    "hello",
		ToolCalls: []ToolCallRequest{
			{ID: "call_1", Name: "search", Args: json.RawMessage(`{"q":"go"}`)},
		},
		Metadata:  map[string]any{"k": "v"},
		CreatedAt: time.Unix(0, 0).UTC(),
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != msg.ID || decoded.ThreadID != msg.ThreadID {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
	if len(decoded.ToolCalls) != 1 || decoded.ToolCalls[0].Name != "search" {
		t.Fatalf("tool calls not preserved: %+v", decoded.ToolCalls)
	}
}

func TestMessageOmitsEmptyToolFields(t *testing.T) {
	msg := Message{
		ID:         "msg_2",
		ThreadID:   "thread_1",
		SenderType: SenderUser,
		SenderID:   "user_1",
		Content:    "hi",
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, field := range []string{"tool_calls", "tool_call_id", "target_id", "target_queue", "metadata"} {
		if _, ok := raw[field]; ok {
			t.Errorf("expected %q to be omitted when empty, found in %v", field, raw)
		}
	}
}

func TestToolResultCarriesErrorFlag(t *testing.T) {
	ok := ToolResult{ToolCallID: "call_1", Content: "42"}
	if ok.IsError {
		t.Fatalf("expected IsError false by default")
	}

	failed := ToolResult{ToolCallID: "call_2", Content: "boom", IsError: true}
	encoded, err := json.Marshal(failed)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if raw["is_error"] != true {
		t.Errorf("expected is_error=true in encoded result, got %v", raw)
	}
}

func TestStoredToolResultRoundTrip(t *testing.T) {
	result := StoredToolResult{
		ID:     "call_1",
		Name:   "search",
		Args:   json.RawMessage(`{"q":"go"}`),
		Output: "3 results",
		Status: "completed",
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded StoredToolResult
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(decoded, result) {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, result)
	}
}

func TestAgentDefaultsRAGModeEmpty(t *testing.T) {
	agent := Agent{ID: "agent_1", Name: "assistant"}
	if agent.RAGOptions.Mode != "" {
		t.Fatalf("expected zero-value RAGOptions.Mode, got %q", agent.RAGOptions.Mode)
	}
	if agent.RAGOptions.EntityExtraction.Enabled {
		t.Fatalf("expected entity extraction disabled by default")
	}
}
