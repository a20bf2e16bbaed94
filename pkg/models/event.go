package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the queue.
type EventType string

const (
	EventNewMessage   EventType = "NEW_MESSAGE"
	EventToolCall     EventType = "TOOL_CALL"
	EventLLMCall      EventType = "LLM_CALL"
	EventToken        EventType = "TOKEN"
	EventRAGIngest    EventType = "RAG_INGEST"
	EventEntityExtract EventType = "ENTITY_EXTRACT"
)

// EventStatus is the lifecycle state of a queued event.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusExpired    EventStatus = "expired"
	EventStatusOverwritten EventStatus = "overwritten"
)

// Event is a single unit of durable work in the queue. Payload carries the
// type-tagged body described by §6.2; callers decode it based on Type.
type Event struct {
	ID       string          `json:"id"`
	ThreadID string          `json:"thread_id"`
	Type     EventType       `json:"type"`
	Payload  json.RawMessage `json:"payload"`

	Status      EventStatus `json:"status"`
	ParentEvent string      `json:"parent_event_id,omitempty"`
	TraceID     string      `json:"trace_id,omitempty"`

	// Priority: higher runs sooner. Chained work inherits the parent's.
	Priority int `json:"priority"`

	TTL       time.Duration  `json:"ttl,omitempty"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	WorkerLockedBy       string    `json:"worker_locked_by,omitempty"`
	WorkerLeaseExpiresAt time.Time `json:"worker_lease_expires_at,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ready reports whether the event can be claimed: pending, or processing
// with a lapsed lease. It does not check the TTL; see Expired.
func (e *Event) Ready(now time.Time) bool {
	if e.Status == EventStatusProcessing {
		return !e.WorkerLeaseExpiresAt.IsZero() && now.After(e.WorkerLeaseExpiresAt)
	}
	return e.Status == EventStatusPending
}

// Expired reports whether the event's TTL has elapsed.
func (e *Event) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderAgent  SenderType = "agent"
	SenderUser   SenderType = "user"
	SenderTool   SenderType = "tool"
	SenderSystem SenderType = "system"
)

// Sender identifies the author of a NEW_MESSAGE event.
type Sender struct {
	ID         string         `json:"id,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`
	Type       SenderType     `json:"type"`
	Name       string         `json:"name,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ContentPart is one element of a multi-part message body (text, image, etc).
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
}

// RawContent carries either a plain string or a []ContentPart, matching the
// source's `content: string | ContentPart[]` union.
type RawContent struct {
	Text  string        `json:"-"`
	Parts []ContentPart `json:"-"`
}

// MarshalJSON emits a string when Parts is empty, otherwise the part array.
func (c RawContent) MarshalJSON() ([]byte, error) {
	if len(c.Parts) > 0 {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a JSON string or an array of ContentPart.
func (c *RawContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Parts = parts
	return nil
}

// PlainText renders the content as a single string for prompt assembly.
func (c RawContent) PlainText() string {
	if len(c.Parts) == 0 {
		return c.Text
	}
	out := ""
	for _, p := range c.Parts {
		if p.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// ToolCallRequest is one tool call carried on an agent-authored message or a
// NEW_MESSAGE payload, tagged with optional batch correlation.
type ToolCallRequest struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	BatchID    string          `json:"batchId,omitempty"`
	BatchSize  int             `json:"batchSize,omitempty"`
	BatchIndex int             `json:"batchIndex,omitempty"`
}

// NewMessagePayload is the body of a NEW_MESSAGE event (spec §6.2).
type NewMessagePayload struct {
	Content   RawContent        `json:"content"`
	Sender    Sender            `json:"sender"`
	Thread    *ThreadRef        `json:"thread,omitempty"`
	ToolCalls []ToolCallRequest `json:"toolCalls,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// ThreadRef identifies/creates a thread by external id plus participants.
type ThreadRef struct {
	ExternalID   string   `json:"externalId,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// ToolCallFunction is the function-call portion of a TOOL_CALL payload.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallPayload is the body of a TOOL_CALL event (spec §6.2).
type ToolCallPayload struct {
	AgentName  string           `json:"agentName"`
	SenderID   string           `json:"senderId"`
	SenderType SenderType       `json:"senderType"`
	Call       ToolCallWire     `json:"call"`
	BatchID    string           `json:"batchId,omitempty"`
	BatchSize  int              `json:"batchSize,omitempty"`
	BatchIndex int              `json:"batchIndex,omitempty"`
}

// ToolCallWire is the {id, function:{name, arguments}} shape from §6.2.
type ToolCallWire struct {
	ID       string           `json:"id,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// LLMCallPayload is the body of an LLM_CALL event (spec §6.2).
type LLMCallPayload struct {
	AgentName string           `json:"agentName"`
	AgentID   string           `json:"agentId"`
	Messages  []ChatMessage    `json:"messages"`
	Tools     []ToolDefinition `json:"tools"`
	Config    ProviderConfig   `json:"config"`
}

// TokenPayload is the body of a TOKEN event (spec §6.2).
type TokenPayload struct {
	ThreadID   string `json:"threadId"`
	AgentName  string `json:"agentName"`
	Token      string `json:"token"`
	IsComplete bool   `json:"isComplete"`
}

// RAGIngestPayload is the body of a RAG_INGEST event (spec §4.8).
type RAGIngestPayload struct {
	Source       string         `json:"source"`
	Title        string         `json:"title,omitempty"`
	Namespace    string         `json:"namespace,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ForceReindex bool           `json:"forceReindex,omitempty"`
}

// EntityExtractPayload is the body of an ENTITY_EXTRACT event (spec §4.9).
type EntityExtractPayload struct {
	SourceNodeID     string           `json:"sourceNodeId"`
	Content          string           `json:"content"`
	Namespace        string           `json:"namespace"`
	SourceType       string           `json:"sourceType"`
	ExtractionConfig ExtractionConfig `json:"extractionConfig"`
}

// ExtractionConfig tunes entity resolution thresholds for ENTITY_EXTRACT.
type ExtractionConfig struct {
	SimilarityThreshold float32 `json:"similarityThreshold"`
	AutoMergeThreshold  float32 `json:"autoMergeThreshold"`
}
