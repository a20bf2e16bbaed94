package models

import (
	"encoding/json"
	"time"
)

// ThreadMode distinguishes conversation shapes (reserved for future use by
// collaborators outside the core; the orchestrator treats all modes alike).
type ThreadMode string

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadStatusActive   ThreadStatus = "active"
	ThreadStatusArchived ThreadStatus = "archived"
)

// Thread is a conversation: an ordered participant set under a namespace-like id.
// The core never destroys a Thread; processors mutate only its Metadata, and
// the queue runtime mutates only its lease fields (spec §3.1).
type Thread struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	ExternalID   string         `json:"external_id,omitempty"`
	Mode         ThreadMode     `json:"mode,omitempty"`
	Status       ThreadStatus   `json:"status"`
	Participants []string       `json:"participants"`
	ParentThread string         `json:"parent_thread_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Summary      string         `json:"summary,omitempty"`

	LeaseHolder    string    `json:"lease_holder,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Namespace returns the conversation-scoped graph namespace for this thread.
func (t *Thread) Namespace() string {
	return "thread:" + t.ID
}

// HasParticipant reports whether name/id is listed among the participants.
func (t *Thread) HasParticipant(id string) bool {
	for _, p := range t.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Recognized thread metadata keys (spec §3.2).
const (
	MetaParticipantTargets = "participantTargets"
	MetaAgentTurnCount     = "agentTurnCount"
	MetaMaxAgentTurns      = "maxAgentTurns"
	MetaPendingToolBatches = "pendingToolBatches"
	MetaUserContext        = "userContext"
	MetaUserExternalID     = "userExternalId"
)

// DefaultMaxAgentTurns is used when a thread has not set maxAgentTurns.
const DefaultMaxAgentTurns = 5

// PendingToolBatch aggregates tool results for a single batchId (spec §3.2).
type PendingToolBatch struct {
	BatchSize int              `json:"batchSize"`
	AgentName string           `json:"agentName"`
	SenderID  string           `json:"senderId"`
	Results   []BatchResult    `json:"results"`
	CreatedAt time.Time        `json:"createdAt"`
}

// BatchResult is one aggregated tool result within a PendingToolBatch.
type BatchResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	Status     string `json:"status"`
}

// ParticipantTargets reads metadata["participantTargets"] as a map.
func ParticipantTargets(meta map[string]any) map[string]string {
	out := map[string]string{}
	raw, ok := meta[MetaParticipantTargets]
	if !ok {
		return out
	}
	switch v := raw.(type) {
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case map[string]any:
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// SetParticipantTarget writes metadata["participantTargets"][senderID] = targetID.
func SetParticipantTarget(meta map[string]any, senderID, targetID string) {
	targets := ParticipantTargets(meta)
	targets[senderID] = targetID
	meta[MetaParticipantTargets] = targets
}

// AgentTurnCount reads metadata["agentTurnCount"], defaulting to 0.
func AgentTurnCount(meta map[string]any) int {
	return intFromAny(meta[MetaAgentTurnCount])
}

// MaxAgentTurns reads metadata["maxAgentTurns"], defaulting to DefaultMaxAgentTurns.
func MaxAgentTurns(meta map[string]any) int {
	if v, ok := meta[MetaMaxAgentTurns]; ok {
		if n := intFromAny(v); n > 0 {
			return n
		}
	}
	return DefaultMaxAgentTurns
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// PendingToolBatches reads metadata["pendingToolBatches"] as a typed map,
// tolerating the map[string]any shape produced by a JSON round-trip.
func PendingToolBatches(meta map[string]any) map[string]*PendingToolBatch {
	out := map[string]*PendingToolBatch{}
	raw, ok := meta[MetaPendingToolBatches]
	if !ok {
		return out
	}
	switch v := raw.(type) {
	case map[string]*PendingToolBatch:
		for k, val := range v {
			out[k] = val
		}
	case map[string]any:
		for k, val := range v {
			b, err := coerceBatch(val)
			if err == nil {
				out[k] = b
			}
		}
	}
	return out
}

func coerceBatch(v any) (*PendingToolBatch, error) {
	if b, ok := v.(*PendingToolBatch); ok {
		return b, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var b PendingToolBatch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// SetPendingToolBatches writes metadata["pendingToolBatches"].
func SetPendingToolBatches(meta map[string]any, batches map[string]*PendingToolBatch) {
	meta[MetaPendingToolBatches] = batches
}
