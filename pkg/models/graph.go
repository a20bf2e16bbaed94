// Package models defines the core data types shared across Conclave's
// queue, graph, routing, and processor packages.
package models

import "time"

// NodeType enumerates the well-known graph node kinds (spec §3.1); custom
// source types may introduce others.
type NodeType string

const (
	NodeTypeChunk       NodeType = "chunk"
	NodeTypeEntity      NodeType = "entity"
	NodeTypeConcept     NodeType = "concept"
	NodeTypeMessage      NodeType = "message"
	NodeTypeParticipant NodeType = "participant"
	NodeTypeDocument    NodeType = "document"
)

// Node is a namespaced vertex in the knowledge graph substrate. Embedding is
// optional; nil/empty means "not searchable" (spec §4.1).
type Node struct {
	ID         string         `json:"id"`
	Namespace  string         `json:"namespace"`
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	Content    string         `json:"content,omitempty"`
	Embedding  []float32      `json:"-"`
	Data       map[string]any `json:"data,omitempty"`
	SourceType string         `json:"source_type,omitempty"`
	SourceID   string         `json:"source_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// EdgeType enumerates well-known edge kinds (spec §3.1).
const (
	EdgeNextChunk  = "NEXT_CHUNK"
	EdgeMentions   = "MENTIONS"
	EdgeRelatedTo  = "RELATED_TO"
	EdgeSentBy     = "SENT_BY"
)

// Edge is an immutable, directed, typed relation between two nodes. There is
// deliberately no UpdatedAt (spec §3.4 edge immutability).
type Edge struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"source_node_id"`
	TargetID   string         `json:"target_node_id"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	Weight     float64        `json:"weight,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EdgeDirection selects which endpoint GetEdgesForNode matches against.
type EdgeDirection string

const (
	EdgeDirOut  EdgeDirection = "out"
	EdgeDirIn   EdgeDirection = "in"
	EdgeDirBoth EdgeDirection = "both"
)

// NodeUpdate is a partial update to a node; namespace/type/source fields are
// immutable post-creation (spec §4.1 updateNode).
type NodeUpdate struct {
	Name      *string
	Content   *string
	Embedding []float32
	Data      map[string]any
}

// SearchQuery parameters for Graph.SearchNodes (spec §4.1).
type SearchQuery struct {
	Embedding      []float32
	Namespaces     []string
	NodeTypes      []string
	Limit          int
	MinSimilarity  float32
}

// ScoredNode pairs a node with its cosine similarity to the query embedding.
type ScoredNode struct {
	Node       *Node
	Similarity float32
}

// ChunkSearchQuery parameters for Graph.SearchChunksFromGraph (spec §4.1).
type ChunkSearchQuery struct {
	Embedding         []float32
	Namespaces        []string
	Limit             int
	Threshold         float32
	DocumentFilters   map[string]any
}

// ScoredChunk is a chunk node joined with its parent document node.
type ScoredChunk struct {
	Chunk      *Node
	Document   *Node
	Similarity float32
}
