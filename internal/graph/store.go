// Package graph implements the namespaced knowledge-graph substrate: nodes,
// immutable typed edges, and pluggable vector similarity search over node
// and chunk embeddings (spec §3.1, §4.1).
package graph

import (
	"context"

	"github.com/conclave-run/conclave/pkg/models"
)

// Store persists nodes and edges and answers similarity queries over them.
type Store interface {
	// CreateNode inserts a node. If node.ID is empty one is generated.
	CreateNode(ctx context.Context, node *models.Node) error

	// GetNode returns a node by ID, or errs.ErrNotFound.
	GetNode(ctx context.Context, id string) (*models.Node, error)

	// UpdateNode applies a partial update; namespace/type/source fields are
	// immutable post-creation.
	UpdateNode(ctx context.Context, id string, update models.NodeUpdate) error

	// DeleteNode removes a node and cascades to every edge that references
	// it (spec §4.1 cascade delete).
	DeleteNode(ctx context.Context, id string) error

	// ListNodes returns nodes in a namespace, optionally filtered by type.
	ListNodes(ctx context.Context, namespace string, nodeTypes []string, limit int) ([]*models.Node, error)

	// CreateEdge inserts an immutable edge. If edge.ID is empty one is
	// generated. Edges have no update operation (spec §3.4).
	CreateEdge(ctx context.Context, edge *models.Edge) error

	// GetEdgesForNode returns edges touching nodeID in the given direction,
	// optionally filtered by edge type.
	GetEdgesForNode(ctx context.Context, nodeID string, direction models.EdgeDirection, edgeTypes []string) ([]*models.Edge, error)

	// DeleteEdge removes a single edge by ID.
	DeleteEdge(ctx context.Context, id string) error

	// SearchNodes ranks nodes in the given namespaces by cosine similarity
	// to query.Embedding, filtered by node type and MinSimilarity.
	SearchNodes(ctx context.Context, query models.SearchQuery) ([]models.ScoredNode, error)

	// SearchChunksFromGraph ranks chunk nodes by cosine similarity, joining
	// each to its parent document node (spec §4.1, used by RAG search).
	SearchChunksFromGraph(ctx context.Context, query models.ChunkSearchQuery) ([]models.ScoredChunk, error)
}
