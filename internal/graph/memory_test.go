package graph

import (
	"context"
	"testing"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(namespace, typ string, embedding []float32) *models.Node {
	return &models.Node{Namespace: namespace, Type: typ, Embedding: embedding}
}

func TestCreateAndGetNode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	node := newTestNode("ns1", string(models.NodeTypeDocument), nil)
	require.NoError(t, store.CreateNode(ctx, node))
	assert.NotEmpty(t, node.ID)

	got, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "ns1", got.Namespace)
}

func TestGetNodeNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.GetNode(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteNodeCascadesEdges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := newTestNode("ns1", string(models.NodeTypeDocument), nil)
	b := newTestNode("ns1", string(models.NodeTypeChunk), nil)
	require.NoError(t, store.CreateNode(ctx, a))
	require.NoError(t, store.CreateNode(ctx, b))

	edge := &models.Edge{SourceID: a.ID, TargetID: b.ID, Type: models.EdgeNextChunk}
	require.NoError(t, store.CreateEdge(ctx, edge))

	require.NoError(t, store.DeleteNode(ctx, a.ID))

	edges, err := store.GetEdgesForNode(ctx, b.ID, models.EdgeDirBoth, nil)
	require.NoError(t, err)
	assert.Empty(t, edges, "deleting a node must cascade-delete edges that reference it")
}

func TestCreateEdgeRequiresExistingNodes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.CreateEdge(ctx, &models.Edge{SourceID: "missing-a", TargetID: "missing-b", Type: models.EdgeRelatedTo})
	assert.Error(t, err)
}

func TestSearchNodesRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	close := newTestNode("ns1", string(models.NodeTypeEntity), []float32{1, 0, 0})
	far := newTestNode("ns1", string(models.NodeTypeEntity), []float32{0, 1, 0})
	require.NoError(t, store.CreateNode(ctx, close))
	require.NoError(t, store.CreateNode(ctx, far))

	results, err := store.SearchNodes(ctx, models.SearchQuery{
		Embedding:     []float32{1, 0, 0},
		Namespaces:    []string{"ns1"},
		Limit:         10,
		MinSimilarity: 0,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, close.ID, results[0].Node.ID)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestSearchNodesRespectsMinSimilarity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	orthogonal := newTestNode("ns1", string(models.NodeTypeEntity), []float32{0, 1, 0})
	require.NoError(t, store.CreateNode(ctx, orthogonal))

	results, err := store.SearchNodes(ctx, models.SearchQuery{
		Embedding:     []float32{1, 0, 0},
		Namespaces:    []string{"ns1"},
		Limit:         10,
		MinSimilarity: 0.5,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchChunksFromGraphJoinsDocument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	doc := newTestNode("ns1", string(models.NodeTypeDocument), nil)
	require.NoError(t, store.CreateNode(ctx, doc))

	chunk := newTestNode("ns1", string(models.NodeTypeChunk), []float32{1, 0})
	chunk.Data = map[string]any{"document_node_id": doc.ID}
	require.NoError(t, store.CreateNode(ctx, chunk))

	results, err := store.SearchChunksFromGraph(ctx, models.ChunkSearchQuery{
		Embedding:  []float32{1, 0},
		Namespaces: []string{"ns1"},
		Limit:      10,
		Threshold:  0,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Document)
	assert.Equal(t, doc.ID, results[0].Document.ID)
}
