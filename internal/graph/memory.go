package graph

import (
	"sort"
	"strings"
	"sync"
	"time"

	"context"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process graph store for tests and development.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*models.Node
	edges map[string]*models.Edge
}

// NewMemoryStore returns an empty in-memory graph store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*models.Node),
		edges: make(map[string]*models.Edge),
	}
}

func (s *MemoryStore) CreateNode(ctx context.Context, node *models.Node) error {
	if node == nil {
		return errs.New(errs.KindValidation, "node is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	now := time.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	s.nodes[node.ID] = cloneNode(node)
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneNode(node), nil
}

func (s *MemoryStore) UpdateNode(ctx context.Context, id string, update models.NodeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return errs.ErrNotFound
	}
	if update.Name != nil {
		node.Name = *update.Name
	}
	if update.Content != nil {
		node.Content = *update.Content
	}
	if update.Embedding != nil {
		node.Embedding = update.Embedding
	}
	if update.Data != nil {
		node.Data = update.Data
	}
	node.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return errs.ErrNotFound
	}
	delete(s.nodes, id)
	for edgeID, edge := range s.edges {
		if edge.SourceID == id || edge.TargetID == id {
			delete(s.edges, edgeID)
		}
	}
	return nil
}

func (s *MemoryStore) ListNodes(ctx context.Context, namespace string, nodeTypes []string, limit int) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeSet := toSet(nodeTypes)
	var result []*models.Node
	for _, node := range s.nodes {
		if node.Namespace != namespace {
			continue
		}
		if len(typeSet) > 0 && !typeSet[node.Type] {
			continue
		}
		result = append(result, cloneNode(node))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) CreateEdge(ctx context.Context, edge *models.Edge) error {
	if edge == nil {
		return errs.New(errs.KindValidation, "edge is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[edge.SourceID]; !ok {
		return errs.New(errs.KindValidation, "source node does not exist")
	}
	if _, ok := s.nodes[edge.TargetID]; !ok {
		return errs.New(errs.KindValidation, "target node does not exist")
	}
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	clone := *edge
	s.edges[edge.ID] = &clone
	return nil
}

func (s *MemoryStore) GetEdgesForNode(ctx context.Context, nodeID string, direction models.EdgeDirection, edgeTypes []string) ([]*models.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeSet := toSet(edgeTypes)
	var result []*models.Edge
	for _, edge := range s.edges {
		matches := false
		switch direction {
		case models.EdgeDirOut:
			matches = edge.SourceID == nodeID
		case models.EdgeDirIn:
			matches = edge.TargetID == nodeID
		default:
			matches = edge.SourceID == nodeID || edge.TargetID == nodeID
		}
		if !matches {
			continue
		}
		if len(typeSet) > 0 && !typeSet[edge.Type] {
			continue
		}
		clone := *edge
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) DeleteEdge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.edges[id]; !ok {
		return errs.ErrNotFound
	}
	delete(s.edges, id)
	return nil
}

func (s *MemoryStore) SearchNodes(ctx context.Context, query models.SearchQuery) ([]models.ScoredNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nsSet := toSet(query.Namespaces)
	typeSet := toSet(query.NodeTypes)

	var scored []models.ScoredNode
	for _, node := range s.nodes {
		if len(nsSet) > 0 && !nsSet[node.Namespace] {
			continue
		}
		if len(typeSet) > 0 && !typeSet[node.Type] {
			continue
		}
		if len(node.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(query.Embedding, node.Embedding)
		if sim < query.MinSimilarity {
			continue
		}
		scored = append(scored, models.ScoredNode{Node: cloneNode(node), Similarity: sim})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if query.Limit > 0 && len(scored) > query.Limit {
		scored = scored[:query.Limit]
	}
	return scored, nil
}

func (s *MemoryStore) SearchChunksFromGraph(ctx context.Context, query models.ChunkSearchQuery) ([]models.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nsSet := toSet(query.Namespaces)
	var scored []models.ScoredChunk
	for _, node := range s.nodes {
		if node.Type != string(models.NodeTypeChunk) {
			continue
		}
		if len(nsSet) > 0 && !nsSet[node.Namespace] {
			continue
		}
		if len(node.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(query.Embedding, node.Embedding)
		if sim < query.Threshold {
			continue
		}
		var doc *models.Node
		if docID, ok := node.Data["document_node_id"].(string); ok {
			if d, ok := s.nodes[docID]; ok {
				doc = cloneNode(d)
			}
		}
		scored = append(scored, models.ScoredChunk{Chunk: cloneNode(node), Document: doc, Similarity: sim})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if query.Limit > 0 && len(scored) > query.Limit {
		scored = scored[:query.Limit]
	}
	return scored, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (sqrt(normA) * sqrt(normB)))
}

func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 32; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.TrimSpace(v)] = true
	}
	return set
}

func cloneNode(n *models.Node) *models.Node {
	if n == nil {
		return nil
	}
	clone := *n
	if n.Embedding != nil {
		clone.Embedding = append([]float32(nil), n.Embedding...)
	}
	if n.Data != nil {
		clone.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			clone.Data[k] = v
		}
	}
	return &clone
}
