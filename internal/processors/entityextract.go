package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/idgen"
	"github.com/conclave-run/conclave/pkg/models"
)

// EntityExtractProcessor implements the Entity-Extract Processor (spec
// §4.9): the built-in handler for ENTITY_EXTRACT events.
type EntityExtractProcessor struct{}

func (EntityExtractProcessor) ShouldProcess(event *models.Event) bool {
	return event.Type == models.EventEntityExtract
}

func (p EntityExtractProcessor) Process(ctx context.Context, event *models.Event, deps *Deps) (Result, error) {
	var payload models.EntityExtractPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Result{}, errs.Wrap(errs.KindValidation, fmt.Errorf("decode ENTITY_EXTRACT payload: %w", err))
	}
	if deps.EntityExtractor == nil || deps.Embedder == nil {
		return Result{}, nil
	}

	similarityThreshold := payload.ExtractionConfig.SimilarityThreshold
	if similarityThreshold == 0 {
		similarityThreshold = defaultSimilarityThreshold
	}
	autoMergeThreshold := payload.ExtractionConfig.AutoMergeThreshold
	if autoMergeThreshold == 0 {
		autoMergeThreshold = defaultAutoMergeThreshold
	}

	// Step 1: candidate extraction via the external LLM.
	candidates, err := deps.EntityExtractor.Extract(ctx, payload.Content)
	if err != nil {
		return Result{}, errs.Wrap(errs.ClassifyOf(err), fmt.Errorf("extract entities: %w", err))
	}

	var resolved []*models.Node
	for _, name := range candidates {
		node, err := p.resolveEntity(ctx, name, payload, similarityThreshold, autoMergeThreshold, deps)
		if err != nil {
			return Result{}, err
		}

		// Step 3: MENTIONS edge from the source node to the resolved entity.
		edge := &models.Edge{
			ID:       idgen.NewULID(),
			SourceID: payload.SourceNodeID,
			TargetID: node.ID,
			Type:     models.EdgeMentions,
			Data:     map[string]any{"extractedName": name},
		}
		if err := deps.Graph.CreateEdge(ctx, edge); err != nil {
			return Result{}, errs.Wrap(errs.KindStorage, fmt.Errorf("create MENTIONS edge: %w", err))
		}

		resolved = append(resolved, node)
	}

	// Optional RELATED_TO edges between similar-but-distinct entities
	// resolved from the same extraction pass.
	for i := 0; i < len(resolved); i++ {
		for j := i + 1; j < len(resolved); j++ {
			if resolved[i].ID == resolved[j].ID {
				continue
			}
			similarity := cosineSimilarity(resolved[i].Embedding, resolved[j].Embedding)
			if similarity < similarityThreshold || similarity >= autoMergeThreshold {
				continue
			}
			edge := &models.Edge{
				ID:       idgen.NewULID(),
				SourceID: resolved[i].ID,
				TargetID: resolved[j].ID,
				Type:     models.EdgeRelatedTo,
				Data:     map[string]any{"similarity": similarity},
			}
			if err := deps.Graph.CreateEdge(ctx, edge); err != nil {
				return Result{}, errs.Wrap(errs.KindStorage, fmt.Errorf("create RELATED_TO edge: %w", err))
			}
		}
	}

	return Result{}, nil
}

// resolveEntity implements step 2: embed the candidate, search for an
// existing node above similarityThreshold, merge into it when similarity
// clears autoMergeThreshold, otherwise create a new concept node.
func (p EntityExtractProcessor) resolveEntity(ctx context.Context, name string, payload models.EntityExtractPayload, similarityThreshold, autoMergeThreshold float32, deps *Deps) (*models.Node, error) {
	vector, err := deps.Embedder.Embed(ctx, name)
	if err != nil {
		return nil, errs.Wrap(errs.ClassifyOf(err), fmt.Errorf("embed entity candidate %q: %w", name, err))
	}

	matches, err := deps.Graph.SearchNodes(ctx, models.SearchQuery{
		Embedding:     vector,
		Namespaces:    []string{payload.Namespace},
		NodeTypes:     []string{string(models.NodeTypeConcept), string(models.NodeTypeEntity)},
		Limit:         1,
		MinSimilarity: similarityThreshold,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("search entity candidates: %w", err))
	}

	if len(matches) > 0 && matches[0].Similarity >= autoMergeThreshold {
		node := matches[0].Node
		aliases, _ := node.Data["aliases"].([]any)
		aliases = append(aliases, name)
		node.Data["aliases"] = aliases
		node.Data["mentionCount"] = mentionCount(node.Data) + 1

		if err := deps.Graph.UpdateNode(ctx, node.ID, models.NodeUpdate{Data: node.Data}); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("merge entity %s: %w", node.ID, err))
		}
		return node, nil
	}

	node := &models.Node{
		ID:         idgen.NewULID(),
		Namespace:  payload.Namespace,
		Type:       string(models.NodeTypeConcept),
		Name:       name,
		Content:    name,
		Embedding:  vector,
		SourceType: payload.SourceType,
		SourceID:   payload.SourceNodeID,
		Data: map[string]any{
			"aliases":      []any{name},
			"mentionCount": 1,
		},
	}
	if err := deps.Graph.CreateNode(ctx, node); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("create concept node: %w", err))
	}
	return node, nil
}

func mentionCount(data map[string]any) int {
	switch v := data["mentionCount"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// cosineSimilarity compares two embedding vectors; mismatched or empty
// vectors are treated as unrelated.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
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
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
