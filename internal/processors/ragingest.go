package processors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conclave-run/conclave/internal/cache"
	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/idgen"
	"github.com/conclave-run/conclave/internal/retry"
	"github.com/conclave-run/conclave/pkg/models"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentEmbedBatches bounds how many embedBatches chunk batches run
// concurrently per ingest, so one large document doesn't monopolize the
// embedding provider's own concurrency limit.
const maxConcurrentEmbedBatches = 4

// inFlightIngests guards against two workers racing the same (namespace,
// contentHash) through steps 1-4 before either has written a document row:
// a short-TTL cache.DedupeCache (internal/cache), not a correctness
// mechanism — Documents.FindByHash remains the durable dedup gate.
var inFlightIngests = cache.NewDedupeCache(cache.DedupeCacheOptions{
	TTL:     30 * time.Second,
	MaxSize: 10000,
})

// RAGIngestProcessor implements the RAG Ingest Processor (spec §4.8): the
// built-in handler for RAG_INGEST events.
type RAGIngestProcessor struct{}

func (RAGIngestProcessor) ShouldProcess(event *models.Event) bool {
	return event.Type == models.EventRAGIngest
}

func (p RAGIngestProcessor) Process(ctx context.Context, event *models.Event, deps *Deps) (Result, error) {
	var payload models.RAGIngestPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Result{}, errs.Wrap(errs.KindValidation, fmt.Errorf("decode RAG_INGEST payload: %w", err))
	}
	namespace := payload.Namespace
	if namespace == "" {
		namespace = "default"
	}

	doc, err := p.ingest(ctx, event, payload, namespace, deps)
	if err != nil {
		if doc != nil {
			_ = deps.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusFailed, err.Error(), 0)
		}
		failure := p.systemFailureEvent(event, err)
		if appendErr := deps.Queue.Append(ctx, failure); appendErr != nil {
			return Result{}, errs.Wrap(errs.KindStorage, appendErr)
		}
		return Result{}, err
	}
	// doc is always nil on success: either step 3's dedup skip, or step 8's
	// finalize already transitioned the row to indexed.
	return Result{}, nil
}

// ingest runs steps 1-8, returning the in-progress document only when it
// must be reported as failed by the caller; a nil document with a nil error
// means ingest completed or was skipped under the dedup gate (step 3).
func (p RAGIngestProcessor) ingest(ctx context.Context, event *models.Event, payload models.RAGIngestPayload, namespace string, deps *Deps) (*models.Document, error) {
	// Step 1: fetch.
	fetched, err := deps.Fetcher.Fetch(ctx, payload.Source)
	if err != nil {
		return nil, errs.Wrap(errs.ClassifyOf(err), fmt.Errorf("fetch %s: %w", payload.Source, err))
	}

	// Step 2: preprocess / normalize.
	normalized := normalizeText(string(fetched.Content))

	// Step 3: hash + dedup gate. inFlightIngests catches two concurrent
	// submissions of the same content before either has a document row to
	// check FindByHash against; Documents.FindByHash is the durable gate.
	sum := sha256.Sum256([]byte(normalized))
	contentHash := hex.EncodeToString(sum[:])
	dedupeKey := namespace + ":" + contentHash

	if !payload.ForceReindex && inFlightIngests.Check(dedupeKey) {
		return nil, nil
	}

	if existing, err := deps.Documents.FindByHash(ctx, namespace, contentHash); err == nil {
		if !payload.ForceReindex && existing.Status == models.DocumentStatusIndexed {
			return nil, nil
		}
		if existing.Status != models.DocumentStatusIndexed {
			if err := deps.Documents.Delete(ctx, existing.ID); err != nil {
				return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("delete stale document %s: %w", existing.ID, err))
			}
		}
	}

	// Step 4: create document row, status=processing.
	doc := &models.Document{
		Namespace:   namespace,
		Title:       payload.Title,
		Source:      payload.Source,
		ContentType: fetched.MimeType,
		ContentHash: contentHash,
		Status:      models.DocumentStatusProcessing,
		Metadata:    payload.Metadata,
	}
	if err := deps.Documents.Create(ctx, doc); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("create document: %w", err))
	}

	docNode := &models.Node{
		ID:         idgen.NewULID(),
		Namespace:  namespace,
		Type:       string(models.NodeTypeDocument),
		Name:       payload.Title,
		SourceType: fetched.SourceType,
		SourceID:   doc.ID,
		Data: map[string]any{
			"documentId": doc.ID,
			"source":     payload.Source,
		},
	}
	if err := deps.Graph.CreateNode(ctx, docNode); err != nil {
		return doc, errs.Wrap(errs.KindStorage, fmt.Errorf("dual-write document node: %w", err))
	}

	// Step 5: chunk, using the configured strategy (falling back to the
	// package default when the instance didn't set one).
	config := deps.Chunking
	if config.Strategy == "" {
		config = models.DefaultChunkingConfig()
	}
	texts := chunkText(normalized, config)
	if len(texts) == 0 {
		if err := deps.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusIndexed, "", 0); err != nil {
			return doc, errs.Wrap(errs.KindStorage, err)
		}
		return nil, nil
	}

	// Step 6: embed in batches, with maxInputTokens truncation.
	embedding := deps.Embedding
	if embedding.BatchSize == 0 && embedding.MaxInputTokens == 0 {
		embedding = models.DefaultEmbeddingConfig()
	}
	vectors, err := p.embedBatches(ctx, texts, embedding, deps)
	if err != nil {
		return doc, err
	}

	// Step 7: dual-write chunk rows + chunk nodes, linked by NEXT_CHUNK.
	if err := p.writeChunks(ctx, doc, docNode, texts, vectors, namespace, deps); err != nil {
		return doc, err
	}

	// Step 8: finalize.
	if err := deps.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusIndexed, "", len(texts)); err != nil {
		return doc, errs.Wrap(errs.KindStorage, fmt.Errorf("finalize document: %w", err))
	}
	return nil, nil
}

func (p RAGIngestProcessor) embedBatches(ctx context.Context, texts []string, config models.EmbeddingConfig, deps *Deps) ([][]float32, error) {
	if deps.Embedder == nil {
		return nil, errs.New(errs.KindFatal, "no embedding provider configured")
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxChars := config.MaxInputTokens * 2
	if maxChars <= 0 {
		maxChars = 15000
	}

	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = truncateToChars(t, maxChars)
	}

	retryConfig := retry.Exponential(3, 200*time.Millisecond, 5*time.Second)

	numBatches := (len(truncated) + batchSize - 1) / batchSize
	batchVectors := make([][][]float32, numBatches)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentEmbedBatches)

	for i := 0; i < numBatches; i++ {
		start := i * batchSize
		end := start + batchSize
		if end > len(truncated) {
			end = len(truncated)
		}
		batch := truncated[start:end]
		idx := i

		group.Go(func() error {
			vectors, result := retry.DoWithValue(gctx, retryConfig, func() ([][]float32, error) {
				vectors, err := deps.Embedder.EmbedBatch(gctx, batch)
				if err != nil && errs.ClassifyOf(err) != errs.KindTransient {
					return nil, retry.Permanent(err)
				}
				return vectors, err
			})
			if result.Err != nil {
				return errs.Wrap(errs.ClassifyOf(result.Err), fmt.Errorf("embed chunk batch [%d:%d] after %d attempts: %w", start, end, result.Attempts, result.Err))
			}
			batchVectors[idx] = vectors
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(truncated))
	for _, vectors := range batchVectors {
		out = append(out, vectors...)
	}
	return out, nil
}

func (p RAGIngestProcessor) writeChunks(ctx context.Context, doc *models.Document, docNode *models.Node, texts []string, vectors [][]float32, namespace string, deps *Deps) error {
	rows := make([]*models.DocumentChunk, 0, len(texts))
	nodes := make([]*models.Node, 0, len(texts))
	pos := 0
	for i, text := range texts {
		var vector []float32
		if i < len(vectors) {
			vector = vectors[i]
		}
		chunk := &models.DocumentChunk{
			DocumentID:    doc.ID,
			ChunkIndex:    i,
			Content:       text,
			Embedding:     vector,
			TokenCount:    len(text) / 2,
			StartPosition: pos,
			EndPosition:   pos + len(text),
		}
		pos += len(text)
		rows = append(rows, chunk)

		node := &models.Node{
			ID:         idgen.NewULID(),
			Namespace:  namespace,
			Type:       string(models.NodeTypeChunk),
			Content:    text,
			Embedding:  vector,
			SourceType: "document",
			SourceID:   doc.ID,
			Data: map[string]any{
				"documentId":       doc.ID,
				"document_node_id": docNode.ID,
				"chunkIndex":       i,
				"tokenCount":    chunk.TokenCount,
				"startPosition": chunk.StartPosition,
				"endPosition":   chunk.EndPosition,
				"title":         doc.Title,
			},
		}
		nodes = append(nodes, node)
	}

	if err := deps.Documents.CreateChunks(ctx, rows); err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("persist chunk rows: %w", err))
	}

	for i, node := range nodes {
		if err := deps.Graph.CreateNode(ctx, node); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("create chunk node %d: %w", i, err))
		}
		rows[i].ID = node.ID

		if i > 0 {
			edge := &models.Edge{
				ID:       idgen.NewULID(),
				SourceID: nodes[i-1].ID,
				TargetID: node.ID,
				Type:     models.EdgeNextChunk,
			}
			if err := deps.Graph.CreateEdge(ctx, edge); err != nil {
				return errs.Wrap(errs.KindStorage, fmt.Errorf("create NEXT_CHUNK edge %d: %w", i, err))
			}
		}
	}
	return nil
}

func (p RAGIngestProcessor) systemFailureEvent(event *models.Event, cause error) *models.Event {
	newMessage := models.NewMessagePayload{
		Content: models.RawContent{Text: fmt.Sprintf("document ingest failed: %v", cause)},
		Sender:  models.Sender{Type: models.SenderSystem},
		Metadata: map[string]any{
			metaSkipRouting: true,
		},
	}
	encoded, _ := json.Marshal(newMessage)
	return &models.Event{
		ID:          idgen.NewULID(),
		ThreadID:    event.ThreadID,
		Type:        models.EventNewMessage,
		Payload:     encoded,
		Status:      models.EventStatusPending,
		ParentEvent: event.ID,
		TraceID:     event.TraceID,
		Priority:    event.Priority,
	}
}

// normalizeText collapses whitespace runs, standing in for the external,
// mimeType-aware preprocessor spec §4.8 step 2 delegates to.
func normalizeText(raw string) string {
	fields := strings.Fields(raw)
	return strings.Join(fields, " ")
}

// chunkText splits normalized content per config.Strategy. Only the "fixed"
// strategy is implemented on a word-count window; "paragraph" splits on
// blank lines falling back to fixed sizing for oversized paragraphs, and
// "sentence" splits on sentence-ending punctuation with the same fallback.
func chunkText(text string, config models.ChunkingConfig) []string {
	if text == "" {
		return nil
	}
	switch config.Strategy {
	case models.ChunkStrategyParagraph:
		return chunkByDelimiter(text, "\n\n", config)
	case models.ChunkStrategySentence:
		return chunkBySentence(text, config)
	default:
		return chunkFixed(strings.Fields(text), config)
	}
}

func chunkFixed(words []string, config models.ChunkingConfig) []string {
	size := config.ChunkSize
	if size <= 0 {
		size = 500
	}
	overlap := config.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	step := size - overlap

	var out []string
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}

func chunkByDelimiter(text, delimiter string, config models.ChunkingConfig) []string {
	size := config.ChunkSize
	if size <= 0 {
		size = 500
	}
	parts := strings.Split(text, delimiter)
	var out []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if words := strings.Fields(part); len(words) > size {
			out = append(out, chunkFixed(words, config)...)
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return chunkFixed(strings.Fields(text), config)
	}
	return out
}

func chunkBySentence(text string, config models.ChunkingConfig) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(text[start : i+1])
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return chunkByDelimiter(strings.Join(sentences, "\n\n"), "\n\n", config)
}

func truncateToChars(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	if maxChars <= 1 {
		return "…"
	}
	return text[:maxChars-1] + "…"
}
