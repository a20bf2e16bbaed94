package documents

import (
	"context"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process document store for tests and development.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]*models.Document
	chunks map[string][]*models.DocumentChunk // documentID -> chunks
}

// NewMemoryStore returns an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]*models.Document),
		chunks: make(map[string][]*models.DocumentChunk),
	}
}

func (s *MemoryStore) Create(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errs.New(errs.KindValidation, "document is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	clone := *doc
	s.docs[doc.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	clone := *doc
	return &clone, nil
}

func (s *MemoryStore) FindByHash(ctx context.Context, namespace, contentHash string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.docs {
		if doc.Namespace == namespace && doc.ContentHash == contentHash {
			clone := *doc
			return &clone, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.DocumentStatus, errMsg string, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return errs.ErrNotFound
	}
	doc.Status = status
	doc.Error = errMsg
	if chunkCount > 0 {
		doc.ChunkCount = chunkCount
	}
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	delete(s.chunks, id)
	return nil
}

func (s *MemoryStore) CreateChunks(ctx context.Context, chunks []*models.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if c == nil {
			continue
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		clone := *c
		s.chunks[c.DocumentID] = append(s.chunks[c.DocumentID], &clone)
	}
	return nil
}
