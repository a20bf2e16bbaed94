package messages

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process message store for tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*models.Message
}

// NewMemoryStore returns an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*models.Message)}
}

func (s *MemoryStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errs.New(errs.KindValidation, "message is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	clone := *msg
	s.rows[msg.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (s *MemoryStore) ListByThread(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Message
	for _, row := range s.rows {
		if row.ThreadID != threadID {
			continue
		}
		clone := *row
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
