package threadstate

import (
	"context"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	mu         sync.Mutex
	threads    map[string]*models.Thread
	byExternal map[string]string
}

// NewMemoryStore returns an empty in-memory thread store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:    make(map[string]*models.Thread),
		byExternal: make(map[string]string),
	}
}

func (s *MemoryStore) LoadOrCreateByExternalID(ctx context.Context, externalID, initialParticipant string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byExternal[externalID]; ok {
		return cloneThread(s.threads[id]), nil
	}

	now := time.Now()
	thread := &models.Thread{
		ID:           uuid.NewString(),
		ExternalID:   externalID,
		Status:       models.ThreadStatusActive,
		Participants: []string{},
		Metadata:     map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if initialParticipant != "" {
		thread.Participants = append(thread.Participants, initialParticipant)
	}
	s.threads[thread.ID] = thread
	s.byExternal[externalID] = thread.ID
	return cloneThread(thread), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneThread(thread), nil
}

func (s *MemoryStore) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[id]
	if !ok {
		return errs.ErrNotFound
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]any{}
	}
	for k, v := range patch {
		thread.Metadata[k] = v
	}
	thread.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AppendParticipant(ctx context.Context, id, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[id]
	if !ok {
		return errs.ErrNotFound
	}
	if thread.HasParticipant(participantID) {
		return nil
	}
	thread.Participants = append(thread.Participants, participantID)
	thread.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetParticipantTarget(ctx context.Context, id, participantID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[id]
	if !ok {
		return errs.ErrNotFound
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]any{}
	}
	models.SetParticipantTarget(thread.Metadata, participantID, targetID)
	thread.UpdatedAt = time.Now()
	return nil
}

func cloneThread(t *models.Thread) *models.Thread {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Participants = append([]string(nil), t.Participants...)
	clone.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}
