package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process event queue for tests and single-node
// development, grounded on the teacher's jobs.MemoryStore shape.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*models.Event
	order  []string
}

// NewMemoryStore returns an empty in-memory event queue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*models.Event)}
}

func (s *MemoryStore) Append(ctx context.Context, event *models.Event) error {
	if event == nil {
		return errs.New(errs.KindValidation, "event is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := time.Now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	if event.Status == "" {
		event.Status = models.EventStatusPending
	}
	if event.TTL > 0 && event.ExpiresAt.IsZero() {
		event.ExpiresAt = event.CreatedAt.Add(event.TTL)
	}

	if _, exists := s.events[event.ID]; !exists {
		s.order = append(s.order, event.ID)
	}
	s.events[event.ID] = cloneEvent(event)
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, workerID string, priorityClasses []string, leaseDuration time.Duration) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	busyThreads := make(map[string]bool)
	for _, id := range s.order {
		ev := s.events[id]
		if ev.Status == models.EventStatusProcessing && !ev.Ready(now) {
			busyThreads[ev.ThreadID] = true
		}
	}

	for _, class := range priorityClasses {
		var candidates []*models.Event
		for _, id := range s.order {
			ev := s.events[id]
			if string(ev.Type) != class {
				continue
			}
			if ev.Expired(now) {
				continue
			}
			if busyThreads[ev.ThreadID] {
				continue
			}
			if !ev.Ready(now) {
				continue
			}
			candidates = append(candidates, ev)
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		chosen := candidates[0]
		chosen.Status = models.EventStatusProcessing
		chosen.WorkerLockedBy = workerID
		chosen.WorkerLeaseExpiresAt = now.Add(leaseDuration)
		chosen.UpdatedAt = now
		return cloneEvent(chosen), nil
	}
	return nil, nil
}

func (s *MemoryStore) ExtendLease(ctx context.Context, eventID, workerID string, leaseDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return errs.ErrNotFound
	}
	if ev.WorkerLockedBy != workerID {
		return errs.ErrLeaseNotOwned
	}
	ev.WorkerLeaseExpiresAt = time.Now().Add(leaseDuration)
	ev.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, eventID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return errs.ErrNotFound
	}
	if ev.WorkerLockedBy != workerID {
		return errs.ErrLeaseNotOwned
	}
	ev.Status = models.EventStatusCompleted
	ev.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, eventID, workerID string, cause error, retriable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return errs.ErrNotFound
	}
	if ev.WorkerLockedBy != workerID {
		return errs.ErrLeaseNotOwned
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	now := time.Now()
	if retriable && (ev.ExpiresAt.IsZero() || now.Before(ev.ExpiresAt)) {
		ev.Status = models.EventStatusPending
		ev.WorkerLockedBy = ""
		ev.WorkerLeaseExpiresAt = time.Time{}
	} else {
		ev.Status = models.EventStatusFailed
	}
	ev.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, eventID string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (s *MemoryStore) ListByThread(ctx context.Context, threadID string, limit int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.Event
	for _, id := range s.order {
		ev := s.events[id]
		if ev.ThreadID == threadID {
			result = append(result, cloneEvent(ev))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) Reap(ctx context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired, reclaimed int
	for _, ev := range s.events {
		if ev.Status == models.EventStatusPending || ev.Status == models.EventStatusProcessing {
			if ev.Expired(now) {
				ev.Status = models.EventStatusExpired
				ev.UpdatedAt = now
				expired++
				continue
			}
		}
		if ev.Status == models.EventStatusProcessing && !ev.WorkerLeaseExpiresAt.IsZero() && now.After(ev.WorkerLeaseExpiresAt) {
			ev.Status = models.EventStatusPending
			ev.WorkerLockedBy = ""
			ev.WorkerLeaseExpiresAt = time.Time{}
			ev.UpdatedAt = now
			reclaimed++
		}
	}
	return expired, reclaimed, nil
}

func cloneEvent(e *models.Event) *models.Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		clone.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Metadata != nil {
		clone.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
