package queue

import (
	"context"
	"testing"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvent(threadID string, typ models.EventType, priority int) *models.Event {
	return &models.Event{
		ThreadID: threadID,
		Type:     typ,
		Payload:  []byte(`{}`),
		Priority: priority,
	}
}

func TestClaimHonorsPriorityClasses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, newTestEvent("t1", models.EventNewMessage, 0)))
	require.NoError(t, store.Append(ctx, newTestEvent("t2", models.EventToolCall, 0)))

	claimed, err := store.Claim(ctx, "worker-1", []string{"TOOL_CALL", "NEW_MESSAGE"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, models.EventToolCall, claimed.Type)
	assert.Equal(t, models.EventStatusProcessing, claimed.Status)
	assert.Equal(t, "worker-1", claimed.WorkerLockedBy)
}

func TestClaimSerializesPerThread(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, newTestEvent("t1", models.EventNewMessage, 0)))
	require.NoError(t, store.Append(ctx, newTestEvent("t1", models.EventNewMessage, 0)))

	first, err := store.Claim(ctx, "worker-1", []string{"NEW_MESSAGE"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := store.Claim(ctx, "worker-2", []string{"NEW_MESSAGE"}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second, "second event on the same thread must not be claimable while the first is in flight")
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, newTestEvent("t1", models.EventNewMessage, 0)))

	claimed, err := store.Claim(ctx, "worker-1", []string{"NEW_MESSAGE"}, -time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	reclaimed, err := store.Claim(ctx, "worker-2", []string{"NEW_MESSAGE"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed, "an event whose lease already expired must be claimable by another worker")
	assert.Equal(t, "worker-2", reclaimed.WorkerLockedBy)
}

func TestCompleteRequiresOwningWorker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, newTestEvent("t1", models.EventNewMessage, 0)))
	claimed, err := store.Claim(ctx, "worker-1", []string{"NEW_MESSAGE"}, time.Minute)
	require.NoError(t, err)

	err = store.Complete(ctx, claimed.ID, "worker-2")
	assert.ErrorIs(t, err, errs.ErrLeaseNotOwned)

	require.NoError(t, store.Complete(ctx, claimed.ID, "worker-1"))
	got, err := store.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, got.Status)
}

func TestFailRetriableReturnsEventToPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, newTestEvent("t1", models.EventToolCall, 0)))
	claimed, err := store.Claim(ctx, "worker-1", []string{"TOOL_CALL"}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, claimed.ID, "worker-1", assertError("boom"), true))

	got, err := store.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestFailNonRetriableMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, newTestEvent("t1", models.EventToolCall, 0)))
	claimed, err := store.Claim(ctx, "worker-1", []string{"TOOL_CALL"}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, claimed.ID, "worker-1", assertError("bad args"), false))

	got, err := store.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, got.Status)
}

func TestReapExpiresTTLAndReclaimsStaleLeases(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	expiredEvent := newTestEvent("t1", models.EventNewMessage, 0)
	expiredEvent.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Append(ctx, expiredEvent))

	require.NoError(t, store.Append(ctx, newTestEvent("t2", models.EventNewMessage, 0)))
	claimed, err := store.Claim(ctx, "worker-1", []string{"NEW_MESSAGE"}, -time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	expired, reclaimed, err := store.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, reclaimed)
}

type assertError string

func (e assertError) Error() string { return string(e) }
