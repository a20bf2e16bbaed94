package threadstate

import (
	"context"
	"testing"

	"github.com/conclave-run/conclave/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateByExternalIDCreatesOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.LoadOrCreateByExternalID(ctx, "ext-1", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:alice"}, first.Participants)

	second, err := store.LoadOrCreateByExternalID(ctx, "ext-1", "user:bob")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same external id must resolve to the same thread")
	assert.Equal(t, []string{"user:alice"}, second.Participants, "second call must not re-seed participants")
}

func TestAppendParticipantIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	thread, err := store.LoadOrCreateByExternalID(ctx, "ext-1", "user:alice")
	require.NoError(t, err)

	require.NoError(t, store.AppendParticipant(ctx, thread.ID, "agent:bot"))
	require.NoError(t, store.AppendParticipant(ctx, thread.ID, "agent:bot"))

	got, err := store.Get(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:alice", "agent:bot"}, got.Participants)
}

func TestSetParticipantTargetPersistsInMetadata(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	thread, err := store.LoadOrCreateByExternalID(ctx, "ext-1", "user:alice")
	require.NoError(t, err)

	require.NoError(t, store.SetParticipantTarget(ctx, thread.ID, "user:alice", "agent:bot"))

	got, err := store.Get(ctx, thread.ID)
	require.NoError(t, err)
	targets := models.ParticipantTargets(got.Metadata)
	assert.Equal(t, "agent:bot", targets["user:alice"])
}

func TestUpdateMetadataMerges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	thread, err := store.LoadOrCreateByExternalID(ctx, "ext-1", "user:alice")
	require.NoError(t, err)

	require.NoError(t, store.UpdateMetadata(ctx, thread.ID, map[string]any{models.MetaAgentTurnCount: 2}))
	require.NoError(t, store.UpdateMetadata(ctx, thread.ID, map[string]any{models.MetaMaxAgentTurns: 7}))

	got, err := store.Get(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, models.AgentTurnCount(got.Metadata))
	assert.Equal(t, 7, models.MaxAgentTurns(got.Metadata))
}
