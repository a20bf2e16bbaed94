package routing

import (
	"testing"

	"github.com/conclave-run/conclave/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestResolvePrefersEventTarget(t *testing.T) {
	res := Resolve(ResolveInput{
		EventTargetID:    "agent:bot",
		EventTargetQueue: []string{"user:alice"},
		SenderID:         "user:alice",
		SenderType:       models.SenderUser,
	})
	assert.Equal(t, "agent:bot", res.TargetID)
	assert.Equal(t, []string{"user:alice"}, res.TargetQueue)
	assert.False(t, res.PersistTarget)
}

func TestResolveToolRoutesBackToRequestingAgent(t *testing.T) {
	res := Resolve(ResolveInput{
		SenderID:           "tool:search",
		SenderType:         models.SenderTool,
		ParticipantTargets: map[string]string{"tool:search": "agent:bot"},
	})
	assert.Equal(t, "agent:bot", res.TargetID)
}

func TestResolveMentionSetsTargetAndQueuePlusSender(t *testing.T) {
	res := Resolve(ResolveInput{
		SenderID:   "user:alice",
		SenderType: models.SenderUser,
		Content:    "@bob can you ask @carol",
		KnownNames: map[string]string{"bob": "agent:bob", "carol": "agent:carol"},
	})
	assert.Equal(t, "agent:bob", res.TargetID)
	assert.Equal(t, []string{"agent:carol", "user:alice"}, res.TargetQueue)
	assert.True(t, res.PersistTarget)
	assert.Equal(t, "user:alice", res.PersistedSenderID)
}

func TestResolveMentionQueueOmitsSenderWhenAlreadyTarget(t *testing.T) {
	res := Resolve(ResolveInput{
		SenderID:   "agent:bob",
		SenderType: models.SenderAgent,
		Content:    "@bob handle this yourself",
		KnownNames: map[string]string{"bob": "agent:bob"},
	})
	assert.Equal(t, "agent:bob", res.TargetID)
	assert.Empty(t, res.TargetQueue)
}

func TestResolveFallsBackToPersistedTarget(t *testing.T) {
	res := Resolve(ResolveInput{
		SenderID:           "user:alice",
		SenderType:         models.SenderUser,
		Content:            "no mention here",
		ParticipantTargets: map[string]string{"user:alice": "agent:bob"},
		IsAgent:            func(id string) bool { return id == "agent:bob" },
	})
	assert.Equal(t, "agent:bob", res.TargetID)
	assert.False(t, res.PersistTarget)
}

func TestResolveIgnoresStalePersistedTargetThatIsNotAnAgent(t *testing.T) {
	res := Resolve(ResolveInput{
		SenderID:           "user:alice",
		SenderType:         models.SenderUser,
		Content:            "no mention here",
		ParticipantTargets: map[string]string{"user:alice": "agent:gone"},
		IsAgent:            func(id string) bool { return false },
		Participants:       []string{"user:alice", "agent:bob"},
	})
	assert.Equal(t, "agent:bob", res.TargetID)
	assert.True(t, res.PersistTarget)
}

func TestResolveFirstAgentParticipantWhenNoOtherSignal(t *testing.T) {
	res := Resolve(ResolveInput{
		SenderID:     "user:alice",
		SenderType:   models.SenderUser,
		Participants: []string{"user:alice", "agent:bob", "agent:carol"},
		IsAgent:      func(id string) bool { return id == "agent:bob" || id == "agent:carol" },
	})
	assert.Equal(t, "agent:bob", res.TargetID)
	assert.True(t, res.PersistTarget)
}

func TestResolveNoTargetWhenNothingMatches(t *testing.T) {
	res := Resolve(ResolveInput{SenderID: "user:alice", SenderType: models.SenderUser})
	assert.True(t, res.NoTarget)
}

func TestApplyLoopGuardResetsOnUserSender(t *testing.T) {
	out := ApplyLoopGuard(LoopGuardInput{SenderType: models.SenderUser, AgentTurnCount: 3})
	assert.Equal(t, 0, out.NewTurnCount)
	assert.False(t, out.Forced)
}

func TestApplyLoopGuardIncrementsOnAgentToAgent(t *testing.T) {
	out := ApplyLoopGuard(LoopGuardInput{
		SenderType:     models.SenderAgent,
		IsAgentTarget:  true,
		AgentTurnCount: 1,
		MaxAgentTurns:  5,
	})
	assert.Equal(t, 2, out.NewTurnCount)
	assert.False(t, out.Forced)
}

func TestApplyLoopGuardForcesUserOnLimit(t *testing.T) {
	out := ApplyLoopGuard(LoopGuardInput{
		SenderType:               models.SenderAgent,
		IsAgentTarget:            true,
		AgentTurnCount:           4,
		MaxAgentTurns:            5,
		FirstNonAgentParticipant: "user:alice",
	})
	assert.True(t, out.Forced)
	assert.Equal(t, "user:alice", out.ForcedTarget)
	assert.Equal(t, 0, out.NewTurnCount)
}

func TestApplyLoopGuardResetsWhenTargetIsUser(t *testing.T) {
	out := ApplyLoopGuard(LoopGuardInput{
		SenderType:     models.SenderAgent,
		IsAgentTarget:  false,
		AgentTurnCount: 3,
	})
	assert.Equal(t, 0, out.NewTurnCount)
}
