package history

import (
	"testing"
	"time"

	"github.com/conclave-run/conclave/pkg/models"
	"github.com/stretchr/testify/assert"
)

func names(m map[string]string) Namer {
	return func(id string) string { return m[id] }
}

func TestViewAssignsViewerMessagesToAssistantRole(t *testing.T) {
	messages := []*models.Message{
		{SenderID: "user:alice", SenderType: models.SenderUser, Content: "hi", CreatedAt: time.Unix(1, 0)},
		{SenderID: "agent:bot", SenderType: models.SenderAgent, Content: "hello", CreatedAt: time.Unix(2, 0)},
	}

	out := View(messages, "agent:bot", nil, Options{})
	assert.Equal(t, models.ChatRoleUser, out[0].Role)
	assert.Equal(t, models.ChatRoleAssistant, out[1].Role)
}

func TestViewPrefixesOtherSpeakers(t *testing.T) {
	messages := []*models.Message{
		{SenderID: "user:alice", SenderType: models.SenderUser, Content: "hi there", CreatedAt: time.Unix(1, 0)},
	}

	out := View(messages, "agent:bot", names(map[string]string{"user:alice": "Alice"}), Options{})
	assert.Equal(t, "[Alice]: hi there", out[0].Content)
}

func TestViewDoesNotPrefixViewerOwnMessages(t *testing.T) {
	messages := []*models.Message{
		{SenderID: "agent:bot", SenderType: models.SenderAgent, Content: "hello", CreatedAt: time.Unix(1, 0)},
	}

	out := View(messages, "agent:bot", names(map[string]string{"agent:bot": "Bot"}), Options{})
	assert.Equal(t, "hello", out[0].Content)
}

func TestViewToolMessagesCarryToolCallID(t *testing.T) {
	messages := []*models.Message{
		{SenderID: "tool:search", SenderType: models.SenderTool, Content: "result text", ToolCallID: "call-1", CreatedAt: time.Unix(1, 0)},
	}

	out := View(messages, "agent:bot", nil, Options{})
	assert.Equal(t, models.ChatRoleTool, out[0].Role)
	assert.Equal(t, "call-1", out[0].ToolCallID)
	assert.Equal(t, "result text", out[0].Content, "tool rows are not speaker-prefixed")
}

func TestViewIncludesTargetContextHintForNonAddressedMessages(t *testing.T) {
	messages := []*models.Message{
		{SenderID: "user:alice", SenderType: models.SenderUser, Content: "hey", TargetID: "agent:other", CreatedAt: time.Unix(1, 0)},
	}

	out := View(messages, "agent:bot", names(map[string]string{"agent:other": "Other"}), Options{IncludeTargetContext: true})
	assert.Contains(t, out[0].Content, "(addressed to: Other)")
}

func TestViewOmitsTargetContextHintWhenAddressedToViewer(t *testing.T) {
	messages := []*models.Message{
		{SenderID: "user:alice", SenderType: models.SenderUser, Content: "hey", TargetID: "agent:bot", CreatedAt: time.Unix(1, 0)},
	}

	out := View(messages, "agent:bot", nil, Options{IncludeTargetContext: true})
	assert.NotContains(t, out[0].Content, "addressed to")
}
