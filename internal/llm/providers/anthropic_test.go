package providers

import (
	"encoding/json"
	"testing"

	"github.com/conclave-run/conclave/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertMessagesUserAndAssistant(t *testing.T) {
	out, err := convertMessages([]models.ChatMessage{
		{Role: models.ChatRoleUser, Content: "hello"},
		{Role: models.ChatRoleAssistant, Content: "hi there"},
	})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestConvertMessagesSkipsSystemRole(t *testing.T) {
	out, err := convertMessages([]models.ChatMessage{
		{Role: models.ChatRoleSystem, Content: "you are a helpful bot"},
		{Role: models.ChatRoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	assert.Len(t, out, 1, "system-role messages are carried via params.System, not the message list")
}

func TestConvertMessagesAssistantWithToolCall(t *testing.T) {
	out, err := convertMessages([]models.ChatMessage{
		{
			Role: models.ChatRoleAssistant,
			ToolCalls: []models.ToolCallRequest{
				{ID: "call_1", Name: "search", Args: json.RawMessage(`{"query":"weather"}`)},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestConvertMessagesAssistantToolCallWithInvalidArgsErrors(t *testing.T) {
	_, err := convertMessages([]models.ChatMessage{
		{
			Role: models.ChatRoleAssistant,
			ToolCalls: []models.ToolCallRequest{
				{ID: "call_1", Name: "search", Args: json.RawMessage(`not-json`)},
			},
		},
	})
	assert.Error(t, err)
}

func TestConvertMessagesToolResult(t *testing.T) {
	out, err := convertMessages([]models.ChatMessage{
		{Role: models.ChatRoleTool, ToolCallID: "call_1", Content: "72F and sunny"},
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestConvertToolsBuildsValidToolParam(t *testing.T) {
	out, err := convertTools([]models.ToolDefinition{
		{
			Name:        "search",
			Description: "search the web",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].OfTool)
	assert.Equal(t, "search", out[0].OfTool.Name)
}

func TestConvertToolsInvalidSchemaErrors(t *testing.T) {
	_, err := convertTools([]models.ToolDefinition{
		{Name: "broken", InputSchema: json.RawMessage(`not-json`)},
	})
	assert.Error(t, err)
}

func TestConvertToolsEmptySchemaDefaults(t *testing.T) {
	out, err := convertTools([]models.ToolDefinition{
		{Name: "noop", Description: "does nothing"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].OfTool)
}
