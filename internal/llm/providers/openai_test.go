package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/conclave-run/conclave/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertChatMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.ChatMessage
		system   string
		wantLen  int
	}{
		{
			name: "basic text messages",
			messages: []models.ChatMessage{
				{Role: models.ChatRoleUser, Content: "hello"},
				{Role: models.ChatRoleAssistant, Content: "hi there"},
			},
			system:  "you are a helpful assistant",
			wantLen: 3,
		},
		{
			name: "assistant message with tool calls",
			messages: []models.ChatMessage{
				{Role: models.ChatRoleUser, Content: "what's the weather?"},
				{
					Role: models.ChatRoleAssistant,
					ToolCalls: []models.ToolCallRequest{
						{ID: "call_123", Name: "get_weather", Args: json.RawMessage(`{"location":"NYC"}`)},
					},
				},
			},
			wantLen: 2,
		},
		{
			name: "tool result message",
			messages: []models.ChatMessage{
				{Role: models.ChatRoleTool, ToolCallID: "call_123", Content: "sunny, 72F"},
			},
			wantLen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertChatMessages(tt.messages, tt.system)
			require.NoError(t, err)
			assert.Len(t, got, tt.wantLen)
		})
	}
}

func TestConvertChatToolsBuildsFunctionDefinition(t *testing.T) {
	got, err := convertChatTools([]models.ToolDefinition{
		{
			Name:        "search",
			Description: "search the web",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "search", got[0].Function.Name)
	assert.Equal(t, "search the web", got[0].Function.Description)
}

func TestConvertChatToolsInvalidSchemaErrors(t *testing.T) {
	_, err := convertChatTools([]models.ToolDefinition{
		{Name: "broken", InputSchema: json.RawMessage(`not-json`)},
	})
	assert.Error(t, err)
}

func TestConvertChatToolsEmptySchemaDefaults(t *testing.T) {
	got, err := convertChatTools([]models.ToolDefinition{{Name: "noop", Description: "does nothing"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].Function.Parameters)
}

func TestProviderName(t *testing.T) {
	provider := &OpenAI{defaultModel: "gpt-4o"}
	assert.Equal(t, "openai", provider.Name())
}

func TestNewOpenAIRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	assert.Error(t, err)
}

func TestNewOpenAIDefaultsModel(t *testing.T) {
	p, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", p.defaultModel)
}

func TestIsRetryableOpenAIError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantRetry bool
	}{
		{"rate limit error", fmt.Errorf("rate limit exceeded"), true},
		{"429 status", fmt.Errorf("HTTP 429"), true},
		{"500 server error", fmt.Errorf("HTTP 500"), true},
		{"timeout", fmt.Errorf("timeout exceeded"), true},
		{"invalid API key", errors.New("invalid API key"), false},
		{"no error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantRetry, isRetryableOpenAIError(tt.err))
		})
	}
}

func TestOpenAIRetryDelayDefaults(t *testing.T) {
	p, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, p.retryDelay)
}
