package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/llm"
	"github.com/conclave-run/conclave/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-backed provider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAI implements llm.Provider against the Chat Completions API, grounded
// in the teacher's OpenAIProvider (internal/agent/providers/openai.go) but
// adapted to the llm.Request/llm.Chunk wire format.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAI builds an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errs.New(errs.KindFatal, "openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Complete(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	messages, err := convertChatMessages(req.Messages, req.System)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("openai: convert messages: %w", err))
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools, err := convertChatTools(req.Tools)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("openai: convert tools: %w", err))
		}
		chatReq.Tools = tools
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableOpenAIError(lastErr) {
			return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("openai: non-retryable error: %w", lastErr))
		}
	}
	if lastErr != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("openai: max retries exceeded: %w", lastErr))
	}

	chunks := make(chan llm.Chunk, 16)
	go processOpenAIStream(stream, chunks)
	return chunks, nil
}

func processOpenAIStream(stream *openai.ChatCompletionStream, chunks chan<- llm.Chunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCallRequest)

	flushToolCalls := func() {
		for i := 0; i < len(toolCalls); i++ {
			tc := toolCalls[i]
			if tc != nil && tc.ID != "" && tc.Name != "" {
				chunks <- llm.Chunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCallRequest)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				flushToolCalls()
				chunks <- llm.Chunk{Done: true}
				return
			}
			chunks <- llm.Chunk{Err: errs.Wrap(errs.KindTransient, fmt.Errorf("openai stream: %w", err))}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			chunks <- llm.Chunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCallRequest{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Args = json.RawMessage(string(toolCalls[index].Args) + tc.Function.Arguments)
			}
		}

		if resp.Choices[0].FinishReason == "tool_calls" {
			flushToolCalls()
		}
	}
}

func convertChatMessages(messages []models.ChatMessage, system string) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range messages {
		switch m.Role {
		case models.ChatRoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case models.ChatRoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			if len(m.ToolCalls) > 0 {
				msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					msg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Args),
						},
					}
				}
			}
			out = append(out, msg)
		case models.ChatRoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case models.ChatRoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		}
	}
	return out, nil
}

func convertChatTools(tools []models.ToolDefinition) ([]openai.Tool, error) {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		schema := map[string]any{"type": "object", "properties": map[string]any{}}
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out, nil
}

func isRetryableOpenAIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	default:
		return false
	}
}
