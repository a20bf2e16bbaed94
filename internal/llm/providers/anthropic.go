// Package providers implements concrete llm.Provider backends, grounded in
// the teacher's internal/agent/providers package but adapted to the
// models.ChatMessage/llm.Request wire format the LLM-Call Processor builds
// from a History View projection (spec §4.7).
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/llm"
	"github.com/conclave-run/conclave/pkg/models"
)

// AnthropicConfig configures an Anthropic-backed provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Anthropic implements llm.Provider against Claude's Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic builds an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errs.New(errs.KindFatal, "anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{client: anthropic.NewClient(opts...), defaultModel: cfg.DefaultModel}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Complete(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("anthropic: convert messages: %w", err))
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("anthropic: convert tools: %w", err))
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan llm.Chunk, 16)
	go processStream(stream, chunks)
	return chunks, nil
}

func processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- llm.Chunk) {
	defer close(chunks)

	var currentToolCall *models.ToolCallRequest
	var currentToolInput strings.Builder
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCallRequest{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- llm.Chunk{Text: delta.Text}
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Args = json.RawMessage(currentToolInput.String())
				chunks <- llm.Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
			}
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
		case "message_stop":
			chunks <- llm.Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		case "error":
			chunks <- llm.Chunk{Err: errs.Wrap(errs.KindTransient, fmt.Errorf("anthropic stream error"))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- llm.Chunk{Err: errs.Wrap(errs.KindTransient, fmt.Errorf("anthropic stream: %w", err))}
	}
}

func convertMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.ChatRoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case models.ChatRoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &input); err != nil {
						return nil, err
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case models.ChatRoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		case models.ChatRoleSystem:
			// Anthropic carries the system prompt out-of-band via params.System;
			// a system-role message in the history view is dropped here.
		}
	}
	return out, nil
}

func convertTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		out = append(out, toolParam)
	}
	return out, nil
}
