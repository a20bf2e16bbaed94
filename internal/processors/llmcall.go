package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/idgen"
	"github.com/conclave-run/conclave/internal/llm"
	"github.com/conclave-run/conclave/internal/ratelimit"
	"github.com/conclave-run/conclave/pkg/models"
)

// providerLimiter throttles outbound calls per provider name, guarding
// against a single misbehaving agent loop exhausting a shared provider's
// own rate limit (spec §4.7's per-call budget).
var providerLimiter = ratelimit.NewLimiter(ratelimit.Config{
	RequestsPerSecond: 5,
	BurstSize:         10,
	Enabled:           true,
})

// LLMCallProcessor implements the LLM-Call Processor (spec §4.7): the
// built-in handler for LLM_CALL events.
type LLMCallProcessor struct{}

func (LLMCallProcessor) ShouldProcess(event *models.Event) bool {
	return event.Type == models.EventLLMCall
}

func (p LLMCallProcessor) Process(ctx context.Context, event *models.Event, deps *Deps) (Result, error) {
	var payload models.LLMCallPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Result{}, errs.Wrap(errs.KindValidation, fmt.Errorf("decode LLM_CALL payload: %w", err))
	}

	provider, err := p.resolveProvider(payload.Config, deps)
	if err != nil {
		failure := p.systemFailureEvent(event, err)
		if appendErr := deps.Queue.Append(ctx, failure); appendErr != nil {
			return Result{}, errs.Wrap(errs.KindStorage, appendErr)
		}
		return Result{}, err
	}

	if err := p.awaitRateLimit(ctx, payload.Config.Provider); err != nil {
		return Result{}, err
	}

	chunks, err := provider.Complete(ctx, llm.Request{
		Model:    payload.Config.Model,
		Messages: payload.Messages,
		Tools:    payload.Tools,
	})
	if err != nil {
		failure := p.systemFailureEvent(event, err)
		if appendErr := deps.Queue.Append(ctx, failure); appendErr != nil {
			return Result{}, errs.Wrap(errs.KindStorage, appendErr)
		}
		return Result{}, err
	}

	var (
		content   string
		toolCalls []models.ToolCallRequest
		tokens    []*models.Event
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			failure := p.systemFailureEvent(event, chunk.Err)
			if appendErr := deps.Queue.Append(ctx, failure); appendErr != nil {
				return Result{}, errs.Wrap(errs.KindStorage, appendErr)
			}
			return Result{}, errs.Wrap(errs.ClassifyOf(chunk.Err), chunk.Err)
		}
		if chunk.Text != "" {
			content += chunk.Text
			tokens = append(tokens, p.tokenEvent(event, payload.AgentName, chunk.Text, false))
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			tokens = append(tokens, p.tokenEvent(event, payload.AgentName, "", true))
		}
	}

	if len(toolCalls) > 1 {
		batchID := idgen.NewULID()
		for i := range toolCalls {
			toolCalls[i].BatchID = batchID
			toolCalls[i].BatchSize = len(toolCalls)
			toolCalls[i].BatchIndex = i
		}
	}

	messageEvent, err := p.assistantMessageEvent(event, payload, content, toolCalls)
	if err != nil {
		return Result{}, err
	}

	return Result{ProducedEvents: append(tokens, messageEvent)}, nil
}

// awaitRateLimit blocks until providerLimiter admits a call for providerName,
// or ctx is cancelled first.
func (p LLMCallProcessor) awaitRateLimit(ctx context.Context, providerName string) error {
	for !providerLimiter.Allow(providerName) {
		select {
		case <-time.After(providerLimiter.WaitTime(providerName)):
		case <-ctx.Done():
			return errs.Wrap(errs.KindTransient, ctx.Err())
		}
	}
	return nil
}

// resolveProvider picks the configured provider, wrapping it with a
// FallbackProvider when config.fallbackProvider is set (spec §4.7 steps 1
// and 5 — primary/fallback share a single retry budget per event).
func (p LLMCallProcessor) resolveProvider(config models.ProviderConfig, deps *Deps) (llm.Provider, error) {
	primary, ok := deps.Providers[config.Provider]
	if !ok {
		return nil, errs.New(errs.KindFatal, "unknown LLM provider: "+config.Provider)
	}
	if config.FallbackProvider == nil {
		return primary, nil
	}
	fallback, ok := deps.Providers[config.FallbackProvider.Provider]
	if !ok {
		return primary, nil
	}
	return llm.NewFallbackProvider(primary, fallback), nil
}

func (p LLMCallProcessor) tokenEvent(event *models.Event, agentName, token string, isComplete bool) *models.Event {
	payload, _ := json.Marshal(models.TokenPayload{
		ThreadID:   event.ThreadID,
		AgentName:  agentName,
		Token:      token,
		IsComplete: isComplete,
	})
	return &models.Event{
		ID:          idgen.NewULID(),
		ThreadID:    event.ThreadID,
		Type:        models.EventToken,
		Payload:     payload,
		Status:      models.EventStatusPending,
		ParentEvent: event.ID,
		TraceID:     event.TraceID,
		Priority:    event.Priority,
	}
}

// assistantMessageEvent implements spec §4.7 step 4: the downstream
// {targetId, targetQueue, sourceMessageSenderId} carried on the LLM_CALL
// event's own metadata flows forward onto the NEW_MESSAGE unchanged, so the
// message processor's target resolution (spec §4.5 step 5.1) uses it
// directly instead of re-parsing @mentions.
func (p LLMCallProcessor) assistantMessageEvent(event *models.Event, payload models.LLMCallPayload, content string, toolCalls []models.ToolCallRequest) (*models.Event, error) {
	newMessage := models.NewMessagePayload{
		Content: models.RawContent{Text: content},
		Sender: models.Sender{
			ID:   payload.AgentID,
			Type: models.SenderAgent,
			Name: payload.AgentName,
		},
		ToolCalls: toolCalls,
	}
	encoded, err := json.Marshal(newMessage)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("encode NEW_MESSAGE payload: %w", err))
	}

	return &models.Event{
		ID:          idgen.NewULID(),
		ThreadID:    event.ThreadID,
		Type:        models.EventNewMessage,
		Payload:     encoded,
		Status:      models.EventStatusPending,
		ParentEvent: event.ID,
		TraceID:     event.TraceID,
		Priority:    event.Priority,
		Metadata: map[string]any{
			metaTargetID:              metaString(event.Metadata, metaTargetID),
			metaTargetQueue:           metaStringSlice(event.Metadata, metaTargetQueue),
			metaSourceMessageSenderID: metaString(event.Metadata, metaSourceMessageSenderID),
		},
	}, nil
}

// systemFailureEvent implements spec §4.7 step 5's "surfaces as a system
// message with skipRouting=true" — enqueued directly rather than returned
// as a produced event, since the LLM_CALL event itself still fails.
func (p LLMCallProcessor) systemFailureEvent(event *models.Event, cause error) *models.Event {
	newMessage := models.NewMessagePayload{
		Content: models.RawContent{Text: fmt.Sprintf("LLM call failed: %v", cause)},
		Sender:  models.Sender{Type: models.SenderSystem},
		Metadata: map[string]any{
			metaSkipRouting: true,
		},
	}
	encoded, _ := json.Marshal(newMessage)
	return &models.Event{
		ID:          idgen.NewULID(),
		ThreadID:    event.ThreadID,
		Type:        models.EventNewMessage,
		Payload:     encoded,
		Status:      models.EventStatusPending,
		ParentEvent: event.ID,
		TraceID:     event.TraceID,
		Priority:    event.Priority,
	}
}
