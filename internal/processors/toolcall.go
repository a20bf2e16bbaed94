package processors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/idgen"
	"github.com/conclave-run/conclave/pkg/models"
)

// ToolCallProcessor implements the Tool-Call Processor (spec §4.6): the
// built-in handler for TOOL_CALL events.
type ToolCallProcessor struct{}

func (ToolCallProcessor) ShouldProcess(event *models.Event) bool {
	return event.Type == models.EventToolCall
}

func (p ToolCallProcessor) Process(ctx context.Context, event *models.Event, deps *Deps) (Result, error) {
	var payload models.ToolCallPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Result{}, errs.Wrap(errs.KindValidation, fmt.Errorf("decode TOOL_CALL payload: %w", err))
	}

	// Step 1: resolve the tool by key.
	if deps.Registry != nil {
		if _, ok := deps.Registry.Get(payload.Call.Function.Name); !ok {
			msg, err := p.resultEvent(event, payload, fmt.Sprintf("unknown tool: %s", payload.Call.Function.Name), "failed")
			return Result{ProducedEvents: []*models.Event{msg}}, err
		}
	}

	// Step 2 & 3: parse arguments, validate against schema, and execute —
	// all performed by tools.Executor.ExecuteSingle, which already folds
	// schema validation (tools.Registry.Validate) into tools.Registry.Execute.
	call := models.ToolCallRequest{
		ID:         payload.Call.ID,
		Name:       payload.Call.Function.Name,
		Args:       json.RawMessage(payload.Call.Function.Arguments),
		BatchID:    payload.BatchID,
		BatchSize:  payload.BatchSize,
		BatchIndex: payload.BatchIndex,
	}
	result := deps.Tools.ExecuteSingle(ctx, call)

	status := "completed"
	if result.IsError {
		status = "failed"
	}
	msg, err := p.resultEvent(event, payload, result.Content, status)
	if err != nil {
		return Result{}, err
	}
	return Result{ProducedEvents: []*models.Event{msg}}, nil
}

// resultEvent builds the NEW_MESSAGE(tool) event for steps 4 and 5. The
// sender id is the tool call's own id — message.emitToolCalls persisted
// participantTargets[callId] = requesting agent, so the message processor's
// target resolution (spec §4.5 step 5.2) routes this back correctly.
func (p ToolCallProcessor) resultEvent(event *models.Event, payload models.ToolCallPayload, content, status string) (*models.Event, error) {
	stored := models.StoredToolResult{
		ID:     payload.Call.ID,
		Name:   payload.Call.Function.Name,
		Args:   json.RawMessage(payload.Call.Function.Arguments),
		Output: content,
		Status: status,
	}

	metadata := map[string]any{
		metaToolCallID: payload.Call.ID,
		metaToolCalls:  []models.StoredToolResult{stored},
	}
	if payload.BatchID != "" {
		metadata[metaBatchID] = payload.BatchID
		metadata[metaBatchSize] = payload.BatchSize
		metadata[metaBatchIndex] = payload.BatchIndex
	}

	newMessage := models.NewMessagePayload{
		Content: models.RawContent{Text: content},
		Sender: models.Sender{
			ID:   payload.Call.ID,
			Type: models.SenderTool,
			Name: payload.Call.Function.Name,
		},
		Metadata: metadata,
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
	}, nil
}
