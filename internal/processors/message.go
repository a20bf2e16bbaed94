package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/history"
	"github.com/conclave-run/conclave/internal/idgen"
	"github.com/conclave-run/conclave/internal/routing"
	"github.com/conclave-run/conclave/pkg/models"
)

// Recognized NEW_MESSAGE metadata keys (spec §3.2, §4.5, §4.6, §4.7).
const (
	metaSkipRouting           = "skipRouting"
	metaBatchID               = "batchId"
	metaBatchSize             = "batchSize"
	metaBatchIndex            = "batchIndex"
	metaToolCalls             = "toolCalls"
	metaToolCallID            = "toolCallId"
	metaTargetID              = "targetId"
	metaTargetQueue           = "targetQueue"
	metaSourceMessageSenderID = "sourceMessageSenderId"
)

// MessageProcessor implements the multi-agent routing state machine (spec
// §4.5): the built-in handler for NEW_MESSAGE events.
type MessageProcessor struct{}

func (MessageProcessor) ShouldProcess(event *models.Event) bool {
	return event.Type == models.EventNewMessage
}

func (p MessageProcessor) Process(ctx context.Context, event *models.Event, deps *Deps) (Result, error) {
	var payload models.NewMessagePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Result{}, errs.Wrap(errs.KindValidation, fmt.Errorf("decode NEW_MESSAGE payload: %w", err))
	}

	thread, err := deps.Threads.Get(ctx, event.ThreadID)
	if err != nil {
		return Result{}, errs.Wrap(errs.KindLogic, fmt.Errorf("load thread %s: %w", event.ThreadID, err))
	}

	// Step 1: persist + dual-write.
	msg, err := p.persist(ctx, thread, payload, deps)
	if err != nil {
		return Result{}, err
	}

	var produced []*models.Event

	// Step 2: entity-extract fanout.
	produced = append(produced, p.entityExtractFanout(event, thread, msg, deps)...)

	// Step 3: skip gate.
	if metaBool(payload.Metadata, metaSkipRouting) {
		return Result{ProducedEvents: produced}, nil
	}

	// Step 4: tool-batch aggregation.
	if msg.SenderType == models.SenderTool {
		batchID := metaString(payload.Metadata, metaBatchID)
		batchSize := metaInt(payload.Metadata, metaBatchSize)
		if batchID != "" && batchSize > 1 {
			complete, err := p.aggregateToolBatch(ctx, thread, batchID, batchSize, payload, deps)
			if err != nil {
				return Result{}, err
			}
			if !complete {
				return Result{ProducedEvents: produced}, nil
			}
		}
	}

	// Step 5: resolve target.
	resolution := p.resolveTarget(event, payload, thread, deps)
	if resolution.NoTarget {
		return Result{ProducedEvents: produced}, nil
	}
	if resolution.PersistTarget {
		if err := deps.Threads.SetParticipantTarget(ctx, thread.ID, resolution.PersistedSenderID, resolution.TargetID); err != nil {
			return Result{}, errs.Wrap(errs.KindStorage, fmt.Errorf("persist participant target: %w", err))
		}
	}

	// Step 6: loop guard.
	guard := routing.ApplyLoopGuard(routing.LoopGuardInput{
		SenderType:               msg.SenderType,
		TargetID:                 resolution.TargetID,
		IsAgentTarget:            IsAgent(deps.Agents, resolution.TargetID),
		AgentTurnCount:           models.AgentTurnCount(thread.Metadata),
		MaxAgentTurns:            resolveMaxAgentTurns(thread, deps),
		FirstNonAgentParticipant: firstNonAgentParticipant(thread, deps.Agents),
	})
	if err := deps.Threads.UpdateMetadata(ctx, thread.ID, map[string]any{models.MetaAgentTurnCount: guard.NewTurnCount}); err != nil {
		return Result{}, errs.Wrap(errs.KindStorage, fmt.Errorf("update agent turn count: %w", err))
	}
	if guard.Forced {
		return Result{ProducedEvents: produced}, nil
	}

	targetID := resolution.TargetID

	// Step 7: agent-authored tool calls.
	if msg.SenderType == models.SenderAgent && len(msg.ToolCalls) > 0 {
		toolEvents, err := p.emitToolCalls(ctx, event, thread, msg, deps)
		if err != nil {
			return Result{}, err
		}
		return Result{ProducedEvents: append(produced, toolEvents...)}, nil
	}

	// Step 8: LLM call for the target agent.
	if IsAgent(deps.Agents, targetID) {
		llmEvent, err := p.buildLLMCall(ctx, event, thread, msg, targetID, resolution.TargetQueue, deps)
		if err != nil {
			return Result{}, err
		}
		produced = append(produced, llmEvent)
	}

	return Result{ProducedEvents: produced}, nil
}

func (p MessageProcessor) persist(ctx context.Context, thread *models.Thread, payload models.NewMessagePayload, deps *Deps) (*models.Message, error) {
	msg := &models.Message{
		ThreadID:   thread.ID,
		SenderType: payload.Sender.Type,
		SenderID:   payload.Sender.ID,
		Content:    payload.Content.PlainText(),
		ToolCalls:  payload.ToolCalls,
		ToolCallID: metaString(payload.Metadata, metaToolCallID),
		Metadata:   payload.Metadata,
	}
	if deps.Messages != nil {
		if err := deps.Messages.Append(ctx, msg); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("persist message: %w", err))
		}
	} else if msg.ID == "" {
		msg.ID = idgen.NewULID()
		msg.CreatedAt = time.Now()
	}

	msgNode := &models.Node{
		ID:         msg.ID,
		Namespace:  thread.Namespace(),
		Type:       string(models.NodeTypeMessage),
		Content:    msg.Content,
		Data: map[string]any{
			"messageId":  msg.ID,
			"senderId":   msg.SenderID,
			"senderType": string(msg.SenderType),
		},
		SourceType: "message",
		SourceID:   msg.ID,
	}
	if err := deps.Graph.CreateNode(ctx, msgNode); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("dual-write message node: %w", err))
	}

	if senderNode, err := deps.Graph.GetNode(ctx, participantNodeID(msg.SenderID)); err == nil {
		edge := &models.Edge{
			ID:       idgen.NewULID(),
			SourceID: senderNode.ID,
			TargetID: msgNode.ID,
			Type:     models.EdgeSentBy,
		}
		if err := deps.Graph.CreateEdge(ctx, edge); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("create SENT_BY edge: %w", err))
		}
	}

	return msg, nil
}

// entityExtractFanout implements spec §4.5 step 2.
func (p MessageProcessor) entityExtractFanout(event *models.Event, thread *models.Thread, msg *models.Message, deps *Deps) []*models.Event {
	if msg.Content == "" || deps.Agents == nil {
		return nil
	}

	var produced []*models.Event
	for _, agent := range deps.Agents.All() {
		if !agent.RAGOptions.EntityExtraction.Enabled {
			continue
		}
		payload, err := json.Marshal(models.EntityExtractPayload{
			SourceNodeID: msg.ID,
			Content:      msg.Content,
			Namespace:    thread.Namespace(),
			SourceType:   "message",
			ExtractionConfig: models.ExtractionConfig{
				SimilarityThreshold: defaultSimilarityThreshold,
				AutoMergeThreshold:  defaultAutoMergeThreshold,
			},
		})
		if err != nil {
			continue
		}
		produced = append(produced, &models.Event{
			ID:          idgen.NewULID(),
			ThreadID:    thread.ID,
			Type:        models.EventEntityExtract,
			Payload:     payload,
			Status:      models.EventStatusPending,
			ParentEvent: event.ID,
			TraceID:     event.TraceID,
			Priority:    event.Priority,
		})
	}
	return produced
}

// aggregateToolBatch implements spec §4.5 step 4, returning whether the
// batch has now collected every expected result.
func (p MessageProcessor) aggregateToolBatch(ctx context.Context, thread *models.Thread, batchID string, batchSize int, payload models.NewMessagePayload, deps *Deps) (bool, error) {
	batches := models.PendingToolBatches(thread.Metadata)
	batch, ok := batches[batchID]
	if !ok {
		batch = &models.PendingToolBatch{
			BatchSize: batchSize,
			AgentName: payload.Sender.Name,
			SenderID:  payload.Sender.ID,
			CreatedAt: time.Now(),
		}
	}

	toolCallID := metaString(payload.Metadata, metaToolCallID)
	duplicate := false
	for _, r := range batch.Results {
		if r.ToolCallID == toolCallID {
			duplicate = true
			break
		}
	}
	if !duplicate {
		status := "completed"
		if stored := metaStoredToolResults(payload.Metadata); len(stored) > 0 {
			status = stored[0].Status
		}
		batch.Results = append(batch.Results, models.BatchResult{
			ToolCallID: toolCallID,
			Content:    payload.Content.PlainText(),
			Status:     status,
		})
	}

	complete := len(batch.Results) >= batch.BatchSize
	if complete {
		delete(batches, batchID)
	} else {
		batches[batchID] = batch
	}

	if err := deps.Threads.UpdateMetadata(ctx, thread.ID, map[string]any{models.MetaPendingToolBatches: batches}); err != nil {
		return false, errs.Wrap(errs.KindStorage, fmt.Errorf("update pending tool batch: %w", err))
	}
	return complete, nil
}

// resolveTarget implements spec §4.5 step 5.
func (p MessageProcessor) resolveTarget(event *models.Event, payload models.NewMessagePayload, thread *models.Thread, deps *Deps) routing.Resolution {
	knownNames := map[string]string{}
	if deps.Agents != nil {
		for _, a := range deps.Agents.All() {
			knownNames[a.Name] = a.ID
			knownNames[a.ID] = a.ID
		}
	}
	for _, participant := range thread.Participants {
		if _, ok := knownNames[participant]; !ok {
			knownNames[participant] = participant
		}
	}

	return routing.Resolve(routing.ResolveInput{
		EventTargetID:      metaString(event.Metadata, metaTargetID),
		EventTargetQueue:   metaStringSlice(event.Metadata, metaTargetQueue),
		SenderID:           payload.Sender.ID,
		SenderType:         payload.Sender.Type,
		Content:            payload.Content.PlainText(),
		KnownNames:         knownNames,
		Participants:       thread.Participants,
		IsAgent:            func(id string) bool { return IsAgent(deps.Agents, id) },
		ParticipantTargets: models.ParticipantTargets(thread.Metadata),
	})
}

// emitToolCalls implements spec §4.5 step 7. It records
// participantTargets[callId] = agentId for each call so the tool result's
// NEW_MESSAGE (senderId = callId, senderType = tool) routes back to the
// requesting agent in resolveTarget's tool branch.
func (p MessageProcessor) emitToolCalls(ctx context.Context, event *models.Event, thread *models.Thread, msg *models.Message, deps *Deps) ([]*models.Event, error) {
	agentName := msg.SenderID
	if deps.Agents != nil {
		agentName = deps.Agents.Name(msg.SenderID)
	}

	batchID := ""
	if len(msg.ToolCalls) > 1 {
		batchID = idgen.NewULID()
	}

	produced := make([]*models.Event, 0, len(msg.ToolCalls))
	for i, call := range msg.ToolCalls {
		callID := call.ID
		if callID == "" {
			callID = idgen.NewULID()
		}
		if err := deps.Threads.SetParticipantTarget(ctx, thread.ID, callID, msg.SenderID); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("persist tool-call target: %w", err))
		}

		wire := models.ToolCallPayload{
			AgentName:  agentName,
			SenderID:   msg.SenderID,
			SenderType: models.SenderAgent,
			Call: models.ToolCallWire{
				ID: callID,
				Function: models.ToolCallFunction{
					Name:      call.Name,
					Arguments: string(call.Args),
				},
			},
		}
		if batchID != "" {
			wire.BatchID = batchID
			wire.BatchSize = len(msg.ToolCalls)
			wire.BatchIndex = i
		}

		encoded, err := json.Marshal(wire)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("encode TOOL_CALL payload: %w", err))
		}
		produced = append(produced, &models.Event{
			ID:          idgen.NewULID(),
			ThreadID:    thread.ID,
			Type:        models.EventToolCall,
			Payload:     encoded,
			Status:      models.EventStatusPending,
			ParentEvent: event.ID,
			TraceID:     event.TraceID,
			Priority:    event.Priority,
		})
	}
	return produced, nil
}

// buildLLMCall implements spec §4.5 step 8: assembling the system prompt,
// History View, optional RAG context, tool selection, and provider config
// for the target agent's LLM_CALL.
func (p MessageProcessor) buildLLMCall(ctx context.Context, event *models.Event, thread *models.Thread, msg *models.Message, targetID string, targetQueue []string, deps *Deps) (*models.Event, error) {
	agent, ok := deps.Agents.Get(targetID)
	if !ok {
		return nil, errs.New(errs.KindLogic, "no agent registered for target: "+targetID)
	}

	system, err := buildSystemPrompt(ctx, agent, thread, deps)
	if err != nil {
		return nil, err
	}
	if agent.RAGOptions.Mode == "auto" {
		if ragContext, err := fetchRAGContext(ctx, msg.Content, thread, deps); err == nil && ragContext != "" {
			system += "\n\n# Retrieved context\n" + ragContext
		}
	}

	history, err := historyView(ctx, thread, targetID, deps)
	if err != nil {
		return nil, err
	}

	toolDefs := selectTools(agent, deps)

	config := agent.LLMOptions

	sourceMessageSenderID := msg.SenderID
	if msg.SenderType == models.SenderTool {
		if forwarded := metaString(event.Metadata, metaSourceMessageSenderID); forwarded != "" {
			sourceMessageSenderID = forwarded
		} else if requester, ok := models.ParticipantTargets(thread.Metadata)[msg.SenderID]; ok {
			sourceMessageSenderID = requester
		}
	}

	payload, err := json.Marshal(models.LLMCallPayload{
		AgentName: agent.Name,
		AgentID:   agent.ID,
		Messages:  history,
		Tools:     toolDefs,
		Config:    config,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("encode LLM_CALL payload: %w", err))
	}

	return &models.Event{
		ID:          idgen.NewULID(),
		ThreadID:    thread.ID,
		Type:        models.EventLLMCall,
		Payload:     payload,
		Status:      models.EventStatusPending,
		ParentEvent: event.ID,
		TraceID:     event.TraceID,
		Priority:    event.Priority,
		Metadata: map[string]any{
			metaTargetID:              targetID,
			metaTargetQueue:           targetQueue,
			metaSourceMessageSenderID: sourceMessageSenderID,
		},
	}, nil
}

// buildSystemPrompt assembles the agent's system message from its identity,
// thread context, metadata, persistent memory, and the current date.
func buildSystemPrompt(ctx context.Context, agent models.Agent, thread *models.Thread, deps *Deps) (string, error) {
	prompt := agent.SystemPrompt
	if prompt == "" {
		prompt = fmt.Sprintf("You are %s, a participant in a multi-party conversation.", agent.Name)
	}

	prompt += "\n\n# Thread\n"
	for _, participant := range thread.Participants {
		label := participant
		if participant == agent.ID {
			label += " (you)"
		} else if deps.Agents != nil {
			label = deps.Agents.Name(participant)
			if participant == agent.ID {
				label += " (you)"
			}
		}
		prompt += "- " + label + "\n"
	}
	prompt += "\nAddress other participants with @mentions when you want a specific one to respond next.\n"

	if thread.Summary != "" {
		prompt += "\n# Task\n" + thread.Summary + "\n"
	}

	if memory, err := deps.Graph.GetNode(ctx, participantNodeID(agent.ID)); err == nil && len(memory.Data) > 0 {
		if encoded, err := json.Marshal(memory.Data); err == nil {
			prompt += "\n# Your memory\n" + string(encoded) + "\n"
		}
	}

	prompt += "\n# Date\n" + time.Now().Format("2006-01-02") + "\n"
	return prompt, nil
}

// historyView loads a thread's persisted messages and projects them through
// the viewer-specific chat transcript (spec §4.4, §4.5 step 8).
func historyView(ctx context.Context, thread *models.Thread, viewerID string, deps *Deps) ([]models.ChatMessage, error) {
	if deps.Messages == nil {
		return nil, nil
	}
	rows, err := deps.Messages.ListByThread(ctx, thread.ID, 0)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("load history for %s: %w", thread.ID, err))
	}
	namer := func(id string) string {
		if deps.Agents == nil {
			return id
		}
		return deps.Agents.Name(id)
	}
	return history.View(rows, viewerID, namer, history.Options{IncludeTargetContext: true}), nil
}

// fetchRAGContext embeds the triggering message and retrieves the most
// similar chunks across the thread's namespace and the global namespace,
// for injection into the system prompt when ragOptions.mode == "auto"
// (spec §4.5 step 8, §4.8).
func fetchRAGContext(ctx context.Context, content string, thread *models.Thread, deps *Deps) (string, error) {
	if deps.Embedder == nil || content == "" {
		return "", nil
	}
	vector, err := deps.Embedder.Embed(ctx, content)
	if err != nil {
		return "", errs.Wrap(errs.KindTransient, fmt.Errorf("embed RAG query: %w", err))
	}

	results, err := deps.Graph.SearchChunksFromGraph(ctx, models.ChunkSearchQuery{
		Embedding:  vector,
		Namespaces: []string{thread.Namespace(), "global"},
		Limit:      5,
		Threshold:  0.7,
	})
	if err != nil {
		return "", errs.Wrap(errs.KindStorage, fmt.Errorf("search RAG chunks: %w", err))
	}

	var out string
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		out += "- " + r.Chunk.Content + "\n"
	}
	return out, nil
}

// selectTools intersects the agent's allow-list with the runtime's
// registered tools (spec §4.5 step 8's "native + user-provided +
// API-generated + MCP-generated" pool, represented here by deps.Registry).
func selectTools(agent models.Agent, deps *Deps) []models.ToolDefinition {
	if deps.Registry == nil {
		return nil
	}
	all := deps.Registry.AsToolDefinitions()
	if len(agent.AllowedTools) == 0 {
		return all
	}
	allowed := make(map[string]bool, len(agent.AllowedTools))
	for _, name := range agent.AllowedTools {
		allowed[name] = true
	}
	out := make([]models.ToolDefinition, 0, len(all))
	for _, def := range all {
		if allowed[def.Name] {
			out = append(out, def)
		}
	}
	return out
}

func participantNodeID(participantID string) string {
	return "participant:" + participantID
}

func resolveMaxAgentTurns(thread *models.Thread, deps *Deps) int {
	if _, ok := thread.Metadata[models.MetaMaxAgentTurns]; ok {
		return models.MaxAgentTurns(thread.Metadata)
	}
	if deps.DefaultMaxAgentTurns > 0 {
		return deps.DefaultMaxAgentTurns
	}
	return models.DefaultMaxAgentTurns
}

func firstNonAgentParticipant(thread *models.Thread, agents AgentDirectory) string {
	for _, participant := range thread.Participants {
		if !IsAgent(agents, participant) {
			return participant
		}
	}
	return ""
}

func metaBool(meta map[string]any, key string) bool {
	v, _ := meta[key].(bool)
	return v
}

func metaString(meta map[string]any, key string) string {
	v, _ := meta[key].(string)
	return v
}

func metaInt(meta map[string]any, key string) int {
	switch n := meta[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func metaStringSlice(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func metaStoredToolResults(meta map[string]any) []models.StoredToolResult {
	raw, ok := meta[metaToolCalls]
	if !ok {
		return nil
	}
	if typed, ok := raw.([]models.StoredToolResult); ok {
		return typed
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []models.StoredToolResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
