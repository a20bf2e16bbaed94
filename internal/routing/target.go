package routing

import "github.com/conclave-run/conclave/pkg/models"

// ResolveInput carries everything target resolution (spec §4.5 step 5)
// needs, already fetched by the caller.
type ResolveInput struct {
	// EventTargetID/EventTargetQueue come from the source event's metadata,
	// set by a prior LLM-call response (priority 1).
	EventTargetID    string
	EventTargetQueue []string

	SenderID   string
	SenderType models.SenderType
	Content    string

	// KnownNames maps an @mention token to a participant id, covering both
	// agent-name and thread-participant-id matches.
	KnownNames map[string]string

	// Participants lists the thread's participant ids in join order.
	Participants []string
	// IsAgent reports whether a participant id names an agent.
	IsAgent func(participantID string) bool

	// ParticipantTargets is thread.Metadata's persisted senderId->targetId map.
	ParticipantTargets map[string]string
}

// Resolution is the outcome of target resolution.
type Resolution struct {
	TargetID           string
	TargetQueue        []string
	PersistTarget      bool   // whether to persist ParticipantTargets[SenderID] = TargetID
	PersistedSenderID  string
	NoTarget           bool
}

// Resolve implements spec §4.5 step 5's priority chain.
func Resolve(in ResolveInput) Resolution {
	// 1. Prior LLM-call response already set a target on the event.
	if in.EventTargetID != "" {
		return Resolution{TargetID: in.EventTargetID, TargetQueue: in.EventTargetQueue}
	}

	// 2. Tool results route back to the requesting agent.
	if in.SenderType == models.SenderTool {
		if target, ok := in.ParticipantTargets[in.SenderID]; ok && target != "" {
			return Resolution{TargetID: target}
		}
	}

	// 3. @mentions.
	mentions := ParseMentions(in.Content)
	var resolvedMentions []string
	for _, m := range mentions {
		if id, ok := in.KnownNames[m]; ok {
			resolvedMentions = append(resolvedMentions, id)
		}
	}
	if len(resolvedMentions) > 0 {
		target := resolvedMentions[0]
		queue := append([]string{}, resolvedMentions[1:]...)
		if !containsString(queue, in.SenderID) && in.SenderID != target {
			queue = append(queue, in.SenderID)
		}
		return Resolution{
			TargetID:          target,
			TargetQueue:       queue,
			PersistTarget:     true,
			PersistedSenderID: in.SenderID,
		}
	}

	// 4. Reuse the sender's last persisted target, if it still names an agent.
	if target, ok := in.ParticipantTargets[in.SenderID]; ok && target != "" {
		if in.IsAgent == nil || in.IsAgent(target) {
			return Resolution{TargetID: target}
		}
	}

	// 5. First agent participant that is not the sender.
	for _, p := range in.Participants {
		if p == in.SenderID {
			continue
		}
		if in.IsAgent != nil && in.IsAgent(p) {
			return Resolution{
				TargetID:          p,
				PersistTarget:     true,
				PersistedSenderID: in.SenderID,
			}
		}
	}

	// 6. No target, no follow-up.
	return Resolution{NoTarget: true}
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// LoopGuardInput carries the loop-guard decision's inputs (spec §4.5 step 6).
type LoopGuardInput struct {
	SenderType      models.SenderType
	TargetID        string
	IsAgentTarget   bool
	AgentTurnCount  int
	MaxAgentTurns   int
	// FirstNonAgentParticipant is the thread's first participant that is not
	// an agent, used when the turn limit is reached.
	FirstNonAgentParticipant string
}

// LoopGuardOutcome is the loop guard's decision.
type LoopGuardOutcome struct {
	NewTurnCount int
	ForcedTarget string // non-empty when the target was forced to break a loop
	Forced       bool
}

// ApplyLoopGuard implements spec §4.5 step 6.
func ApplyLoopGuard(in LoopGuardInput) LoopGuardOutcome {
	if in.SenderType == models.SenderUser {
		return LoopGuardOutcome{NewTurnCount: 0}
	}

	if in.SenderType == models.SenderAgent && in.IsAgentTarget {
		count := in.AgentTurnCount + 1
		if in.MaxAgentTurns > 0 && count >= in.MaxAgentTurns {
			return LoopGuardOutcome{
				NewTurnCount: 0,
				ForcedTarget: in.FirstNonAgentParticipant,
				Forced:       true,
			}
		}
		return LoopGuardOutcome{NewTurnCount: count}
	}

	// Any other sender/target pair (e.g. a non-agent target, or a tool or
	// system sender): reset the counter.
	return LoopGuardOutcome{NewTurnCount: 0}
}
