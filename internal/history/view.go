// Package history projects a thread's persisted messages into the chat
// transcript a specific participant's LLM call sees (spec §4.4), grounded
// in the teacher's internal/agent/context packer shape but restructured
// around per-viewer role assignment instead of token-budget trimming —
// history view output is always the full restartable sequence.
package history

import (
	"fmt"
	"sort"

	"github.com/conclave-run/conclave/pkg/models"
)

// Options configures View's per-message annotations.
type Options struct {
	// IncludeTargetContext prepends an "(addressed to: ...)" hint to user
	// rows so a listening agent can tell a message was not addressed to it.
	IncludeTargetContext bool
}

// Namer resolves a participant ID to the display name used in "[Name]:"
// prefixes. Returning "" falls back to the raw ID.
type Namer func(participantID string) string

// View linearizes messages, ordered by CreatedAt ascending, into the chat
// transcript viewerID sees:
//
//   - Messages viewerID sent become role assistant.
//   - Other senders' messages become role user, or role tool when
//     senderType is tool.
//   - Non-viewer senders' content is prefixed "[Name]: " so the LLM can
//     disambiguate speakers.
//   - Tool-authored messages carry ToolCallID so providers can correlate
//     the result with its originating call.
func View(messages []*models.Message, viewerID string, namer Namer, opts Options) []models.ChatMessage {
	ordered := make([]*models.Message, 0, len(messages))
	for _, m := range messages {
		if m != nil {
			ordered = append(ordered, m)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	out := make([]models.ChatMessage, 0, len(ordered))
	for _, m := range ordered {
		out = append(out, viewMessage(m, viewerID, namer, opts))
	}
	return out
}

func viewMessage(m *models.Message, viewerID string, namer Namer, opts Options) models.ChatMessage {
	isViewer := m.SenderID == viewerID

	role := models.ChatRoleUser
	switch {
	case isViewer:
		role = models.ChatRoleAssistant
	case m.SenderType == models.SenderTool:
		role = models.ChatRoleTool
	}

	content := m.Content
	if !isViewer && role != models.ChatRoleTool {
		content = fmt.Sprintf("[%s]: %s", displayName(m.SenderID, namer), content)
	}
	if opts.IncludeTargetContext && role == models.ChatRoleUser {
		if hint := targetHint(m, viewerID, namer); hint != "" {
			content = hint + " " + content
		}
	}

	chat := models.ChatMessage{
		Role:       role,
		Content:    content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	if role == models.ChatRoleTool {
		chat.Name = displayName(m.SenderID, namer)
	}
	return chat
}

// targetHint renders an "(addressed to: X)" annotation when the message was
// routed to someone other than viewerID, so a non-addressed listener knows
// the turn was not meant for it (spec §4.4 includeTargetContext).
func targetHint(m *models.Message, viewerID string, namer Namer) string {
	if m.TargetID == "" || m.TargetID == viewerID {
		return ""
	}
	return fmt.Sprintf("(addressed to: %s)", displayName(m.TargetID, namer))
}

func displayName(id string, namer Namer) string {
	if namer != nil {
		if name := namer(id); name != "" {
			return name
		}
	}
	return id
}
