package conversation

import (
	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
)

// MergeClientHistory reconciles a client-sent message list with the
// authoritative history of a live conversation. The server copy wins
// wholesale; from the client we keep only the trailing user turn, and
// within it tool_result blocks only when they answer a tool call the
// authoritative history left open.
func MergeClientHistory(state *domain.ConversationState, clientMessages []converter.ClaudeMessage) []converter.ClaudeMessage {
	authoritative := History(state)
	if len(authoritative) == 0 {
		return clientMessages
	}

	open := openToolUses(authoritative)

	// The client's new contribution is its trailing run of user
	// messages; everything before that is its (distrusted) copy of
	// history we already hold.
	start := len(clientMessages)
	for start > 0 && clientMessages[start-1].Role == "user" {
		start--
	}

	merged := make([]converter.ClaudeMessage, len(authoritative), len(authoritative)+len(clientMessages)-start)
	copy(merged, authoritative)

	for _, msg := range clientMessages[start:] {
		var kept converter.ContentBlocks
		for _, block := range msg.Content {
			if block.Type == "tool_result" {
				if !open[block.ToolUseID] {
					continue
				}
				delete(open, block.ToolUseID)
			}
			kept = append(kept, block)
		}
		if len(kept) == 0 {
			continue
		}
		merged = append(merged, converter.ClaudeMessage{Role: "user", Content: kept})
	}

	return merged
}

// openToolUses returns the tool_use ids of the last assistant message
// that no later tool_result has answered.
func openToolUses(messages []converter.ClaudeMessage) map[string]bool {
	open := map[string]bool{}
	lastAssistant := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			lastAssistant = i
			break
		}
	}
	if lastAssistant < 0 {
		return open
	}
	for _, block := range messages[lastAssistant].Content {
		if block.Type == "tool_use" && block.ID != "" {
			open[block.ID] = true
		}
	}
	for _, msg := range messages[lastAssistant+1:] {
		for _, block := range msg.Content {
			if block.Type == "tool_result" {
				delete(open, block.ToolUseID)
			}
		}
	}
	return open
}
