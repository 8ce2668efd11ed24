package pipeline

import (
	"strings"

	"github.com/antoniostano/chatrelay/internal/llm"
	"github.com/antoniostano/chatrelay/internal/memory"
)

const summaryPreamble = "Summary of the earlier conversation:\n"

// BuildPrompt assembles the chat-completion messages: the system prompt,
// the summary as a system note, the retained history and finally the
// incoming message. The incoming message is normally already the last
// history turn, so a trailing user turn with the same text is dropped to
// avoid sending it twice.
func BuildPrompt(systemPrompt, summary string, history []memory.Turn, incoming string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+3)
	if s := strings.TrimSpace(systemPrompt); s != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: s})
	}
	if s := strings.TrimSpace(summary); s != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: summaryPreamble + s})
	}

	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Role == memory.RoleUser && strings.TrimSpace(last.Content) == strings.TrimSpace(incoming) {
			history = history[:n-1]
		}
	}
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == memory.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: incoming})
}
