package domain

import "strings"

// InsertBeforeLast returns a copy of msgs with m placed at index len-2.
// Histories of two messages or fewer are returned unchanged (as a copy).
func InsertBeforeLast(msgs []ChatMessage, m ChatMessage) []ChatMessage {
	if len(msgs) <= 2 {
		out := make([]ChatMessage, len(msgs))
		copy(out, msgs)
		return out
	}

	at := len(msgs) - 2
	out := make([]ChatMessage, 0, len(msgs)+1)
	out = append(out, msgs[:at]...)
	out = append(out, m)
	out = append(out, msgs[at:]...)
	return out
}

// MergeRoles rewrites msgs for providers that only accept two strictly
// alternating authors. System messages count as user turns and consecutive
// turns of the same author are joined with a newline.
func MergeRoles(msgs []ChatMessage) []ChatMessage {
	var out []ChatMessage
	var parts []string
	var current Role

	flush := func() {
		if len(parts) == 0 {
			return
		}
		out = append(out, ChatMessage{Role: current, Content: strings.Join(parts, "\n"), Display: true})
		parts = parts[:0]
	}

	for _, m := range msgs {
		role := m.Role
		if role == RoleSystem {
			role = RoleUser
		}
		if role != current {
			flush()
			current = role
		}
		parts = append(parts, m.Content)
	}
	flush()

	return out
}

// JoinContents concatenates every message content on its own line.
func JoinContents(msgs []ChatMessage) string {
	contents := make([]string, len(msgs))
	for i, m := range msgs {
		contents[i] = m.Content
	}
	return strings.Join(contents, "\n")
}
