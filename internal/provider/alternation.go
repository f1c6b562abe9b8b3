package provider

import "strings"

// alternate merges consecutive messages of the same role so the sequence
// strictly alternates user/assistant and starts with a user turn, which is
// what Anthropic and Gemini require. System messages must be split off first.
func alternate(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		if len(out) == 0 && role == RoleAssistant {
			out = append(out, Message{Role: RoleUser, Content: "Continue."})
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			prev := &out[n-1]
			prev.Content = joinNonEmpty(prev.Content, m.Content)
			prev.Images = append(prev.Images, m.Images...)
			prev.ToolCalls = append(prev.ToolCalls, m.ToolCalls...)
			prev.ToolResults = append(prev.ToolResults, m.ToolResults...)
			continue
		}
		cp := m
		cp.Role = role
		out = append(out, cp)
	}
	return out
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

// splitDataURL parses "data:<mime>;base64,<payload>". ok is false for
// anything else (plain URLs are passed through by providers that accept them).
func splitDataURL(s string) (mediaType, payload string, ok bool) {
	if !strings.HasPrefix(s, "data:") {
		return "", "", false
	}
	head, data, found := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !found || !strings.HasSuffix(head, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(head, ";base64"), data, true
}
