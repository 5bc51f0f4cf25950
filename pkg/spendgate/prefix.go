package spendgate

import "github.com/amerfu/spendgate/pkg/llm"

// reorderForPrefixCaching front-loads system messages so providers
// that cache shared prompt prefixes see a stable leading block.
// Relative order is preserved within the system block and within the
// rest; a conversation that already leads with its system messages
// comes back untouched.
func reorderForPrefixCaching(messages []llm.Message) []llm.Message {
	if len(messages) < 2 {
		return messages
	}

	seenOther := false
	needsMove := false
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			if seenOther {
				needsMove = true
				break
			}
		} else {
			seenOther = true
		}
	}
	if !needsMove {
		return messages
	}

	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			out = append(out, m)
		}
	}
	for _, m := range messages {
		if m.Role != llm.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}
