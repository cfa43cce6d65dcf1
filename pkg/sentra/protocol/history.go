package protocol

import "strings"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConvertHistory rewrites stored history into the tool-calling layout the
// model expects. Tool calls recorded inside <sentra-result> blocks of user
// messages are hoisted into a synthetic assistant message carrying a
// <sentra-tools> block, placed after the user question of that turn.
// System messages and assistant messages holding a full <sentra-response>
// are dropped.
func ConvertHistory(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleUser:
			if !ContainsTag(m.Content, TagResult) {
				out = append(out, m)
				continue
			}
			if q, ok := ExtractTag(m.Content, TagUserQuestion); ok {
				out = append(out, Message{
					Role:    RoleUser,
					Content: "<" + TagUserQuestion + ">\n" + strings.Trim(q, "\n") + "\n</" + TagUserQuestion + ">",
				})
			}
			if invs := invocationsFromResults(m.Content); len(invs) > 0 {
				out = append(out, Message{Role: RoleAssistant, Content: BuildToolsBlock(invs)})
			}
		case RoleAssistant:
			if ContainsTag(m.Content, TagResponse) {
				continue
			}
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	return out
}

func invocationsFromResults(content string) []Invocation {
	var invs []Invocation
	for _, block := range ExtractAllTags(content, TagResult) {
		name, ok := ExtractTag(block, "aiName")
		name = strings.TrimSpace(UnescapeHTML(name))
		if !ok || name == "" || name == "none" {
			continue
		}
		args, ok := ExtractTag(block, "args")
		if !ok {
			continue
		}
		invs = append(invs, Invocation{Name: name, Params: leafParams(args)})
	}
	return invs
}
