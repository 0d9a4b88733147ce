// Package llm holds the provider-neutral chat types passed through the relay.
package llm

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn. The relay forwards it verbatim; each provider
// maps it onto its own request shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SplitSystem separates system messages from the conversation, joining their
// content with blank lines. Providers with a dedicated system field use it.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != RoleSystem {
			rest = append(rest, m)
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += m.Content
	}
	return system, rest
}
