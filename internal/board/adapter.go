package board

import "github.com/steveyegge/pilot/internal/bus"

// MessageContext adapts a bus.Message to Contextualizable so agentloop can
// call InjectContext directly on a batch of ReadMessages results.
type MessageContext struct {
	bus.Message
}

// ContextFiles reads a "files" key out of the message payload's data map, if
// present — the convention producers (worktree, claim) use when notifying
// about file-touching work.
func (m MessageContext) ContextFiles() []string {
	data, ok := m.Payload.Data.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := data["files"].([]any)
	if !ok {
		return nil
	}
	files := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			files = append(files, s)
		}
	}
	return files
}

// ContextTopic returns the message's topic.
func (m MessageContext) ContextTopic() string {
	return m.Topic
}

// WrapMessages adapts a slice of bus.Message into Contextualizable for
// InjectContext.
func WrapMessages(msgs []bus.Message) []Contextualizable {
	out := make([]Contextualizable, len(msgs))
	for i, m := range msgs {
		out[i] = MessageContext{Message: m}
	}
	return out
}
