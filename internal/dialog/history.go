// Package dialog holds the conversation history and turns a streamed reply
// into spoken sentences.
package dialog

import "sync"

// Role of a conversation turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of the conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is the conversation so far. The first turn is always the persona
// system turn; Reset truncates back to it.
type History struct {
	mu      sync.RWMutex
	persona Turn
	turns   []Turn
}

// NewHistory starts a session with the persona prompt.
func NewHistory(persona string) *History {
	h := &History{persona: Turn{Role: RoleSystem, Content: persona}}
	h.turns = []Turn{h.persona}
	return h
}

// Append adds a turn.
func (h *History) Append(role Role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Role: role, Content: content})
}

// Reset starts a new session.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = []Turn{h.persona}
}

// Snapshot returns a copy of every turn, persona first.
func (h *History) Snapshot() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Turn(nil), h.turns...)
}

// Conversation returns the turns after the persona.
func (h *History) Conversation() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Turn(nil), h.turns[1:]...)
}

// Len counts all turns including the persona.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}
