// Package notify broadcasts speaker events to connected UI clients.
package notify

import (
	"encoding/json"

	"github.com/lexiqai/smart-speaker/internal/dialog"
)

// Event types
const (
	TypeStatusUpdate        = "status_update"
	TypeUserSpeech          = "user_speech"
	TypeAISpeechChunk       = "ai_speech_chunk"
	TypeConversationHistory = "conversation_history"
	TypeNewSession          = "new_session"
)

// UI states carried by status updates
const (
	StateIdle       = "idle"
	StateSpeaking   = "speaking"
	StateProcessing = "processing"
	StateListening  = "listening"
)

// Event is one notification. Only the fields of its type are encoded.
type Event struct {
	Type    string
	State   string
	Message string
	Text    string
	Chunk   string
	History []dialog.Turn
}

// Sink receives notifications. Notify must not block.
type Sink interface {
	Notify(e Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(e Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// Discard drops every event
var Discard Sink = SinkFunc(func(Event) {})

func StatusUpdate(state, message string) Event {
	return Event{Type: TypeStatusUpdate, State: state, Message: message}
}

func UserSpeech(text string) Event {
	return Event{Type: TypeUserSpeech, Text: text}
}

func AISpeechChunk(chunk string) Event {
	return Event{Type: TypeAISpeechChunk, Chunk: chunk}
}

// ConversationHistory carries the turns without the persona turn.
func ConversationHistory(turns []dialog.Turn) Event {
	visible := make([]dialog.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != dialog.RoleSystem {
			visible = append(visible, t)
		}
	}
	return Event{Type: TypeConversationHistory, History: visible}
}

func NewSession() Event {
	return Event{Type: TypeNewSession}
}

// MarshalJSON encodes the flat wire form of the event.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeStatusUpdate:
		return json.Marshal(struct {
			Type    string `json:"type"`
			State   string `json:"state"`
			Message string `json:"message"`
		}{e.Type, e.State, e.Message})
	case TypeUserSpeech:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{e.Type, e.Text})
	case TypeAISpeechChunk:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Chunk string `json:"chunk"`
		}{e.Type, e.Chunk})
	case TypeConversationHistory:
		history := e.History
		if history == nil {
			history = []dialog.Turn{}
		}
		return json.Marshal(struct {
			Type    string        `json:"type"`
			History []dialog.Turn `json:"history"`
		}{e.Type, history})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{e.Type})
	}
}
