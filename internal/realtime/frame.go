// ABOUTME: Wire envelope and event names for the realtime event bus
// ABOUTME: Every websocket text message is one JSON frame {"event": ..., "data": ...}

package realtime

import (
	"encoding/json"
	"fmt"
)

// Event names exchanged with the backend.
const (
	// EventJoinConversation is emitted by the client; data is the conversation ID string.
	EventJoinConversation = "joinConversation"
	// EventSendMessage is emitted by the client; data is the full Message.
	EventSendMessage = "sendMessage"
	// EventNewMessage is pushed by the server; data is a Message.
	EventNewMessage = "newMessage"
)

// Frame is a single event on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame for event.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// dedupeKey returns "event:id" when the payload carries a message identifier.
// Frames without one are never deduplicated.
func (f Frame) dedupeKey() string {
	var ref struct {
		ID string `json:"_id"`
	}
	if len(f.Data) == 0 || f.Data[0] != '{' {
		return ""
	}
	if err := json.Unmarshal(f.Data, &ref); err != nil || ref.ID == "" {
		return ""
	}
	return f.Event + ":" + ref.ID
}
