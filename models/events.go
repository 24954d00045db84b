package models

import (
	"encoding/json"
	"fmt"
)

// Inbound events.
const (
	EventFetchMessages = "fetch_messages"
	EventSendMessage   = "send_message"
	EventDeleteMessage = "delete_message"
	EventUpdateMessage = "update_message"
	EventDisconnect    = "disconnect"
)

// Outbound events.
const (
	EventMessagesFetched = "messages_fetched"
	EventNewMessage      = "new_message"
	EventMessageDeleted  = "message_deleted"
	EventMessageUpdated  = "message_updated"
	EventError           = "error"
)

// Frame is the unit exchanged over a session in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload as the data of an event frame.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: b}, nil
}

// ErrorFrame builds a private error frame with a human-readable message.
func ErrorFrame(message string) Frame {
	f, _ := NewFrame(EventError, ErrorPayload{Message: message})
	return f
}

type FetchRequest struct {
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Offset    *int   `json:"offset"`
	Limit     *int   `json:"limit"`
}

type DeleteRequest struct {
	MessageID string `json:"messageId"`
}

type UpdateRequest struct {
	MessageID  string `json:"messageId"`
	NewMessage string `json:"newMessage"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

type MessageUpdated struct {
	MessageID  string `json:"messageId"`
	NewMessage string `json:"newMessage"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
