package protocol

import "time"

// Envelope is the shape of every REST response. Exactly one of Data or
// Error is expected; a body carrying Error is an application-level
// failure even on a 2xx status.
type Envelope[T any] struct {
	Data  *T     `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// ChatList is the payload of GET /v1/chats/.
type ChatList struct {
	Chats []Chat `json:"chats"`
	Total int    `json:"total"`
}

// CreatedChat is the payload of POST /v1/chats/.
type CreatedChat struct {
	ChatID    string    `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatHistory is the payload of GET /v1/chats/{id}.
type ChatHistory struct {
	ChatID    string    `json:"chat_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// SendMessageRequest is the body of POST /v1/chats/{id}/messages.
type SendMessageRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream,omitempty"`
}

// SendResult is the payload of POST /v1/chats/{id}/messages.
//
// MessageID identifies the assistant reply. Response is empty when the
// reply is delivered over the realtime socket instead. UserMessageID is
// set by backends that assign the sent message its own server id.
type SendResult struct {
	ChatID        string `json:"chat_id"`
	MessageID     string `json:"message_id"`
	UserMessageID string `json:"user_message_id,omitempty"`
	Response      string `json:"response,omitempty"`
}
