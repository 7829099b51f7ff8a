// Package protocol defines the chat backend's wire schema: the REST
// resources and envelopes, and the JSON frames pushed over the realtime
// socket.
package protocol

import (
	"fmt"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// String returns the string representation of Role
func (r Role) String() string {
	if !r.Valid() {
		return "unknown"
	}
	return string(r)
}

// Chat identifies a conversation. Optional fields are omitted from the
// wire when unset.
type Chat struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at,omitzero"`
	MessageCount       int       `json:"message_count,omitempty"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
}

// Message is a single chat message as presented to callers. Provisional
// messages carry a locally generated ID with ProvisionalPrefix.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields a server-sent message must carry.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	return nil
}

// ProvisionalPrefix marks the IDs of messages not yet confirmed by the
// server.
const ProvisionalPrefix = "temp-"
