package session

import "github.com/omochice/chatcore/pkg/protocol"

// MessageID identifies a message in the session. A provisional id is
// generated locally for an optimistic user message; a confirmed id was
// assigned by the backend. The two never compare equal, even when the
// underlying strings match.
type MessageID struct {
	value       string
	provisional bool
}

// Provisional returns the id of a not yet confirmed message.
func Provisional(local string) MessageID {
	return MessageID{value: local, provisional: true}
}

// Confirmed returns a backend-assigned id.
func Confirmed(server string) MessageID {
	return MessageID{value: server}
}

// IsProvisional reports whether the message awaits confirmation.
func (id MessageID) IsProvisional() bool {
	return id.provisional
}

// IsZero reports whether id is unset.
func (id MessageID) IsZero() bool {
	return id == MessageID{}
}

// String returns the presentation form: provisional ids carry
// protocol.ProvisionalPrefix.
func (id MessageID) String() string {
	if id.provisional {
		return protocol.ProvisionalPrefix + id.value
	}
	return id.value
}

// entry is a message as held by the session, with its tagged id.
type entry struct {
	id  MessageID
	msg protocol.Message
}

func (e entry) presented() protocol.Message {
	m := e.msg
	m.ID = e.id.String()
	return m
}
