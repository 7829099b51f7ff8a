package session

import (
	"github.com/omochice/chatcore/pkg/protocol"
)

// FrameSource delivers realtime frames by type. *connection.Manager
// implements it.
type FrameSource interface {
	Handle(t protocol.FrameType, h func(protocol.Frame)) func()
}

// Attach folds realtime frames from src into the session:
//
//   - message_received for the open chat appends the message unless it
//     is already present; for another chat it only bumps that chat's
//     metadata.
//   - typing_start and typing_stop toggle IsTyping for the open chat.
//   - error sets Error.
//
// The returned function detaches every handler.
func (m *Manager) Attach(src FrameSource) func() {
	m.mustInit()
	cancels := []func(){
		src.Handle(protocol.FrameMessageReceived, m.onMessageReceived),
		src.Handle(protocol.FrameTypingStart, func(f protocol.Frame) { m.onTyping(f, true) }),
		src.Handle(protocol.FrameTypingStop, func(f protocol.Frame) { m.onTyping(f, false) }),
		src.Handle(protocol.FrameError, m.onError),
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (m *Manager) onMessageReceived(f protocol.Frame) {
	var payload protocol.MessageReceived
	if err := f.Payload(&payload); err != nil {
		m.logger.Warn().Err(err).Msg("dropping message frame")
		return
	}
	msg := payload.Message
	if err := msg.Validate(); err != nil {
		m.logger.Warn().Err(err).Msg("dropping invalid message frame")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	chatID := payload.ChatID
	if chatID == "" {
		chatID = m.current
	}
	if chatID == "" {
		return
	}

	if chatID == m.current {
		if !m.appendLocked(entry{id: Confirmed(msg.ID), msg: msg}) {
			return
		}
		if msg.Role == protocol.RoleAssistant {
			m.typing = false
		}
		m.notifyLocked()
		return
	}

	updatedAt := msg.Timestamp
	if updatedAt.IsZero() {
		updatedAt = m.clock.Now()
	}
	if m.updateChatLocked(chatID, func(c *protocol.Chat) {
		c.MessageCount++
		c.UpdatedAt = updatedAt
		c.LastMessagePreview = Preview(msg.Content)
	}) {
		m.notifyLocked()
	}
}

func (m *Manager) onTyping(f protocol.Frame, typing bool) {
	var payload protocol.Typing
	if err := f.Payload(&payload); err != nil {
		m.logger.Warn().Err(err).Msg("dropping typing frame")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" || (payload.ChatID != "" && payload.ChatID != m.current) {
		return
	}
	if m.typing == typing {
		return
	}
	m.typing = typing
	m.notifyLocked()
}

func (m *Manager) onError(f protocol.Frame) {
	var payload protocol.ErrorPayload
	if err := f.Payload(&payload); err != nil {
		m.logger.Warn().Err(err).Msg("dropping error frame")
		return
	}
	message := payload.Message
	if message == "" {
		message = "realtime error"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = message
	m.notifyLocked()
}
