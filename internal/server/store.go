package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/chatcore/internal/session"
	"github.com/omochice/chatcore/pkg/protocol"
)

type chatRecord struct {
	chat     protocol.Chat
	messages []protocol.Message
}

// store keeps chats in memory, newest first.
type store struct {
	mu    sync.RWMutex
	chats map[string]*chatRecord
	order []string
}

func newStore() *store {
	return &store{chats: make(map[string]*chatRecord)}
}

func (s *store) create(now time.Time) protocol.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat := protocol.Chat{ID: uuid.NewString(), CreatedAt: now}
	s.chats[chat.ID] = &chatRecord{chat: chat}
	s.order = append([]string{chat.ID}, s.order...)
	return chat
}

func (s *store) list() []protocol.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chats := make([]protocol.Chat, 0, len(s.order))
	for _, id := range s.order {
		chats = append(chats, s.chats[id].chat)
	}
	return chats
}

func (s *store) exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chats[id]
	return ok
}

func (s *store) get(id string) (protocol.Chat, []protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.chats[id]
	if !ok {
		return protocol.Chat{}, nil, false
	}
	return record.chat, append([]protocol.Message{}, record.messages...), true
}

// exchange records a user message and its reply. The first exchange
// titles the chat.
func (s *store) exchange(id string, user, reply protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.chats[id]
	if !ok {
		return false
	}
	record.messages = append(record.messages, user, reply)
	record.chat.MessageCount = len(record.messages)
	record.chat.UpdatedAt = reply.Timestamp
	record.chat.LastMessagePreview = session.Preview(user.Content)
	return true
}
