package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/omochice/chatcore/pkg/protocol"
)

// maxRequestSize bounds request bodies.
const maxRequestSize = 1 << 20

func writeData[T any](w http.ResponseWriter, status int, data T) {
	writeJSON(w, status, protocol.Envelope[T]{Data: &data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.Envelope[struct{}]{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats := s.store.list()
	writeData(w, http.StatusOK, protocol.ChatList{Chats: chats, Total: len(chats)})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	chat := s.store.create(s.clock.Now())
	s.logger.Info().Str("chat_id", chat.ID).Msg("chat created")
	writeData(w, http.StatusCreated, protocol.CreatedChat{ChatID: chat.ID, CreatedAt: chat.CreatedAt})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chat, messages, ok := s.store.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeData(w, http.StatusOK, protocol.ChatHistory{
		ChatID:    chat.ID,
		Messages:  messages,
		CreatedAt: chat.CreatedAt,
	})
}

// handleSendMessage stores the user message and the responder's reply.
// Sockets of the chat see typing_start, message_received and typing_stop.
// With stream set, the reply is delivered over the socket only.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var request protocol.SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(request.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if !s.store.exists(id) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	user := protocol.Message{
		ID:        uuid.NewString(),
		Role:      protocol.RoleUser,
		Content:   request.Message,
		Timestamp: s.clock.Now(),
	}

	s.push(id, protocol.FrameTypingStart, protocol.Typing{ChatID: id})
	response, err := s.responder(r.Context(), id, request.Message)
	if err != nil {
		s.push(id, protocol.FrameTypingStop, protocol.Typing{ChatID: id})
		s.logger.Warn().Err(err).Str("chat_id", id).Msg("responder failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	reply := protocol.Message{
		ID:        uuid.NewString(),
		Role:      protocol.RoleAssistant,
		Content:   response,
		Timestamp: s.clock.Now(),
	}
	if !s.store.exchange(id, user, reply) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	s.push(id, protocol.FrameMessageReceived, protocol.MessageReceived{ChatID: id, Message: reply})
	s.push(id, protocol.FrameTypingStop, protocol.Typing{ChatID: id})

	result := protocol.SendResult{
		ChatID:        id,
		MessageID:     reply.ID,
		UserMessageID: user.ID,
	}
	if !request.Stream {
		result.Response = reply.Content
	}
	writeData(w, http.StatusOK, result)
}
