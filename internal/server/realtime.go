package server

import (
	"context"
	"net/http"

	"github.com/omochice/chatcore/internal/auth"
	"github.com/omochice/chatcore/internal/chat"
	"github.com/omochice/chatcore/internal/transport/ws"
	"github.com/omochice/chatcore/pkg/protocol"
)

// push sends a frame to every socket of chatID.
func (s *Server) push(chatID string, t protocol.FrameType, payload any) {
	data, err := protocol.EncodeFrame(t, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", t.String()).Msg("failed to encode frame")
		return
	}
	s.hub.Broadcast(chatID, data, nil)
}

// handleRealtime upgrades GET /ws/{chat_id}?user_id=... to a socket
// subscribed to the chat.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	if !s.store.exists(chatID) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = auth.AnonymousUserID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	conn, err := ws.Accept(w, r)
	if err != nil {
		s.wg.Done()
		s.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := chat.NewClient(conn, chatID, userID)
	s.hub.Register(client)
	s.logger.Info().
		Str("chat_id", chatID).
		Str("user_id", userID).
		Str("remote_addr", conn.RemoteAddr()).
		Msg("socket connected")

	go s.handleClient(client)
}

// handleClient relays the client's typing frames to the rest of the room
// until the socket closes.
func (s *Server) handleClient(client *chat.Client) {
	defer s.wg.Done()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range client.Outgoing {
			if err := client.Conn.Write(context.Background(), data); err != nil {
				s.logger.Warn().Err(err).Msg("failed to send frame to client")
				return
			}
		}
	}()

	defer func() {
		s.hub.Unregister(client)
		close(client.Outgoing)
		_ = client.Conn.Close()
		<-done
		s.logger.Info().Str("chat_id", client.ChatID).Msg("socket disconnected")
	}()

	for {
		data, err := client.Conn.Read(context.Background())
		if err != nil {
			if code, ok := ws.CloseCode(err); !ok || (code != ws.StatusNormalClosure && code != ws.StatusGoingAway) {
				s.logger.Debug().Err(err).Msg("socket read ended")
			}
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch frame.Type {
		case protocol.FrameTypingStart, protocol.FrameTypingStop:
			var typing protocol.Typing
			if err := frame.Payload(&typing); err != nil {
				continue
			}
			typing.ChatID = client.ChatID
			typing.UserID = client.UserID
			out, err := protocol.EncodeFrame(frame.Type, typing)
			if err != nil {
				continue
			}
			s.hub.Broadcast(client.ChatID, out, client)
		default:
			s.logger.Debug().Str("type", frame.Type.String()).Msg("ignoring client frame")
		}
	}
}
