// Package server is an in-memory development backend for the chat
// client: the REST API under /v1/chats/ and the realtime socket under
// /ws/{chat_id}.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/omochice/chatcore/internal/chat"
	"github.com/omochice/chatcore/internal/clock"
)

// Responder produces the assistant reply to a user message.
type Responder func(ctx context.Context, chatID, content string) (string, error)

// EchoResponder replies with the user's own message.
func EchoResponder(_ context.Context, _ string, content string) (string, error) {
	return "Echo: " + content, nil
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithResponder replaces EchoResponder.
func WithResponder(r Responder) Option {
	return func(s *Server) { s.responder = r }
}

// WithToken requires every request to carry "Authorization: Bearer token".
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// Server represents the development backend.
type Server struct {
	address   string
	listener  net.Listener
	server    *http.Server
	hub       *chat.Hub
	store     *store
	responder Responder
	token     string
	clock     clock.Clock
	logger    zerolog.Logger
	handler   http.Handler

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a new Server instance.
func New(address string, opts ...Option) *Server {
	s := &Server{
		address:   address,
		store:     newStore(),
		responder: EchoResponder,
		clock:     clock.Real(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = chat.NewHub(s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/chats/{$}", s.handleListChats)
	mux.HandleFunc("POST /v1/chats/{$}", s.handleCreateChat)
	mux.HandleFunc("GET /v1/chats/{id}", s.handleGetChat)
	mux.HandleFunc("POST /v1/chats/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /ws/{chat_id}", s.handleRealtime)
	s.handler = s.authenticate(mux)
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.handler}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("server started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server failed")
		}
	}()
	return nil
}

// Stop stops accepting requests, closes every realtime socket and waits
// for their goroutines.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.Close()
	return err
}

// Close closes every realtime socket and waits for their goroutines.
// Use it when serving Handler through another http.Server.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.hub.CloseAll()
	s.wg.Wait()
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected realtime sockets.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
