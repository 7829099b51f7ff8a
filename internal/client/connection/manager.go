// Package connection owns the realtime socket for the currently open chat.
// It tracks the connection lifecycle, reconnects after unexpected closures
// with exponential backoff, and dispatches inbound frames by type.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/omochice/chatcore/internal/auth"
	"github.com/omochice/chatcore/internal/clock"
	"github.com/omochice/chatcore/internal/transport/ws"
	"github.com/omochice/chatcore/pkg/protocol"
)

var (
	// ErrEmptyChatID is returned by Connect when no chat is given.
	ErrEmptyChatID = errors.New("connection: chat id is required")
	// ErrNotConnected is returned by Send while the socket is not open.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("connection: manager closed")
)

// Socket is one open realtime connection. *ws.Conn implements it.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	CloseWith(code int, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Socket, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, rawURL string, header http.Header) (Socket, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context, rawURL string, header http.Header) (Socket, error) {
	return f(ctx, rawURL, header)
}

// WebSocketDialer dials with the gobwas-based transport.
func WebSocketDialer() Dialer {
	return DialFunc(func(ctx context.Context, rawURL string, header http.Header) (Socket, error) {
		conn, err := ws.Dial(ctx, rawURL, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// URLFunc computes the socket URL for a chat and user.
type URLFunc func(chatID, userID string) (string, error)

// ChatURL returns a URLFunc producing base + "/ws/{chatID}?user_id={userID}".
func ChatURL(base string) URLFunc {
	return func(chatID, userID string) (string, error) {
		u, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("invalid realtime url %q: %w", base, err)
		}
		prefix := strings.TrimRight(u.EscapedPath(), "/")
		u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + chatID
		u.RawPath = prefix + "/ws/" + url.PathEscape(chatID)
		q := u.Query()
		q.Set("user_id", userID)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
}

// Config holds configuration for creating a Manager.
type Config struct {
	// URL builds the socket address. Required.
	URL URLFunc
	// Dialer defaults to WebSocketDialer().
	Dialer Dialer
	// Tokens supplies the bearer token sent with the handshake. Nil
	// means anonymous.
	Tokens auth.TokenProvider
	// Clock schedules reconnection timers. Defaults to clock.Real().
	Clock clock.Clock
	// Backoff defaults to DefaultBackoff() when zero.
	Backoff Backoff
	// DialTimeout bounds each handshake. Zero means 10s.
	DialTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

type handlerEntry struct {
	id int
	fn func(protocol.Frame)
}

// Manager owns at most one live socket. All methods are safe for
// concurrent use.
type Manager struct {
	url         URLFunc
	dialer      Dialer
	tokens      auth.TokenProvider
	clock       clock.Clock
	backoff     Backoff
	delays      *backoff.ExponentialBackOff
	dialTimeout time.Duration
	logger      zerolog.Logger

	mu    sync.Mutex
	state State
	// gen identifies the current connection episode. Sockets, dials and
	// timers started under an older generation are discarded.
	gen      uint64
	socket   Socket
	attempts int
	chatID   string
	userID   string
	timer    clock.Timer
	closed   bool

	nextID   int
	handlers map[protocol.FrameType][]handlerEntry
	subs     map[int]chan State

	wg sync.WaitGroup
}

// New creates a Manager in the Disconnected state.
func New(cfg Config) (*Manager, error) {
	if cfg.URL == nil {
		return nil, errors.New("connection: URL is required")
	}

	policy := cfg.Backoff
	if policy == (Backoff{}) {
		policy = DefaultBackoff()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}

	m := &Manager{
		url:         cfg.URL,
		dialer:      cfg.Dialer,
		tokens:      cfg.Tokens,
		clock:       cfg.Clock,
		backoff:     policy,
		delays:      policy.schedule(),
		dialTimeout: cfg.DialTimeout,
		logger:      zerolog.Nop(),
		handlers:    make(map[protocol.FrameType][]handlerEntry),
		subs:        make(map[int]chan State),
	}
	if m.dialer == nil {
		m.dialer = WebSocketDialer()
	}
	if m.tokens == nil {
		m.tokens = auth.Anonymous
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = 10 * time.Second
	}
	if cfg.Logger != nil {
		m.logger = cfg.Logger.With().Str("component", "connection").Logger()
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ChatID returns the chat the manager is bound to, or "" when none.
func (m *Manager) ChatID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatID
}

// Subscribe returns a channel receiving every state transition in order.
// Transitions are dropped, with a warning, when the channel is full.
func (m *Manager) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.closed {
		close(ch)
	} else {
		m.subs[id] = ch
	}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

// Handle registers h for frames of type t. Handlers run on the read
// goroutine in registration order and must not block. The returned
// function unregisters h.
func (m *Manager) Handle(t protocol.FrameType, h func(protocol.Frame)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[t] = append(m.handlers[t], handlerEntry{id: id, fn: h})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.handlers[t]
		for i, e := range entries {
			if e.id == id {
				m.handlers[t] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Connect opens a socket for chatID on behalf of userID. It is a no-op
// while a socket is already open. Otherwise any pending reconnection or
// in-flight handshake is abandoned and a fresh attempt is made.
//
// Connect blocks for the handshake. A failed handshake is not returned
// as an error: it enters the reconnection schedule, observable through
// State and Subscribe.
func (m *Manager) Connect(ctx context.Context, chatID, userID string) error {
	if chatID == "" {
		return ErrEmptyChatID
	}
	if userID == "" {
		userID = auth.AnonymousUserID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state.Phase == Open {
		m.mu.Unlock()
		return nil
	}

	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	stale := m.socket
	m.socket = nil
	m.chatID = chatID
	m.userID = userID
	m.resetAttemptsLocked()
	m.setStateLocked(State{Phase: Connecting})
	m.mu.Unlock()

	if stale != nil {
		_ = stale.CloseWith(ws.StatusNormalClosure, "")
	}

	m.open(ctx, gen, chatID, userID)
	return nil
}

// Disconnect closes the socket with a normal closure and cancels any
// pending reconnection. It is safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.gen++
	socket := m.socket
	m.socket = nil
	m.resetAttemptsLocked()
	m.setStateLocked(State{Phase: Disconnected})
	m.mu.Unlock()

	if socket != nil {
		_ = socket.CloseWith(ws.StatusNormalClosure, "")
		m.logger.Info().Msg("disconnected")
	}
}

// Close disconnects, waits for the read goroutine to finish and closes
// every subscriber channel. The manager cannot be reused.
func (m *Manager) Close() {
	m.Disconnect()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

// Send writes a frame of type t whose fields are taken from payload.
func (m *Manager) Send(ctx context.Context, t protocol.FrameType, payload any) error {
	data, err := protocol.EncodeFrame(t, payload)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	m.mu.Lock()
	socket := m.socket
	m.mu.Unlock()

	if socket == nil {
		return ErrNotConnected
	}
	if err := socket.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// open performs one handshake for generation gen.
func (m *Manager) open(ctx context.Context, gen uint64, chatID, userID string) {
	rawURL, err := m.url(chatID, userID)
	if err != nil {
		m.failed(gen, err)
		return
	}

	header := http.Header{}
	token, err := m.tokens.Token(ctx)
	if err != nil {
		m.failed(gen, fmt.Errorf("failed to get auth token: %w", err))
		return
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	socket, err := m.dialer.Dial(dialCtx, rawURL, header)
	if err != nil {
		m.failed(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = socket.CloseWith(ws.StatusNormalClosure, "")
		return
	}
	m.socket = socket
	m.resetAttemptsLocked()
	m.setStateLocked(State{Phase: Open})
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info().Str("chat_id", chatID).Msg("connected")
	go m.readLoop(gen, socket)
}

func (m *Manager) failed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.logger.Warn().Err(err).Int("attempt", m.attempts).Msg("failed to open realtime socket")
	m.scheduleReconnectLocked()
}

func (m *Manager) readLoop(gen uint64, socket Socket) {
	defer m.wg.Done()

	for {
		data, err := socket.Read(context.Background())
		if err != nil {
			m.handleClosed(gen, socket, err)
			return
		}
		m.dispatch(data)
	}
}

// handleClosed reacts to the end of a socket. Normal and going-away
// closures are final; anything else is retried.
func (m *Manager) handleClosed(gen uint64, socket Socket, err error) {
	code, hasCode := ws.CloseCode(err)

	m.mu.Lock()
	if gen != m.gen || m.socket != socket {
		m.mu.Unlock()
		return
	}
	m.socket = nil

	if hasCode && (code == ws.StatusNormalClosure || code == ws.StatusGoingAway) {
		m.resetAttemptsLocked()
		m.setStateLocked(State{Phase: Disconnected})
		m.mu.Unlock()
		m.logger.Info().Int("code", code).Msg("socket closed by server")
		_ = socket.CloseWith(code, "")
		return
	}

	event := m.logger.Warn().Err(err)
	if hasCode {
		event = event.Int("code", code)
	}
	event.Msg("socket closed unexpectedly")
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	_ = socket.CloseWith(ws.StatusNormalClosure, "")
}

func (m *Manager) scheduleReconnectLocked() {
	m.attempts++
	if m.attempts > m.backoff.MaxAttempts {
		m.logger.Warn().Int("attempts", m.attempts-1).Msg("giving up on reconnection")
		m.resetAttemptsLocked()
		m.setStateLocked(State{Phase: Disconnected, Exhausted: true})
		return
	}

	delay := m.delays.NextBackOff()
	gen := m.gen
	m.setStateLocked(State{Phase: Reconnecting, Attempt: m.attempts, Delay: delay})
	m.logger.Info().Int("attempt", m.attempts).Dur("delay", delay).Msg("scheduling reconnection")
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state.Phase != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	chatID, userID := m.chatID, m.userID
	m.setStateLocked(State{Phase: Connecting, Attempt: m.attempts})
	m.mu.Unlock()

	m.open(context.Background(), gen, chatID, userID)
}

func (m *Manager) resetAttemptsLocked() {
	m.attempts = 0
	m.delays.Reset()
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if s == m.state {
		return
	}
	m.state = s
	m.logger.Debug().Str("state", s.String()).Msg("connection state changed")

	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			m.logger.Warn().Str("state", s.String()).Msg("state subscriber is full, dropping transition")
		}
	}
}

func (m *Manager) dispatch(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		m.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		return
	}

	m.mu.Lock()
	entries := append([]handlerEntry(nil), m.handlers[frame.Type]...)
	m.mu.Unlock()

	if len(entries) == 0 {
		if !frame.Type.Known() {
			m.logger.Debug().Str("type", frame.Type.String()).Msg("ignoring unrecognized frame")
		}
		return
	}
	for _, e := range entries {
		e.fn(frame)
	}
}
