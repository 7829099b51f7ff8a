// Package session holds the chat session state for one identity: the
// chat list, the currently open chat and its messages. Sends are applied
// optimistically and rolled back precisely on failure.
//
// Operations never return errors. Failures are recorded in State.Error
// as a human-readable message, and the previous state is preserved.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/chatcore/internal/client/rest"
	"github.com/omochice/chatcore/internal/clock"
	"github.com/omochice/chatcore/pkg/protocol"
)

// Transport is the backend the session talks to. *rest.Client
// implements it.
type Transport interface {
	ListChats(ctx context.Context) (*protocol.ChatList, error)
	CreateChat(ctx context.Context) (*protocol.CreatedChat, error)
	GetChat(ctx context.Context, chatID string) (*protocol.ChatHistory, error)
	SendMessage(ctx context.Context, chatID, content string) (*protocol.SendResult, error)
}

// State is a read-only snapshot of the session.
type State struct {
	// Chats is ordered most recently created first.
	Chats []protocol.Chat
	// CurrentChatID is "" when no chat is open.
	CurrentChatID string
	// Messages belong to CurrentChatID only, in send order.
	Messages    []protocol.Message
	IsLoading   bool
	IsStreaming bool
	IsTyping    bool
	Error       string
}

// Config holds configuration for creating a Manager.
type Config struct {
	// Transport is required.
	Transport Transport
	// Clock stamps optimistic messages and chat updates. Defaults to
	// clock.Real().
	Clock clock.Clock
	// NewID generates provisional message ids. Defaults to uuid.NewString.
	NewID func() string
	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

// Manager owns the session state. All methods are safe for concurrent
// use; each state transition is applied atomically.
type Manager struct {
	transport Transport
	clock     clock.Clock
	newID     func() string
	logger    zerolog.Logger

	mu       sync.Mutex
	chats    []protocol.Chat
	current  string
	messages []entry
	loading  int
	inflight int
	typing   bool
	err      string
	// selectSeq changes whenever the current chat changes or a new
	// selection starts, so late history responses can be discarded.
	selectSeq uint64
	selecting bool
	// epoch changes on Reset. Calls started under an older epoch drop
	// their results.
	epoch uint64

	nextSub int
	subs    map[int]chan State
}

// New creates a Manager with an empty session.
func New(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: Transport is required")
	}

	m := &Manager{
		transport: cfg.Transport,
		clock:     cfg.Clock,
		newID:     cfg.NewID,
		logger:    zerolog.Nop(),
		subs:      make(map[int]chan State),
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if cfg.Logger != nil {
		m.logger = cfg.Logger.With().Str("component", "session").Logger()
	}
	return m, nil
}

func (m *Manager) mustInit() {
	if m == nil || m.transport == nil {
		panic("session: Manager used without New")
	}
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	m.mustInit()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe returns a channel that always holds the most recent state
// after a change. Intermediate states may be skipped by slow readers.
// The returned function stops delivery and closes the channel.
func (m *Manager) Subscribe() (<-chan State, func()) {
	m.mustInit()
	ch := make(chan State, 1)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// LoadChats fetches the chat list. On failure the previously loaded list
// is kept.
func (m *Manager) LoadChats(ctx context.Context) {
	m.mustInit()
	epoch := m.beginLoading()

	list, err := m.transport.ListChats(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.endLoadingLocked(epoch) {
		m.logger.Debug().Msg("discarding chat list requested before reset")
		return
	}
	if err != nil {
		m.failLocked("failed to load chats", err)
	} else {
		m.chats = append([]protocol.Chat(nil), list.Chats...)
	}
	m.notifyLocked()
}

// CreateChat asks the backend for a new chat, puts it first in the list
// and opens it with no messages. It returns the new id, or false when the
// backend call failed.
func (m *Manager) CreateChat(ctx context.Context) (string, bool) {
	m.mustInit()
	epoch := m.beginLoading()

	created, err := m.transport.CreateChat(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.endLoadingLocked(epoch) {
		m.logger.Debug().Msg("discarding chat created before reset")
		return "", false
	}
	if err == nil && created.ChatID == "" {
		err = rest.ErrMissingData
	}
	if err != nil {
		m.failLocked("failed to create chat", err)
		m.notifyLocked()
		return "", false
	}

	chat := protocol.Chat{ID: created.ChatID, CreatedAt: created.CreatedAt}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = m.clock.Now()
	}
	chats := make([]protocol.Chat, 0, len(m.chats)+1)
	chats = append(chats, chat)
	for _, c := range m.chats {
		if c.ID != chat.ID {
			chats = append(chats, c)
		}
	}
	m.chats = chats
	m.openLocked(chat.ID, nil)
	m.notifyLocked()

	m.logger.Debug().Str("chat_id", chat.ID).Msg("chat created")
	return chat.ID, true
}

// SelectChat opens the chat with the given id, replacing the messages
// with its history. Selecting the current chat does nothing. If several
// selections overlap, only the last one takes effect. An empty id closes
// the current chat.
func (m *Manager) SelectChat(ctx context.Context, id string) {
	m.mustInit()

	m.mu.Lock()
	if id == m.current {
		if m.selecting {
			// Staying on the current chat abandons the pending switch.
			m.selectSeq++
			m.selecting = false
		}
		m.mu.Unlock()
		return
	}
	if id == "" {
		m.openLocked("", nil)
		m.notifyLocked()
		m.mu.Unlock()
		return
	}
	m.selectSeq++
	seq := m.selectSeq
	epoch := m.epoch
	m.selecting = true
	m.loading++
	m.notifyLocked()
	m.mu.Unlock()

	history, err := m.transport.GetChat(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.endLoadingLocked(epoch) {
		return
	}
	if seq != m.selectSeq {
		m.logger.Debug().Str("chat_id", id).Msg("discarding superseded chat history")
		m.notifyLocked()
		return
	}
	m.selecting = false
	if err != nil {
		m.failLocked("failed to load chat", err)
		m.notifyLocked()
		return
	}

	entries := make([]entry, 0, len(history.Messages))
	for _, msg := range history.Messages {
		entries = append(entries, entry{id: Confirmed(msg.ID), msg: msg})
	}
	m.openLocked(id, entries)
	m.notifyLocked()
}

// SendMessage sends content to the current chat, creating a chat first
// when none is open. Blank content is ignored.
//
// The user message is shown immediately under a provisional id. On
// success it is confirmed and the assistant reply is appended; on
// failure exactly that message is removed and Error is set.
func (m *Manager) SendMessage(ctx context.Context, content string) {
	m.mustInit()
	if strings.TrimSpace(content) == "" {
		return
	}

	m.mu.Lock()
	chatID := m.current
	epoch := m.epoch
	m.mu.Unlock()

	if chatID == "" {
		id, ok := m.CreateChat(ctx)
		if !ok {
			return
		}
		chatID = id
	}

	pending := Provisional(m.newID())

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	if m.current == chatID {
		m.messages = append(m.messages, entry{
			id: pending,
			msg: protocol.Message{
				Role:      protocol.RoleUser,
				Content:   content,
				Timestamp: m.clock.Now(),
			},
		})
	}
	m.inflight++
	m.notifyLocked()
	m.mu.Unlock()

	result, err := m.transport.SendMessage(ctx, chatID, content)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		m.logger.Debug().Str("chat_id", chatID).Msg("discarding reply to a send from before reset")
		return
	}
	m.inflight--
	if err != nil {
		m.removeLocked(pending)
		m.failLocked("failed to send message", err)
		m.notifyLocked()
		return
	}

	now := m.clock.Now()
	// The provisional entry is gone when the chat was closed while the
	// call was in flight, even if it has been reopened since.
	if m.current == chatID && m.indexLocked(pending) >= 0 {
		confirmed := pending
		if result.UserMessageID != "" {
			confirmed = Confirmed(result.UserMessageID)
		}
		m.promoteLocked(pending, confirmed)

		if result.Response != "" {
			replyID := Confirmed(result.MessageID)
			if result.MessageID == "" {
				replyID = Provisional(m.newID())
			}
			m.appendLocked(entry{
				id: replyID,
				msg: protocol.Message{
					Role:      protocol.RoleAssistant,
					Content:   result.Response,
					Timestamp: now,
				},
			})
		}
	}

	m.updateChatLocked(chatID, func(c *protocol.Chat) {
		c.LastMessagePreview = Preview(content)
		c.MessageCount += 2
		c.UpdatedAt = now
	})
	m.notifyLocked()
}

// ClearError clears Error and nothing else.
func (m *Manager) ClearError() {
	m.mustInit()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == "" {
		return
	}
	m.err = ""
	m.notifyLocked()
}

// Reset drops the whole session, as on logout. Responses to calls still
// in flight are not applied afterwards.
func (m *Manager) Reset() {
	m.mustInit()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.chats = nil
	m.openLocked("", nil)
	m.loading = 0
	m.inflight = 0
	m.err = ""
	m.notifyLocked()
}

func (m *Manager) beginLoading() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loading++
	m.notifyLocked()
	return m.epoch
}

// endLoadingLocked settles a load started under epoch. It reports false,
// leaving the state alone, when the session was reset in between.
func (m *Manager) endLoadingLocked(epoch uint64) bool {
	if epoch != m.epoch {
		return false
	}
	m.loading--
	return true
}

// openLocked makes id the current chat with the given messages.
func (m *Manager) openLocked(id string, messages []entry) {
	m.selectSeq++
	m.selecting = false
	m.current = id
	m.messages = messages
	m.typing = false
}

func (m *Manager) failLocked(action string, err error) {
	m.err = fmt.Sprintf("%s: %s", action, rest.Message(err))
	m.logger.Debug().Err(err).Msg(action)
}

func (m *Manager) indexLocked(id MessageID) int {
	for i, e := range m.messages {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (m *Manager) removeLocked(id MessageID) {
	i := m.indexLocked(id)
	if i < 0 {
		return
	}
	messages := make([]entry, 0, len(m.messages)-1)
	messages = append(messages, m.messages[:i]...)
	m.messages = append(messages, m.messages[i+1:]...)
}

// promoteLocked replaces a provisional id in place. If the confirmed id
// is already present, the provisional copy is dropped.
func (m *Manager) promoteLocked(from, to MessageID) {
	if from == to {
		return
	}
	if m.indexLocked(to) >= 0 {
		m.removeLocked(from)
		return
	}
	if i := m.indexLocked(from); i >= 0 {
		m.messages[i].id = to
	}
}

// appendLocked adds e unless a message with the same id is present.
// It reports whether e was added.
func (m *Manager) appendLocked(e entry) bool {
	if m.indexLocked(e.id) >= 0 {
		return false
	}
	m.messages = append(m.messages, e)
	return true
}

func (m *Manager) updateChatLocked(id string, update func(*protocol.Chat)) bool {
	for i := range m.chats {
		if m.chats[i].ID == id {
			chats := append([]protocol.Chat(nil), m.chats...)
			update(&chats[i])
			m.chats = chats
			return true
		}
	}
	return false
}

func (m *Manager) snapshotLocked() State {
	s := State{
		Chats:         append([]protocol.Chat(nil), m.chats...),
		CurrentChatID: m.current,
		IsLoading:     m.loading > 0,
		IsStreaming:   m.inflight > 0,
		IsTyping:      m.typing,
		Error:         m.err,
	}
	if len(m.messages) > 0 {
		s.Messages = make([]protocol.Message, len(m.messages))
		for i, e := range m.messages {
			s.Messages[i] = e.presented()
		}
	}
	return s
}

// notifyLocked replaces whatever state a subscriber has not read yet
// with the current one.
func (m *Manager) notifyLocked() {
	if len(m.subs) == 0 {
		return
	}
	s := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
