package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/omochice/chatcore/internal/client/connection"
	"github.com/omochice/chatcore/internal/session"
	"github.com/omochice/chatcore/pkg/protocol"
)

const help = `Commands:
  /new          start a new chat
  /chats        list chats
  /open <id>    open a chat
  /help         show this help
  /quit         exit
Anything else is sent to the open chat.`

// app is the interactive terminal front end.
type app struct {
	session *session.Manager
	conn    *connection.Manager
	userID  string
	logger  zerolog.Logger

	mu  sync.Mutex
	out io.Writer
	// shown holds the ids printed for the chat in shownChat.
	shownChat string
	shown     map[string]bool
	typing    bool
}

func newApp(s *session.Manager, conn *connection.Manager, userID string, out io.Writer, logger zerolog.Logger) *app {
	return &app{
		session: s,
		conn:    conn,
		userID:  userID,
		logger:  logger,
		out:     out,
		shown:   make(map[string]bool),
	}
}

// printf writes a line without interleaving with the renderer.
func (a *app) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, format+"\n", args...)
}

// readLoop handles input lines until EOF, /quit or cancellation.
func (a *app) readLoop(ctx context.Context, in io.Reader) error {
	a.printf("%s", help)

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-errc; err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				return nil
			}
			if quit := a.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one command or sends one message. It reports whether
// the user asked to quit.
func (a *app) handleLine(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	if text == "" {
		return false
	}

	command, arg, _ := strings.Cut(text, " ")
	switch command {
	case "/quit", "/exit":
		return true
	case "/help":
		a.printf("%s", help)
	case "/new":
		if id, ok := a.session.CreateChat(ctx); ok {
			a.follow(ctx, id)
		}
	case "/chats":
		a.session.LoadChats(ctx)
		a.listChats()
	case "/open":
		id := strings.TrimSpace(arg)
		if id == "" {
			a.printf("usage: /open <id>")
			break
		}
		a.session.SelectChat(ctx, id)
		if a.session.Snapshot().CurrentChatID == id {
			a.follow(ctx, id)
		}
	default:
		if strings.HasPrefix(command, "/") {
			a.printf("unknown command %s, try /help", command)
			break
		}
		a.send(ctx, text)
	}

	a.reportError()
	return false
}

func (a *app) send(ctx context.Context, text string) {
	if chatID := a.session.Snapshot().CurrentChatID; chatID != "" {
		a.notifyTyping(ctx, protocol.FrameTypingStart, chatID)
		defer a.notifyTyping(ctx, protocol.FrameTypingStop, chatID)
	}

	a.session.SendMessage(ctx, text)

	// A first message creates the chat; start following it.
	if id := a.session.Snapshot().CurrentChatID; id != "" && id != a.conn.ChatID() {
		a.follow(ctx, id)
	}
}

// notifyTyping tells other sockets of the chat that the user is
// composing. It is best effort.
func (a *app) notifyTyping(ctx context.Context, t protocol.FrameType, chatID string) {
	err := a.conn.Send(ctx, t, protocol.Typing{ChatID: chatID, UserID: a.userID})
	if err != nil && !errors.Is(err, connection.ErrNotConnected) {
		a.logger.Debug().Err(err).Msg("failed to send typing notification")
	}
}

// follow points the realtime socket at chatID.
func (a *app) follow(ctx context.Context, chatID string) {
	if a.conn.ChatID() == chatID && a.conn.State().Phase == connection.Open {
		return
	}
	a.conn.Disconnect()
	if err := a.conn.Connect(ctx, chatID, a.userID); err != nil {
		a.printf("error: %v", err)
	}
}

func (a *app) listChats() {
	chats := a.session.Snapshot().Chats
	if len(chats) == 0 {
		a.printf("no chats yet, type a message or /new")
		return
	}
	for _, c := range chats {
		title := c.Title
		if title == "" {
			title = session.GenerateChatTitle(c.LastMessagePreview)
		}
		if title == "" {
			title = "(untitled)"
		}
		a.printf("%s  %s  [%d messages]", c.ID, title, c.MessageCount)
	}
}

func (a *app) reportError() {
	if msg := a.session.Snapshot().Error; msg != "" {
		a.printf("error: %s", msg)
		a.session.ClearError()
	}
}

// renderSession prints confirmed messages not shown yet and typing
// changes.
func (a *app) renderSession(s session.State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s.CurrentChatID != a.shownChat {
		a.shownChat = s.CurrentChatID
		a.shown = make(map[string]bool)
		a.typing = false
		if s.CurrentChatID != "" {
			fmt.Fprintf(a.out, "--- chat %s ---\n", s.CurrentChatID)
		}
	}

	for _, msg := range s.Messages {
		if a.shown[msg.ID] || strings.HasPrefix(msg.ID, protocol.ProvisionalPrefix) {
			continue
		}
		a.shown[msg.ID] = true
		fmt.Fprintf(a.out, "[%s] %s\n", msg.Role, msg.Content)
	}

	if s.IsTyping != a.typing {
		a.typing = s.IsTyping
		if s.IsTyping {
			fmt.Fprintln(a.out, "assistant is typing...")
		}
	}
}

func (a *app) renderConnection(s connection.State) {
	switch s.Phase {
	case connection.Reconnecting:
		a.printf("[connection] %s", s)
	case connection.Disconnected:
		if s.Exhausted {
			a.printf("[connection] lost; use /open to reconnect")
		}
	case connection.Open:
		a.logger.Debug().Msg("realtime connected")
	}
}

// watch renders state changes until ctx is done.
func (a *app) watch(ctx context.Context) error {
	states, unsubscribe := a.session.Subscribe()
	defer unsubscribe()
	conns, unsubscribeConn := a.conn.Subscribe(16)
	defer unsubscribeConn()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-states:
			if !ok {
				return nil
			}
			a.renderSession(s)
		case s, ok := <-conns:
			if !ok {
				return nil
			}
			a.renderConnection(s)
		}
	}
}
