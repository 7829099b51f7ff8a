package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatcore/internal/auth"
	"github.com/omochice/chatcore/internal/client/connection"
	"github.com/omochice/chatcore/internal/client/rest"
	"github.com/omochice/chatcore/internal/server"
	"github.com/omochice/chatcore/internal/session"
	"github.com/omochice/chatcore/pkg/protocol"
)

type testApp struct {
	*app
	out     *bytes.Buffer
	backend *server.Server
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	backend := server.New("")
	httpServer := httptest.NewServer(backend.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		backend.Close()
	})

	client, err := rest.New(rest.Config{BaseURL: httpServer.URL})
	require.NoError(t, err)
	conn, err := connection.New(connection.Config{
		URL: connection.ChatURL("ws" + strings.TrimPrefix(httpServer.URL, "http")),
	})
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	sessions, err := session.New(session.Config{Transport: client})
	require.NoError(t, err)
	t.Cleanup(sessions.Attach(conn))

	out := &bytes.Buffer{}
	return &testApp{
		app:     newApp(sessions, conn, auth.AnonymousUserID, out, zerolog.Nop()),
		out:     out,
		backend: backend,
	}
}

func TestApp_FirstMessageCreatesAndFollowsChat(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	assert.False(t, a.handleLine(ctx, "hello"))

	s := a.session.Snapshot()
	require.NotEmpty(t, s.CurrentChatID)
	assert.Equal(t, s.CurrentChatID, a.conn.ChatID())
	assert.Equal(t, connection.Open, a.conn.State().Phase)

	a.renderSession(s)
	out := a.out.String()
	assert.Contains(t, out, "--- chat "+s.CurrentChatID+" ---")
	assert.Contains(t, out, "[user] hello")
	assert.Contains(t, out, "[assistant] Echo: hello")
}

func TestApp_Commands(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	a.handleLine(ctx, "/chats")
	assert.Contains(t, a.out.String(), "no chats yet")

	a.handleLine(ctx, "/new")
	id := a.session.Snapshot().CurrentChatID
	require.NotEmpty(t, id)
	require.Eventually(t, func() bool { return a.backend.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	a.out.Reset()
	a.handleLine(ctx, "/chats")
	assert.Contains(t, a.out.String(), id)
	assert.Contains(t, a.out.String(), "(untitled)")

	a.out.Reset()
	a.handleLine(ctx, "/open missing")
	assert.Contains(t, a.out.String(), "error: failed to load chat: chat not found")
	assert.Empty(t, a.session.Snapshot().Error)
	assert.Equal(t, id, a.session.Snapshot().CurrentChatID)

	a.out.Reset()
	a.handleLine(ctx, "/open")
	assert.Contains(t, a.out.String(), "usage: /open <id>")

	a.out.Reset()
	a.handleLine(ctx, "/bogus")
	assert.Contains(t, a.out.String(), "unknown command /bogus")

	assert.True(t, a.handleLine(ctx, "/quit"))
}

func TestApp_ChatsShowsTitleDerivedFromPreview(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	a.handleLine(ctx, "a question that is much longer than thirty characters")
	a.out.Reset()
	a.handleLine(ctx, "/chats")

	assert.Contains(t, a.out.String(), "a question that is much longer…")
	assert.Contains(t, a.out.String(), "[2 messages]")
}

func TestApp_OpenSwitchesSocket(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	first, ok := a.session.CreateChat(ctx)
	require.True(t, ok)
	second, ok := a.session.CreateChat(ctx)
	require.True(t, ok)

	a.handleLine(ctx, "/open "+first)
	assert.Equal(t, first, a.session.Snapshot().CurrentChatID)
	assert.Equal(t, first, a.conn.ChatID())

	a.handleLine(ctx, "/open "+second)
	assert.Equal(t, second, a.conn.ChatID())
	assert.Equal(t, connection.Open, a.conn.State().Phase)
	require.Eventually(t, func() bool { return a.backend.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestApp_ReadLoopStopsOnQuit(t *testing.T) {
	a := newTestApp(t)

	err := a.readLoop(context.Background(), strings.NewReader("\n/help\n/quit\nnever sent\n"))
	require.NoError(t, err)
	assert.Empty(t, a.session.Snapshot().Chats)
	assert.Contains(t, a.out.String(), "/open <id>")
}

func TestApp_ReadLoopStopsOnCancel(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The reader never returns; cancellation alone must end the loop.
	blocked := &blockingReader{done: make(chan struct{})}
	defer close(blocked.done)
	assert.NoError(t, a.readLoop(ctx, blocked))
}

type blockingReader struct {
	done chan struct{}
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.done
	return 0, context.Canceled
}

func TestApp_RenderSession(t *testing.T) {
	a := newTestApp(t)

	state := session.State{
		CurrentChatID: "c1",
		Messages: []protocol.Message{
			{ID: "m1", Role: protocol.RoleUser, Content: "hi"},
			{ID: protocol.ProvisionalPrefix + "x", Role: protocol.RoleUser, Content: "pending"},
		},
		IsTyping: true,
	}
	a.renderSession(state)
	a.renderSession(state)

	out := a.out.String()
	assert.Equal(t, 1, strings.Count(out, "[user] hi"))
	assert.NotContains(t, out, "pending")
	assert.Equal(t, 1, strings.Count(out, "assistant is typing..."))

	a.out.Reset()
	a.renderSession(session.State{CurrentChatID: "c2", Messages: state.Messages[:1]})
	assert.Contains(t, a.out.String(), "--- chat c2 ---")
	assert.Contains(t, a.out.String(), "[user] hi")
}

func TestApp_RenderConnection(t *testing.T) {
	a := newTestApp(t)

	a.renderConnection(connection.State{Phase: connection.Reconnecting, Attempt: 2, Delay: 2 * time.Second})
	a.renderConnection(connection.State{Phase: connection.Disconnected})
	a.renderConnection(connection.State{Phase: connection.Disconnected, Exhausted: true})

	lines := strings.Split(strings.TrimSpace(a.out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[connection] reconnecting (attempt 2 in 2s)", lines[0])
	assert.Equal(t, "[connection] lost; use /open to reconnect", lines[1])
}
