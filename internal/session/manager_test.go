package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatcore/internal/client/rest"
	"github.com/omochice/chatcore/internal/clock"
	"github.com/omochice/chatcore/internal/session"
	"github.com/omochice/chatcore/pkg/protocol"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport answers from the hook functions and counts calls.
type fakeTransport struct {
	mu    sync.Mutex
	calls map[string]int

	list   func(ctx context.Context) (*protocol.ChatList, error)
	create func(ctx context.Context) (*protocol.CreatedChat, error)
	get    func(ctx context.Context, chatID string) (*protocol.ChatHistory, error)
	send   func(ctx context.Context, chatID, content string) (*protocol.SendResult, error)
}

var _ session.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	ids := 0
	replies := 0
	var mu sync.Mutex
	return &fakeTransport{
		calls: make(map[string]int),
		create: func(context.Context) (*protocol.CreatedChat, error) {
			mu.Lock()
			defer mu.Unlock()
			ids++
			return &protocol.CreatedChat{ChatID: fmt.Sprintf("c%d", ids), CreatedAt: epoch}, nil
		},
		send: func(_ context.Context, chatID, content string) (*protocol.SendResult, error) {
			mu.Lock()
			defer mu.Unlock()
			replies++
			return &protocol.SendResult{
				ChatID:    chatID,
				MessageID: fmt.Sprintf("r%d", replies),
				Response:  "re: " + content,
			}, nil
		},
	}
}

func (f *fakeTransport) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeTransport) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeTransport) ListChats(ctx context.Context) (*protocol.ChatList, error) {
	f.record("list")
	return f.list(ctx)
}

func (f *fakeTransport) CreateChat(ctx context.Context) (*protocol.CreatedChat, error) {
	f.record("create")
	return f.create(ctx)
}

func (f *fakeTransport) GetChat(ctx context.Context, chatID string) (*protocol.ChatHistory, error) {
	f.record("get")
	return f.get(ctx, chatID)
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID, content string) (*protocol.SendResult, error) {
	f.record("send")
	return f.send(ctx, chatID, content)
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func newManager(t *testing.T, transport session.Transport) (*session.Manager, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	var n atomic.Int64
	m, err := session.New(session.Config{
		Transport: transport,
		Clock:     clk,
		NewID: func() string {
			return fmt.Sprintf("local%d", n.Add(1))
		},
	})
	require.NoError(t, err)
	return m, clk
}

func contents(messages []protocol.Message) []string {
	out := make([]string, len(messages))
	for i, msg := range messages {
		out[i] = string(msg.Role) + ":" + msg.Content
	}
	return out
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := session.New(session.Config{})
	assert.Error(t, err)
}

func TestManager_UninitializedPanics(t *testing.T) {
	var m session.Manager
	assert.PanicsWithValue(t, "session: Manager used without New", func() {
		m.SendMessage(context.Background(), "hi")
	})
}

func TestManager_EndToEnd(t *testing.T) {
	transport := newFakeTransport()
	transport.send = func(_ context.Context, chatID, content string) (*protocol.SendResult, error) {
		return &protocol.SendResult{ChatID: chatID, MessageID: "m2", Response: "Hello there"}, nil
	}
	m, clk := newManager(t, transport)
	require.Empty(t, m.Snapshot().Chats)

	id, ok := m.CreateChat(context.Background())
	require.True(t, ok)
	require.Equal(t, "c1", id)

	clk.Advance(time.Minute)
	m.SendMessage(context.Background(), "Hi")

	s := m.Snapshot()
	assert.Equal(t, "c1", s.CurrentChatID)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, protocol.RoleUser, s.Messages[0].Role)
	assert.Equal(t, "Hi", s.Messages[0].Content)
	assert.Equal(t, protocol.RoleAssistant, s.Messages[1].Role)
	assert.Equal(t, "Hello there", s.Messages[1].Content)
	assert.Equal(t, "m2", s.Messages[1].ID)

	require.Len(t, s.Chats, 1)
	assert.Equal(t, 2, s.Chats[0].MessageCount)
	assert.Equal(t, "Hi", s.Chats[0].LastMessagePreview)
	assert.Equal(t, epoch.Add(time.Minute), s.Chats[0].UpdatedAt)
	assert.False(t, s.IsStreaming)
	assert.Empty(t, s.Error)
}

func TestManager_SendPreservesOrder(t *testing.T) {
	m, _ := newManager(t, newFakeTransport())

	for _, text := range []string{"one", "two", "three"} {
		m.SendMessage(context.Background(), text)
	}

	assert.Equal(t, []string{
		"user:one", "assistant:re: one",
		"user:two", "assistant:re: two",
		"user:three", "assistant:re: three",
	}, contents(m.Snapshot().Messages))
	assert.Equal(t, 6, m.Snapshot().Chats[0].MessageCount)
}

func TestManager_SendWithoutChatCreatesOne(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newManager(t, transport)

	m.SendMessage(context.Background(), "hello")

	s := m.Snapshot()
	assert.Equal(t, "c1", s.CurrentChatID)
	assert.Equal(t, 1, transport.count("create"))
	assert.Equal(t, []string{"user:hello", "assistant:re: hello"}, contents(s.Messages))
}

func TestManager_SendAbortsWhenImplicitCreateFails(t *testing.T) {
	transport := newFakeTransport()
	transport.create = func(context.Context) (*protocol.CreatedChat, error) {
		return nil, &rest.APIError{StatusCode: 503, Message: "unavailable"}
	}
	m, _ := newManager(t, transport)

	m.SendMessage(context.Background(), "hello")

	s := m.Snapshot()
	assert.Equal(t, 0, transport.count("send"))
	assert.Empty(t, s.Messages)
	assert.Empty(t, s.CurrentChatID)
	assert.Equal(t, "failed to create chat: unavailable", s.Error)
}

func TestManager_SendFailureRollsBack(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newManager(t, transport)
	m.SendMessage(context.Background(), "first")
	before := m.Snapshot()

	transport.send = func(context.Context, string, string) (*protocol.SendResult, error) {
		return nil, errors.New("connection reset")
	}
	m.SendMessage(context.Background(), "x")

	after := m.Snapshot()
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.Chats, after.Chats)
	assert.False(t, after.IsStreaming)
	assert.Equal(t, "failed to send message: connection reset", after.Error)
}

func TestManager_BlankMessageIsNoop(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newManager(t, transport)
	states, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for _, text := range []string{"", "   ", "\t\n"} {
		m.SendMessage(context.Background(), text)
	}

	assert.Equal(t, 0, transport.total())
	assert.Equal(t, session.State{}, m.Snapshot())
	select {
	case s := <-states:
		t.Fatalf("unexpected state change: %+v", s)
	default:
	}
}

func TestManager_ProvisionalMessageWhileSending(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newManager(t, transport)
	_, ok := m.CreateChat(context.Background())
	require.True(t, ok)

	started := make(chan struct{})
	release := make(chan struct{})
	transport.send = func(_ context.Context, chatID, content string) (*protocol.SendResult, error) {
		close(started)
		<-release
		return &protocol.SendResult{ChatID: chatID, MessageID: "r1", UserMessageID: "u1", Response: "ok"}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SendMessage(context.Background(), "hello")
	}()
	<-started

	s := m.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, protocol.ProvisionalPrefix+"local1", s.Messages[0].ID)
	assert.True(t, s.IsStreaming)

	close(release)
	<-done

	s = m.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "u1", s.Messages[0].ID)
	assert.Equal(t, "r1", s.Messages[1].ID)
	assert.False(t, s.IsStreaming)
}

func TestManager_ConcurrentSendFailureRemovesOnlyItsMessage(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newManager(t, transport)
	_, ok := m.CreateChat(context.Background())
	require.True(t, ok)

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	transport.send = func(_ context.Context, chatID, content string) (*protocol.SendResult, error) {
		if content == "slow" {
			close(slowStarted)
			<-release
			return nil, errors.New("timeout")
		}
		return &protocol.SendResult{ChatID: chatID, MessageID: "r-fast"}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SendMessage(context.Background(), "slow")
	}()
	<-slowStarted

	m.SendMessage(context.Background(), "fast")
	assert.True(t, m.Snapshot().IsStreaming, "slow send is still in flight")

	close(release)
	<-done

	s := m.Snapshot()
	assert.Equal(t, []string{"user:fast"}, contents(s.Messages))
	assert.False(t, s.IsStreaming)
	assert.NotEmpty(t, s.Error)
}

func TestManager_SelectCurrentChatIsNoop(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newManager(t, transport)
	id, ok := m.CreateChat(context.Background())
	require.True(t, ok)
	m.SendMessage(context.Background(), "hi")
	before := m.Snapshot()
	calls := transport.total()

	m.SelectChat(context.Background(), id)

	assert.Equal(t, calls, transport.total())
	assert.Equal(t, before, m.Snapshot())
}

func TestManager_SelectChatReplacesMessages(t *testing.T) {
	transport := newFakeTransport()
	transport.get = func(_ context.Context, chatID string) (*protocol.ChatHistory, error) {
		return &protocol.ChatHistory{
			ChatID: chatID,
			Messages: []protocol.Message{
				{ID: chatID + "-m1", Role: protocol.RoleUser, Content: "question", Timestamp: epoch},
				{ID: chatID + "-m2", Role: protocol.RoleAssistant, Content: "answer", Timestamp: epoch},
			},
		}, nil
	}
	m, _ := newManager(t, transport)
	m.SendMessage(context.Background(), "in c1")

	m.SelectChat(context.Background(), "c7")

	s := m.Snapshot()
	assert.Equal(t, "c7", s.CurrentChatID)
	assert.Equal(t, []string{"user:question", "assistant:answer"}, contents(s.Messages))
	assert.Equal(t, "c7-m1", s.Messages[0].ID)
	assert.False(t, s.IsLoading)
}

func TestManager_SelectChatFailureKeepsState(t *testing.T) {
	transport := newFakeTransport()
	transport.get = func(context.Context, string) (*protocol.ChatHistory, error) {
		return nil, &rest.APIError{StatusCode: 404, Message: "chat not found"}
	}
	m, _ := newManager(t, transport)
	m.SendMessage(context.Background(), "hi")
	before := m.Snapshot()

	m.SelectChat(context.Background(), "missing")

	s := m.Snapshot()
	assert.Equal(t, before.CurrentChatID, s.CurrentChatID)
	assert.Equal(t, before.Messages, s.Messages)
	assert.Equal(t, "failed to load chat: chat not found", s.Error)
}

func TestManager_OverlappingSelectsLastWins(t *testing.T) {
	transport := newFakeTransport()
	slowStarted := make(chan struct{})
	release := make(chan struct{})
	transport.get = func(_ context.Context, chatID string) (*protocol.ChatHistory, error) {
		if chatID == "slow" {
			close(slowStarted)
			<-release
		}
		return &protocol.ChatHistory{
			ChatID:   chatID,
			Messages: []protocol.Message{{ID: chatID + "-m", Role: protocol.RoleUser, Content: chatID}},
		}, nil
	}
	m, _ := newManager(t, transport)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SelectChat(context.Background(), "slow")
	}()
	<-slowStarted

	m.SelectChat(context.Background(), "fast")
	close(release)
	<-done

	s := m.Snapshot()
	assert.Equal(t, "fast", s.CurrentChatID)
	assert.Equal(t, []string{"user:fast"}, contents(s.Messages))
	assert.False(t, s.IsLoading)
}

func TestManager_SwitchDuringSendKeepsMessagesConsistent(t *testing.T) {
	transport := newFakeTransport()
	transport.list = func(context.Context) (*protocol.ChatList, error) {
		return &protocol.ChatList{Chats: []protocol.Chat{{ID: "c1"}, {ID: "c2"}}, Total: 2}, nil
	}
	transport.get = func(_ context.Context, chatID string) (*protocol.ChatHistory, error) {
		return &protocol.ChatHistory{ChatID: chatID}, nil
	}
	started := make(chan struct{})
	release := make(chan struct{})
	transport.send = func(_ context.Context, chatID, content string) (*protocol.SendResult, error) {
		close(started)
		<-release
		return &protocol.SendResult{ChatID: chatID, MessageID: "r1", Response: "late reply"}, nil
	}
	m, _ := newManager(t, transport)
	m.LoadChats(context.Background())
	m.SelectChat(context.Background(), "c1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SendMessage(context.Background(), "hello")
	}()
	<-started

	m.SelectChat(context.Background(), "c2")
	close(release)
	<-done

	s := m.Snapshot()
	assert.Equal(t, "c2", s.CurrentChatID)
	assert.Empty(t, s.Messages)
	require.Len(t, s.Chats, 2)
	assert.Equal(t, 2, s.Chats[0].MessageCount, "metadata of the sending chat is still updated")
	assert.Equal(t, "hello", s.Chats[0].LastMessagePreview)
	assert.Equal(t, 0, s.Chats[1].MessageCount)
}

func TestManager_SwitchAwayAndBackDuringSendDropsReply(t *testing.T) {
	transport := newFakeTransport()
	transport.list = func(context.Context) (*protocol.ChatList, error) {
		return &protocol.ChatList{Chats: []protocol.Chat{{ID: "c1"}, {ID: "c2"}}, Total: 2}, nil
	}
	transport.get = func(_ context.Context, chatID string) (*protocol.ChatHistory, error) {
		return &protocol.ChatHistory{ChatID: chatID}, nil
	}
	started := make(chan struct{})
	release := make(chan struct{})
	transport.send = func(_ context.Context, chatID, content string) (*protocol.SendResult, error) {
		close(started)
		<-release
		return &protocol.SendResult{ChatID: chatID, MessageID: "r1", UserMessageID: "u1", Response: "late reply"}, nil
	}
	m, _ := newManager(t, transport)
	m.LoadChats(context.Background())
	m.SelectChat(context.Background(), "c1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SendMessage(context.Background(), "hello")
	}()
	<-started

	m.SelectChat(context.Background(), "c2")
	m.SelectChat(context.Background(), "c1")
	close(release)
	<-done

	s := m.Snapshot()
	assert.Equal(t, "c1", s.CurrentChatID)
	assert.Empty(t, s.Messages, "a reply without its user message must not appear")
	assert.False(t, s.IsStreaming)
	require.Len(t, s.Chats, 2)
	assert.Equal(t, 2, s.Chats[0].MessageCount)
}

func TestManager_ResetDiscardsInFlightLoad(t *testing.T) {
	transport := newFakeTransport()
	started := make(chan struct{})
	release := make(chan struct{})
	transport.list = func(context.Context) (*protocol.ChatList, error) {
		close(started)
		<-release
		return &protocol.ChatList{Chats: []protocol.Chat{{ID: "old-identity-chat"}}, Total: 1}, nil
	}
	m, _ := newManager(t, transport)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.LoadChats(context.Background())
	}()
	<-started

	m.Reset()
	close(release)
	<-done

	assert.Equal(t, session.State{}, m.Snapshot())
}

func TestManager_ResetDiscardsInFlightCreate(t *testing.T) {
	transport := newFakeTransport()
	started := make(chan struct{})
	release := make(chan struct{})
	transport.create = func(context.Context) (*protocol.CreatedChat, error) {
		close(started)
		<-release
		return &protocol.CreatedChat{ChatID: "old", CreatedAt: epoch}, nil
	}
	m, _ := newManager(t, transport)

	var (
		id string
		ok bool
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		id, ok = m.CreateChat(context.Background())
	}()
	<-started

	m.Reset()
	close(release)
	<-done

	assert.False(t, ok)
	assert.Empty(t, id)
	assert.Equal(t, session.State{}, m.Snapshot())
}

func TestManager_ResetDiscardsInFlightSend(t *testing.T) {
	transport := newFakeTransport()
	started := make(chan struct{})
	release := make(chan struct{})
	transport.send = func(_ context.Context, chatID, content string) (*protocol.SendResult, error) {
		close(started)
		<-release
		return &protocol.SendResult{ChatID: chatID, MessageID: "r1", Response: "late reply"}, nil
	}
	m, _ := newManager(t, transport)
	_, ok := m.CreateChat(context.Background())
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SendMessage(context.Background(), "hello")
	}()
	<-started
	require.True(t, m.Snapshot().IsStreaming)

	m.Reset()
	assert.False(t, m.Snapshot().IsStreaming)
	close(release)
	<-done

	assert.Equal(t, session.State{}, m.Snapshot())
}

func TestManager_LoadChatsFailsSoft(t *testing.T) {
	transport := newFakeTransport()
	transport.list = func(context.Context) (*protocol.ChatList, error) {
		return &protocol.ChatList{Chats: []protocol.Chat{{ID: "a"}, {ID: "b"}}, Total: 2}, nil
	}
	m, _ := newManager(t, transport)
	m.LoadChats(context.Background())
	require.Len(t, m.Snapshot().Chats, 2)

	transport.list = func(context.Context) (*protocol.ChatList, error) {
		return nil, errors.New("network unreachable")
	}
	m.LoadChats(context.Background())

	s := m.Snapshot()
	assert.Len(t, s.Chats, 2)
	assert.Equal(t, "failed to load chats: network unreachable", s.Error)
	assert.False(t, s.IsLoading)
}

func TestManager_CreateChatPrependsAndClears(t *testing.T) {
	transport := newFakeTransport()
	transport.list = func(context.Context) (*protocol.ChatList, error) {
		return &protocol.ChatList{Chats: []protocol.Chat{{ID: "old"}}, Total: 1}, nil
	}
	m, _ := newManager(t, transport)
	m.LoadChats(context.Background())
	m.SendMessage(context.Background(), "hi")

	id, ok := m.CreateChat(context.Background())
	require.True(t, ok)

	s := m.Snapshot()
	assert.Equal(t, id, s.CurrentChatID)
	assert.Empty(t, s.Messages)
	require.Len(t, s.Chats, 3)
	assert.Equal(t, id, s.Chats[0].ID)
	assert.Equal(t, epoch, s.Chats[0].CreatedAt)
}

func TestManager_CreateChatFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.create = func(context.Context) (*protocol.CreatedChat, error) {
		return &protocol.CreatedChat{}, nil
	}
	m, _ := newManager(t, transport)

	id, ok := m.CreateChat(context.Background())
	assert.False(t, ok)
	assert.Empty(t, id)
	assert.NotEmpty(t, m.Snapshot().Error)
	assert.Empty(t, m.Snapshot().Chats)
}

func TestManager_ClearError(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newManager(t, transport)
	m.SendMessage(context.Background(), "keep")

	transport.send = func(context.Context, string, string) (*protocol.SendResult, error) {
		return nil, errors.New("boom")
	}
	m.SendMessage(context.Background(), "drop")
	before := m.Snapshot()
	require.NotEmpty(t, before.Error)

	m.ClearError()

	after := m.Snapshot()
	assert.Empty(t, after.Error)
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.Chats, after.Chats)
}

func TestManager_Reset(t *testing.T) {
	m, _ := newManager(t, newFakeTransport())
	m.SendMessage(context.Background(), "hi")

	m.Reset()

	assert.Equal(t, session.State{}, m.Snapshot())
}

func TestManager_SubscribeDeliversLatest(t *testing.T) {
	m, _ := newManager(t, newFakeTransport())
	states, unsubscribe := m.Subscribe()

	m.SendMessage(context.Background(), "one")
	m.SendMessage(context.Background(), "two")

	select {
	case s := <-states:
		assert.Equal(t, m.Snapshot(), s)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state")
	}

	unsubscribe()
	_, open := <-states
	assert.False(t, open)
}
