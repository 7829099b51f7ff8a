package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/omochice/chatcore/pkg/protocol"
)

func TestRole_String(t *testing.T) {
	tests := []struct {
		name string
		role protocol.Role
		want string
	}{
		{"user role", protocol.RoleUser, "user"},
		{"assistant role", protocol.RoleAssistant, "assistant"},
		{"unknown role", protocol.Role("system"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.role.String(); got != tt.want {
				t.Errorf("Role.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     protocol.Message
		wantErr bool
	}{
		{
			name:    "valid assistant message",
			msg:     protocol.Message{ID: "m1", Role: protocol.RoleAssistant, Content: "hi"},
			wantErr: false,
		},
		{
			name:    "missing id",
			msg:     protocol.Message{Role: protocol.RoleUser, Content: "hi"},
			wantErr: true,
		},
		{
			name:    "unknown role",
			msg:     protocol.Message{ID: "m1", Role: "system"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Message.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChat_OptionalFieldsOmitted(t *testing.T) {
	chat := protocol.Chat{
		ID:        "c1",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := json.Marshal(chat)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	for _, field := range []string{"title", "updated_at", "message_count", "last_message_preview"} {
		if strings.Contains(string(data), field) {
			t.Errorf("expected %q to be omitted, got %s", field, data)
		}
	}
}

func TestEnvelope_DecodeError(t *testing.T) {
	var env protocol.Envelope[protocol.ChatList]
	if err := json.Unmarshal([]byte(`{"error":"chat not found"}`), &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if env.Data != nil {
		t.Errorf("expected nil data, got %+v", env.Data)
	}
	if env.Error != "chat not found" {
		t.Errorf("expected error %q, got %q", "chat not found", env.Error)
	}
}

func TestEnvelope_DecodeChatList(t *testing.T) {
	body := `{"data":{"chats":[{"id":"c1","created_at":"2026-01-02T03:04:05Z","message_count":4}],"total":1}}`

	var env protocol.Envelope[protocol.ChatList]
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if env.Data == nil {
		t.Fatal("expected data, got nil")
	}
	if env.Data.Total != 1 || len(env.Data.Chats) != 1 {
		t.Fatalf("expected one chat, got %+v", env.Data)
	}
	if got := env.Data.Chats[0]; got.ID != "c1" || got.MessageCount != 4 {
		t.Errorf("unexpected chat %+v", got)
	}
}
