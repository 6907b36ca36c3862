package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/db"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		cc      string
		want    string
		wantErr bool
	}{
		{"bare_local_number", "70012345", "591", "+59170012345", false},
		{"already_international", "+59170012345", "591", "+59170012345", false},
		{"country_code_no_plus", "59170012345", "591", "+59170012345", false},
		{"with_separators", "700-123-45", "591", "+59170012345", false},
		{"too_short", "123", "591", "", true},
		{"empty", "", "591", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.raw, tt.cc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizePhone(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRouter(t *testing.T) {
	logger := zap.NewNop()
	session := NewChatSession(ChatConfig{GatewayURL: "http://localhost:0"}, logger)
	chat := NewChatAdapter(session, "591", logger)

	router := NewRouter(logger, chat)

	if !router.Supports(db.ChannelChat) {
		t.Error("router should support chat")
	}
	if router.Supports(db.ChannelSMS) {
		t.Error("router should not support sms without an adapter")
	}

	if _, err := router.Adapter(db.ChannelSMS); !errors.Is(err, ErrPermanent) {
		t.Errorf("unconfigured channel error = %v, want ErrPermanent", err)
	}

	a, err := router.Adapter(db.ChannelChat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Channel() != db.ChannelChat {
		t.Errorf("adapter channel = %s, want chat", a.Channel())
	}
}

func chatGateway(t *testing.T, authenticated bool, sendStatus string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/session/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if authenticated {
			w.Write([]byte(`{"authenticated":true}`))
		} else {
			w.Write([]byte(`{"authenticated":false}`))
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message_id":"chat-123","status":"` + sendStatus + `"}`))
	})
	return httptest.NewServer(mux)
}

func TestChatSessionReadiness(t *testing.T) {
	server := chatGateway(t, true, "sent")
	defer server.Close()

	session := NewChatSession(ChatConfig{GatewayURL: server.URL, SessionToken: "tok"}, zap.NewNop())

	if session.IsReady() {
		t.Error("session should not be ready before probing")
	}

	session.probe(context.Background())

	if !session.IsReady() {
		t.Error("session should be ready after successful probe")
	}
}

func TestChatSessionNotAuthenticated(t *testing.T) {
	server := chatGateway(t, false, "sent")
	defer server.Close()

	session := NewChatSession(ChatConfig{GatewayURL: server.URL, SessionToken: "tok"}, zap.NewNop())
	session.probe(context.Background())

	if session.IsReady() {
		t.Error("session should not be ready when gateway reports unauthenticated")
	}
}

func TestChatAdapterSendBeforeReady(t *testing.T) {
	logger := zap.NewNop()
	session := NewChatSession(ChatConfig{GatewayURL: "http://localhost:0"}, logger)
	adapter := NewChatAdapter(session, "591", logger)

	_, err := adapter.Send(context.Background(), Destination{Phone: "70012345"}, "", "hola")
	if !errors.Is(err, ErrChannelNotReady) {
		t.Errorf("Send before ready = %v, want ErrChannelNotReady", err)
	}
}

func TestChatAdapterSend(t *testing.T) {
	server := chatGateway(t, true, "delivered")
	defer server.Close()

	logger := zap.NewNop()
	session := NewChatSession(ChatConfig{GatewayURL: server.URL, SessionToken: "tok"}, logger)
	session.probe(context.Background())

	adapter := NewChatAdapter(session, "591", logger)

	receipt, err := adapter.Send(context.Background(), Destination{Phone: "70012345"}, "", "hola")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if receipt.MessageID != "chat-123" {
		t.Errorf("MessageID = %q, want chat-123", receipt.MessageID)
	}
	if !receipt.Delivered {
		t.Error("receipt should report delivered when gateway acks delivery")
	}
}

func TestChatAdapterMissingPhone(t *testing.T) {
	logger := zap.NewNop()
	session := NewChatSession(ChatConfig{GatewayURL: "http://localhost:0"}, logger)
	adapter := NewChatAdapter(session, "591", logger)

	_, err := adapter.Send(context.Background(), Destination{}, "", "hola")
	if !errors.Is(err, ErrMissingDestination) {
		t.Errorf("Send without phone = %v, want ErrMissingDestination", err)
	}
	if !errors.Is(err, ErrPermanent) {
		t.Error("missing destination should classify as permanent")
	}
}
