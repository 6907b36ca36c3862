package db

import (
	"errors"
	"testing"
)

func TestParseChannel(t *testing.T) {
	tests := []struct {
		input string
		want  Channel
	}{
		{"sms", ChannelSMS},
		{"SMS", ChannelSMS},
		{"chat", ChannelChat},
		{"whatsapp", ChannelChat},
		{"email", ChannelEmail},
		{"EMAIL", ChannelEmail},
		{"correo", ChannelEmail},
		{"CORREO", ChannelEmail},
		{" email ", ChannelEmail},
	}

	for _, tt := range tests {
		got, err := ParseChannel(tt.input)
		if err != nil {
			t.Errorf("ParseChannel(%q) failed: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseChannel(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestParseChannelAliasesAreEquivalent(t *testing.T) {
	a, err := ParseChannel("EMAIL")
	if err != nil {
		t.Fatalf("ParseChannel(EMAIL) failed: %v", err)
	}
	b, err := ParseChannel("CORREO")
	if err != nil {
		t.Fatalf("ParseChannel(CORREO) failed: %v", err)
	}
	if a != b {
		t.Errorf("EMAIL and CORREO must map to the same channel: %s vs %s", a, b)
	}
}

func TestParseChannelRejectsUnknown(t *testing.T) {
	for _, input := range []string{"fax", "", "pigeon"} {
		if _, err := ParseChannel(input); !errors.Is(err, ErrUnknownChannel) {
			t.Errorf("ParseChannel(%q): expected ErrUnknownChannel, got %v", input, err)
		}
	}
}

func TestStateIsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateQueued, false},
		{StateSent, true},
		{StateDelivered, true},
		{StateFailed, true},
	}

	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, input := range []string{"queued", "sent", "delivered", "failed"} {
		if _, err := ParseState(input); err != nil {
			t.Errorf("ParseState(%q) failed: %v", input, err)
		}
	}
	if _, err := ParseState("processing"); err == nil {
		t.Error("ParseState must reject unknown states")
	}
}
