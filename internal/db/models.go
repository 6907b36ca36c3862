package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel is the closed set of delivery mechanisms.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
	ChannelEmail Channel = "email"
)

// ParseChannel normalizes user input to a canonical Channel.
// Input is case-insensitive and the legacy "CORREO" spelling for email
// is accepted at the boundary only; everything downstream sees the
// canonical value.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sms":
		return ChannelSMS, nil
	case "chat", "whatsapp":
		return ChannelChat, nil
	case "email", "correo":
		return ChannelEmail, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
}

// State is the lifecycle state of a notification.
type State string

const (
	StateQueued    State = "queued"
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
// SENT counts as terminal for channels without delivery confirmation;
// DELIVERED and FAILED always are.
func (s State) IsTerminal() bool {
	return s == StateSent || s == StateDelivered || s == StateFailed
}

func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return StateQueued, nil
	case "sent":
		return StateSent, nil
	case "delivered":
		return StateDelivered, nil
	case "failed":
		return StateFailed, nil
	default:
		return "", fmt.Errorf("unknown state: %q", s)
	}
}

var (
	// ErrInvalidStateTransition is returned when a terminal transition is
	// attempted on a record that is not in the required source state.
	// The existing record is left untouched.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	ErrNotFound       = errors.New("not found")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Notification is one delivery attempt-group. The database row is the
// single source of truth for state; the queue entry is only a trigger.
type Notification struct {
	ID               uuid.UUID       `json:"id"`
	RecipientID      *uuid.UUID      `json:"recipient_id,omitempty"`
	CampaignID       *uuid.UUID      `json:"campaign_id,omitempty"`
	Channel          Channel         `json:"channel"`
	State            State           `json:"state"`
	Title            *string         `json:"title,omitempty"`
	Body             string          `json:"body"`
	Destination      *string         `json:"destination,omitempty"`
	Attempt          int             `json:"attempt"`
	ProviderMetadata json.RawMessage `json:"provider_metadata,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
}

// Campaign is a promotional record with an audience and a message
// template. Owned elsewhere; this core only reads it and bumps the
// aggregate counters from the dispatch path.
type Campaign struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Channel         Channel   `json:"channel"`
	MessageTemplate string    `json:"message_template"`
	TotalSent       int       `json:"total_sent"`
	TotalConverted  int       `json:"total_converted"`
	CreatedAt       time.Time `json:"created_at"`
}

// Recipient holds the contact data resolved at dispatch time.
type Recipient struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Phone *string   `json:"phone,omitempty"`
	Email *string   `json:"email,omitempty"`
	Plan  string    `json:"plan"`
}

// Audience membership status constants
const (
	MembershipAssigned  = "assigned"
	MembershipNotified  = "notified"
	MembershipConverted = "converted"
)

// AudienceMember joins a recipient to a campaign with its own
// assignment lifecycle.
type AudienceMember struct {
	CampaignID  uuid.UUID `json:"campaign_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Status      string    `json:"status"`
	Recipient   Recipient `json:"recipient"`
}
