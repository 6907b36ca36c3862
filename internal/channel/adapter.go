// Package channel contains one adapter per delivery mechanism behind a
// uniform send contract. Adapters translate provider-specific failure
// modes into errors the worker can classify as retryable or permanent.
package channel

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/db"
)

var (
	// ErrPermanent marks failures that retrying cannot fix (malformed
	// destination, missing contact data). Workers fail the
	// notification immediately instead of burning attempts.
	ErrPermanent = errors.New("permanent channel failure")

	// ErrChannelNotReady is returned while a shared channel resource
	// (the chat session) is still authenticating after process start.
	ErrChannelNotReady = errors.New("channel not ready")

	// ErrMissingDestination indicates the resolved recipient record has
	// no usable contact field for the chosen channel.
	ErrMissingDestination = fmt.Errorf("%w: missing destination", ErrPermanent)
)

// Destination carries the contact data resolved at dispatch time.
// Which field matters depends on the channel.
type Destination struct {
	Phone string
	Email string
}

// Receipt is the opaque provider response attached to a notification
// on success.
type Receipt struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	// Delivered is set when the provider confirms receipt
	// synchronously, which only the chat gateway does.
	Delivered bool `json:"delivered,omitempty"`
}

// Adapter is the uniform send contract implemented once per channel.
type Adapter interface {
	Send(ctx context.Context, dest Destination, title, body string) (*Receipt, error)
	Channel() db.Channel
}

// Router resolves the adapter for a notification's channel once at the
// worker boundary.
type Router struct {
	adapters map[db.Channel]Adapter
	logger   *zap.Logger
}

// NewRouter builds a router over the configured adapters. Channels
// without an adapter (unconfigured credentials) stay unroutable and
// produce FAILED outcomes for attempts through them.
func NewRouter(logger *zap.Logger, adapters ...Adapter) *Router {
	m := make(map[db.Channel]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Channel()] = a
	}
	return &Router{adapters: m, logger: logger}
}

// Adapter returns the adapter for ch, or an ErrPermanent error when
// the channel is not configured in this process.
func (r *Router) Adapter(ch db.Channel) (Adapter, error) {
	a, ok := r.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s not configured", ErrPermanent, ch)
	}
	return a, nil
}

// Supports reports whether the channel has a configured adapter.
func (r *Router) Supports(ch db.Channel) bool {
	_, ok := r.adapters[ch]
	return ok
}
