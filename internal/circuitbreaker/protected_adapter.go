package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/channel"
	"github.com/altiplano-labs/despacho/internal/db"
)

// ProtectedAdapter wraps a channel adapter with a CircuitBreaker so a
// failing provider fails fast instead of tying up the worker pool.
type ProtectedAdapter struct {
	adapter channel.Adapter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// Protect wraps an adapter with circuit breaker protection.
func Protect(adapter channel.Adapter, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{
		adapter: adapter,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedAdapter) Channel() db.Channel {
	return p.adapter.Channel()
}

// Send forwards through the breaker. When the circuit is open the call
// returns ErrCircuitOpen without touching the provider; the worker
// treats that as a transient failure and retries with backoff.
func (p *ProtectedAdapter) Send(ctx context.Context, dest channel.Destination, title, body string) (*channel.Receipt, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("channel", string(p.adapter.Channel())),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	receipt, err := p.adapter.Send(ctx, dest, title, body)
	if err != nil {
		// Permanent errors are bad input, not provider health; they
		// must not open the circuit.
		if !errors.Is(err, channel.ErrPermanent) {
			p.breaker.RecordFailure()
		}
		return nil, err
	}

	p.breaker.RecordSuccess()
	return receipt, nil
}

// Breaker exposes the underlying breaker for stats endpoints.
func (p *ProtectedAdapter) Breaker() *CircuitBreaker {
	return p.breaker
}
