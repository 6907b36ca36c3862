package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/db"
	"github.com/altiplano-labs/despacho/internal/metrics"
)

// ChatSession is the shared, long-lived client for the session-based
// chat gateway. The gateway needs an out-of-band authentication
// handshake (QR scan / token exchange) that takes a while after
// process start, so the session exposes readiness instead of blocking:
// sends through an unauthenticated session fail with
// ErrChannelNotReady and the worker retries later.
//
// The session is shared across all workers; the zero-field http.Client
// is safe for concurrent use and the ready flag is guarded by mu.
type ChatSession struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger

	mu    sync.RWMutex
	ready bool
}

type ChatConfig struct {
	GatewayURL   string
	SessionToken string
	// PollInterval is how often the session checks the gateway for
	// authentication status until it reports ready.
	PollInterval time.Duration
	Timeout      time.Duration
}

// NewChatSession constructs the session without connecting. Call Start
// to begin the background authentication loop.
func NewChatSession(cfg ChatConfig, logger *zap.Logger) *ChatSession {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ChatSession{
		baseURL: strings.TrimRight(cfg.GatewayURL, "/"),
		token:   cfg.SessionToken,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// IsReady reports whether the gateway session is authenticated.
func (s *ChatSession) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *ChatSession) setReady(ready bool) {
	s.mu.Lock()
	wasReady := s.ready
	s.ready = ready
	s.mu.Unlock()

	metrics.SetChatSessionReady(ready)

	if ready && !wasReady {
		s.logger.Info("chat session authenticated and ready")
	}
	if !ready && wasReady {
		s.logger.Warn("chat session lost authentication")
	}
}

// Start polls the gateway for session status until ctx is cancelled.
// It keeps polling after the session becomes ready so a dropped
// session flips readiness back off.
func (s *ChatSession) Start(ctx context.Context, pollInterval time.Duration) {
	if pollInterval == 0 {
		pollInterval = 10 * time.Second
	}

	s.probe(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("chat session poller stopping")
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *ChatSession) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/session/status", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("chat session probe failed", zap.Error(err))
		s.setReady(false)
		return
	}
	defer resp.Body.Close()

	var status struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		s.setReady(false)
		return
	}

	s.setReady(resp.StatusCode == http.StatusOK && status.Authenticated)
}

type chatSendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type chatSendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// SendMessage posts one message through the authenticated session.
func (s *ChatSession) SendMessage(ctx context.Context, to, body string) (*chatSendResponse, error) {
	if !s.IsReady() {
		return nil, ErrChannelNotReady
	}

	payload, err := json.Marshal(chatSendRequest{To: to, Body: body})
	if err != nil {
		return nil, fmt.Errorf("marshal chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		s.setReady(false)
		return nil, ErrChannelNotReady
	}

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chat gateway returned status %d: %s", resp.StatusCode, string(preview))
	}

	var out chatSendResponse
	if err := json.Unmarshal(preview, &out); err != nil {
		return nil, fmt.Errorf("invalid chat gateway response: %w", err)
	}

	return &out, nil
}

// ChatAdapter delivers messages through the shared ChatSession.
type ChatAdapter struct {
	session     *ChatSession
	countryCode string
	logger      *zap.Logger
}

// NewChatAdapter wraps the injected session. The session's lifecycle
// (Start/authentication) belongs to the caller, not the adapter.
func NewChatAdapter(session *ChatSession, defaultCountryCode string, logger *zap.Logger) *ChatAdapter {
	return &ChatAdapter{
		session:     session,
		countryCode: defaultCountryCode,
		logger:      logger,
	}
}

func (a *ChatAdapter) Channel() db.Channel { return db.ChannelChat }

// Send normalizes the destination phone to international format and
// posts through the session. Title is ignored; chat messages have no
// subject.
func (a *ChatAdapter) Send(ctx context.Context, dest Destination, _, body string) (*Receipt, error) {
	if strings.TrimSpace(dest.Phone) == "" {
		return nil, fmt.Errorf("%w: chat needs a phone number", ErrMissingDestination)
	}

	number, err := NormalizePhone(dest.Phone, a.countryCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	resp, err := a.session.SendMessage(ctx, number, body)
	if err != nil {
		return nil, err
	}

	a.logger.Info("chat message sent",
		zap.String("to", number),
		zap.String("message_id", resp.MessageID),
		zap.String("status", resp.Status),
	)

	return &Receipt{
		MessageID: resp.MessageID,
		Status:    resp.Status,
		Delivered: resp.Status == "delivered",
	}, nil
}
