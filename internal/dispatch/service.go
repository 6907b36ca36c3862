// Package dispatch owns the synchronous half of the engine: validating
// a notify request, durably recording intent as a QUEUED notification,
// and handing a work trigger to the dispatch queue. Delivery itself
// happens later in the worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/db"
	"github.com/altiplano-labs/despacho/internal/metrics"
	"github.com/altiplano-labs/despacho/internal/sqs"
)

// ErrValidation marks synchronous creation-time failures. Nothing is
// persisted or enqueued when Send returns one.
var ErrValidation = errors.New("validation")

// Repository is the subset of db.Repository the dispatch path needs.
type Repository interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	GetAudience(ctx context.Context, campaignID uuid.UUID) ([]*db.AudienceMember, error)
	MarkAudienceNotified(ctx context.Context, campaignID, recipientID uuid.UUID) error
}

// Queue is the producer side of the dispatch queue.
type Queue interface {
	Enqueue(ctx context.Context, job sqs.Job) (string, error)
}

// Service creates notifications and enqueues their dispatch jobs.
type Service struct {
	repo   Repository
	queue  Queue
	logger *zap.Logger
}

func NewService(repo Repository, queue Queue, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		queue:  queue,
		logger: logger,
	}
}

// SendRequest is one intent to notify. Channel accepts any spelling
// ParseChannel knows; RecipientID or Destination must identify where
// the message goes.
type SendRequest struct {
	Channel     string
	Body        string
	Title       string
	RecipientID *uuid.UUID
	CampaignID  *uuid.UUID
	// Destination is an ad-hoc phone/email used when no recipient
	// reference exists.
	Destination string
}

// Send validates the request, persists a QUEUED record, and enqueues a
// dispatch job. The call returns as soon as the job is queued; delivery
// outcome is observable only through the record's state.
func (s *Service) Send(ctx context.Context, req SendRequest) (*db.Notification, error) {
	ch, err := db.ParseChannel(req.Channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("%w: body is required", ErrValidation)
	}

	if req.RecipientID == nil && strings.TrimSpace(req.Destination) == "" {
		return nil, fmt.Errorf("%w: recipient or destination is required", ErrValidation)
	}

	n := &db.Notification{
		ID:          uuid.New(),
		RecipientID: req.RecipientID,
		CampaignID:  req.CampaignID,
		Channel:     ch,
		State:       db.StateQueued,
		Body:        req.Body,
	}
	if req.Title != "" {
		n.Title = &req.Title
	}
	if req.Destination != "" {
		dest := strings.TrimSpace(req.Destination)
		n.Destination = &dest
	}

	if err := s.repo.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	// Record and queue entry live in different stores; a crash between
	// the two strands the record in QUEUED until the sweeper re-enqueues
	// it, so an enqueue failure here is loud but not fatal to the record.
	if _, err := s.queue.Enqueue(ctx, sqs.Job{
		NotificationID: n.ID.String(),
		Channel:        ch,
	}); err != nil {
		s.logger.Error("failed to enqueue dispatch job",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return nil, fmt.Errorf("enqueue dispatch job: %w", err)
	}

	metrics.RecordNotificationQueued(string(ch))

	s.logger.Info("notification queued for dispatch",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", string(ch)),
	)

	return n, nil
}
