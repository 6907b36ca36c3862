// Package worker drains the dispatch queue with a bounded pool of
// goroutines. Each job triggers a fresh read of the notification row,
// a channel send, and a guarded state transition; the queue entry is
// deleted only after the row reflects the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/channel"
	"github.com/altiplano-labs/despacho/internal/db"
	"github.com/altiplano-labs/despacho/internal/metrics"
	"github.com/altiplano-labs/despacho/internal/sqs"
)

const (
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = 15 * time.Minute
)

// Repository is the subset of db.Repository the dispatch loop needs.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error)
	MarkSent(ctx context.Context, id uuid.UUID, metadata json.RawMessage) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	SetAttempt(ctx context.Context, id uuid.UUID, attempt int) error
}

// Queue is the consumer plus delayed-producer side of the dispatch
// queue.
type Queue interface {
	Receive(ctx context.Context) (*sqs.Job, string, error)
	Delete(ctx context.Context, receiptHandle string) error
	EnqueueDelayed(ctx context.Context, job sqs.Job, delay time.Duration) (string, error)
}

// Router resolves channel adapters.
type Router interface {
	Adapter(ch db.Channel) (channel.Adapter, error)
}

// Pool runs a fixed number of dispatch workers against the queue.
type Pool struct {
	repo        Repository
	queue       Queue
	router      Router
	logger      *zap.Logger
	concurrency int
	maxAttempts int

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

func NewPool(repo Repository, queue Queue, router Router, concurrency, maxAttempts int, logger *zap.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Pool{
		repo:        repo,
		queue:       queue,
		router:      router,
		logger:      logger,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
	}
}

// Start launches the worker goroutines. They run until ctx is
// cancelled; Wait blocks until all of them drain.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("starting dispatch workers",
		zap.Int("concurrency", p.concurrency),
		zap.Int("max_attempts", p.maxAttempts),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID int) {
	logger := p.logger.With(zap.Int("worker", workerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, handle, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("receive failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		p.inFlight.Add(1)
		metrics.SetJobsInFlight(int(p.inFlight.Load()))

		if err := p.process(ctx, logger, job); err != nil {
			logger.Error("job processing failed",
				zap.Error(err),
				zap.String("notification_id", job.NotificationID),
			)
			// Leave the message to reappear after its visibility
			// timeout; the state guards keep the redelivery harmless.
		} else if err := p.queue.Delete(ctx, handle); err != nil {
			logger.Error("failed to delete job", zap.Error(err))
		}

		p.inFlight.Add(-1)
		metrics.SetJobsInFlight(int(p.inFlight.Load()))
	}
}

// process resolves the current row, attempts the send, and records the
// outcome. A nil return means the queue entry is spent and must be
// deleted, whatever the notification's fate was.
func (p *Pool) process(ctx context.Context, logger *zap.Logger, job *sqs.Job) error {
	id, err := uuid.Parse(job.NotificationID)
	if err != nil {
		logger.Warn("dropping malformed job",
			zap.String("notification_id", job.NotificationID))
		return nil
	}

	n, err := p.repo.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warn("dropping job for missing notification",
			zap.String("notification_id", job.NotificationID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}

	// Redelivered trigger for a record already resolved: nothing to do.
	if n.State.IsTerminal() {
		logger.Debug("skipping terminal notification",
			zap.String("notification_id", n.ID.String()),
			zap.String("state", string(n.State)),
		)
		return nil
	}

	dest, err := p.resolveDestination(ctx, n)
	if err != nil {
		return p.failPermanently(ctx, n, err)
	}

	adapter, err := p.router.Adapter(n.Channel)
	if err != nil {
		return p.failPermanently(ctx, n, err)
	}

	title := ""
	if n.Title != nil {
		title = *n.Title
	}

	receipt, err := adapter.Send(ctx, dest, title, n.Body)
	if err != nil {
		if errors.Is(err, channel.ErrPermanent) {
			return p.failPermanently(ctx, n, err)
		}
		return p.retry(ctx, logger, n, job, err)
	}

	metadata, err := json.Marshal(receipt)
	if err != nil {
		metadata = nil
	}

	if err := p.repo.MarkSent(ctx, n.ID, metadata); err != nil {
		if errors.Is(err, db.ErrInvalidStateTransition) {
			// Lost a redelivery race; the other delivery won.
			return nil
		}
		return fmt.Errorf("mark sent: %w", err)
	}

	metrics.RecordNotificationProcessed(string(db.StateSent), string(n.Channel))
	if job.EnqueuedAt > 0 {
		metrics.RecordDispatchLatency(string(n.Channel),
			time.Since(time.Unix(0, job.EnqueuedAt)))
	}

	if receipt != nil && receipt.Delivered {
		if err := p.repo.MarkDelivered(ctx, n.ID); err != nil {
			logger.Warn("failed to record delivery confirmation",
				zap.Error(err),
				zap.String("notification_id", n.ID.String()),
			)
		} else {
			metrics.RecordNotificationProcessed(string(db.StateDelivered), string(n.Channel))
		}
	}

	logger.Info("notification dispatched",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", string(n.Channel)),
	)

	return nil
}

// resolveDestination prefers fresh recipient contact data over the
// ad-hoc destination captured at creation time.
func (p *Pool) resolveDestination(ctx context.Context, n *db.Notification) (channel.Destination, error) {
	if n.RecipientID != nil {
		rec, err := p.repo.GetRecipient(ctx, *n.RecipientID)
		if errors.Is(err, db.ErrNotFound) {
			return channel.Destination{}, fmt.Errorf("%w: recipient %s", channel.ErrPermanent, *n.RecipientID)
		}
		if err != nil {
			return channel.Destination{}, fmt.Errorf("resolve recipient: %w", err)
		}

		var dest channel.Destination
		if rec.Phone != nil {
			dest.Phone = *rec.Phone
		}
		if rec.Email != nil {
			dest.Email = *rec.Email
		}
		if dest.Phone == "" && dest.Email == "" {
			return channel.Destination{}, channel.ErrMissingDestination
		}
		return dest, nil
	}

	if n.Destination == nil || *n.Destination == "" {
		return channel.Destination{}, channel.ErrMissingDestination
	}

	switch n.Channel {
	case db.ChannelEmail:
		return channel.Destination{Email: *n.Destination}, nil
	default:
		return channel.Destination{Phone: *n.Destination}, nil
	}
}

// failPermanently fails the record without consuming retry budget.
func (p *Pool) failPermanently(ctx context.Context, n *db.Notification, cause error) error {
	if err := p.repo.MarkFailed(ctx, n.ID, cause.Error()); err != nil {
		if errors.Is(err, db.ErrInvalidStateTransition) {
			return nil
		}
		return fmt.Errorf("mark failed: %w", err)
	}

	metrics.RecordNotificationProcessed(string(db.StateFailed), string(n.Channel))
	p.logger.Warn("notification failed permanently",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", string(n.Channel)),
		zap.String("error", cause.Error()),
	)

	return nil
}

// retry re-enqueues with exponential backoff, or fails the record once
// the attempt budget is spent.
func (p *Pool) retry(ctx context.Context, logger *zap.Logger, n *db.Notification, job *sqs.Job, cause error) error {
	attempt := job.Attempt + 1
	if attempt >= p.maxAttempts {
		if err := p.repo.MarkFailed(ctx, n.ID,
			fmt.Sprintf("exhausted %d attempts: %s", p.maxAttempts, cause.Error()),
		); err != nil {
			if errors.Is(err, db.ErrInvalidStateTransition) {
				return nil
			}
			return fmt.Errorf("mark failed: %w", err)
		}
		metrics.RecordNotificationProcessed(string(db.StateFailed), string(n.Channel))
		logger.Warn("retry budget exhausted",
			zap.String("notification_id", n.ID.String()),
			zap.Int("attempts", attempt),
			zap.Error(cause),
		)
		return nil
	}

	if err := p.repo.SetAttempt(ctx, n.ID, attempt); err != nil {
		logger.Warn("failed to record attempt count", zap.Error(err))
	}

	delay := backoff(attempt)
	if _, err := p.queue.EnqueueDelayed(ctx, sqs.Job{
		NotificationID: job.NotificationID,
		Channel:        n.Channel,
		Attempt:        attempt,
		EnqueuedAt:     job.EnqueuedAt,
	}, delay); err != nil {
		// Keep the original message alive so SQS redelivers it.
		return fmt.Errorf("re-enqueue: %w", err)
	}

	metrics.RecordDispatchRetry(string(n.Channel))
	logger.Info("retrying after transient failure",
		zap.String("notification_id", n.ID.String()),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	return nil
}

// backoff doubles the base delay per attempt: 30s, 1m, 2m, ...
func backoff(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}
