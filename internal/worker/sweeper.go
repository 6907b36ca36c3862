package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/db"
	"github.com/altiplano-labs/despacho/internal/metrics"
	"github.com/altiplano-labs/despacho/internal/sqs"
)

const sweepBatchSize = 100

// SweepRepository lists notifications stuck in QUEUED.
type SweepRepository interface {
	ListStaleQueued(ctx context.Context, olderThan time.Duration, limit int) ([]*db.Notification, error)
}

// SweepQueue re-enqueues rescued jobs.
type SweepQueue interface {
	Enqueue(ctx context.Context, job sqs.Job) (string, error)
}

// Sweeper periodically re-enqueues notifications left in QUEUED past
// the stale threshold. These are the records orphaned by a crash
// between the row insert and the queue send, which only ever leaves
// rows at attempt zero; records in retry backoff keep their delayed
// queue entry and are not swept. Re-enqueueing a record that still has
// a live queue entry is harmless because the state guards reject the
// duplicate transition.
type Sweeper struct {
	repo       SweepRepository
	queue      SweepQueue
	interval   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
}

func NewSweeper(repo SweepRepository, queue SweepQueue, interval, staleAfter time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		repo:       repo,
		queue:      queue,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("starting reconciliation sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("stale_after", s.staleAfter),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	stale, err := s.repo.ListStaleQueued(ctx, s.staleAfter, sweepBatchSize)
	if err != nil {
		s.logger.Error("sweep query failed", zap.Error(err))
		return
	}
	if len(stale) == 0 {
		return
	}

	requeued := 0
	for _, n := range stale {
		_, err := s.queue.Enqueue(ctx, sqs.Job{
			NotificationID: n.ID.String(),
			Channel:        n.Channel,
			Attempt:        n.Attempt,
		})
		if err != nil {
			s.logger.Error("sweep re-enqueue failed",
				zap.Error(err),
				zap.String("notification_id", n.ID.String()),
			)
			continue
		}
		metrics.RecordSweepRequeue()
		requeued++
	}

	s.logger.Info("sweep pass complete",
		zap.Int("stale", len(stale)),
		zap.Int("requeued", requeued),
	)
}
