package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for notifications, campaign
// counters and the audience reads the fan-out path depends on.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, recipient_id, campaign_id, channel, state, title, body,
	destination, attempt, provider_metadata, error_message,
	created_at, sent_at, delivered_at, failed_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.CampaignID,
		&n.Channel,
		&n.State,
		&n.Title,
		&n.Body,
		&n.Destination,
		&n.Attempt,
		&n.ProviderMetadata,
		&n.ErrorMessage,
		&n.CreatedAt,
		&n.SentAt,
		&n.DeliveredAt,
		&n.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a new QUEUED notification.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, recipient_id, campaign_id, channel, state,
			title, body, destination, attempt
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		n.ID,
		n.RecipientID,
		n.CampaignID,
		n.Channel,
		n.State,
		n.Title,
		n.Body,
		n.Destination,
		n.Attempt,
	).Scan(&n.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", string(n.Channel)),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return n, nil
}

// HistoryFilter narrows ListNotifications. Zero values mean "any".
type HistoryFilter struct {
	Channel     Channel
	State       State
	RecipientID *uuid.UUID
	Page        int
	PageSize    int
}

// ListNotifications returns one page of notification history, newest
// first. Page numbering starts at 1.
func (r *Repository) ListNotifications(ctx context.Context, f HistoryFilter) ([]*Notification, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 20
	}

	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE ($1::text = '' OR channel = $1)
		  AND ($2::text = '' OR state = $2)
		  AND ($3::uuid IS NULL OR recipient_id = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	offset := (f.Page - 1) * f.PageSize
	rows, err := r.db.Pool().Query(ctx, query,
		string(f.Channel), string(f.State), f.RecipientID, f.PageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkSent transitions QUEUED -> SENT, stamps sent_at, stores the
// provider metadata, and — in the same transaction — increments the
// owning campaign's total_sent counter. The WHERE state = 'queued'
// guard makes the transition idempotent under queue redelivery: a
// second attempt affects zero rows and returns
// ErrInvalidStateTransition, so the counter is never bumped twice.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, metadata json.RawMessage) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var campaignID *uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE notifications
		SET state = $1, sent_at = NOW(), provider_metadata = $2
		WHERE id = $3 AND state = $4
		RETURNING campaign_id
	`, StateSent, metadata, id, StateQueued).Scan(&campaignID)

	if errors.Is(err, pgx.ErrNoRows) {
		return r.transitionConflict(ctx, id, StateSent)
	}
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	if campaignID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE campaigns SET total_sent = total_sent + 1 WHERE id = $1`,
			*campaignID,
		); err != nil {
			return fmt.Errorf("increment total_sent: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notification sent",
		zap.String("notification_id", id.String()),
	)

	return nil
}

// MarkDelivered transitions SENT -> DELIVERED for channels that
// confirm receipt.
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET state = $1, delivered_at = NOW()
		WHERE id = $2 AND state = $3
	`, StateDelivered, id, StateSent)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, StateDelivered)
	}

	return nil
}

// MarkFailed transitions QUEUED -> FAILED, stamps failed_at and keeps
// the human-readable error. Same guard semantics as MarkSent.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET state = $1, failed_at = NOW(), error_message = $2
		WHERE id = $3 AND state = $4
	`, StateFailed, errMsg, id, StateQueued)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, StateFailed)
	}

	r.logger.Info("notification failed",
		zap.String("notification_id", id.String()),
		zap.String("error", errMsg),
	)

	return nil
}

// transitionConflict distinguishes "row missing" from "row already in
// a terminal state" after a guarded UPDATE touched zero rows.
func (r *Repository) transitionConflict(ctx context.Context, id uuid.UUID, target State) error {
	var current State
	err := r.db.Pool().QueryRow(ctx,
		`SELECT state FROM notifications WHERE id = $1`, id,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query state: %w", err)
	}

	r.logger.Warn("rejected state transition",
		zap.String("notification_id", id.String()),
		zap.String("current", string(current)),
		zap.String("target", string(target)),
	)

	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, current, target)
}

// SetAttempt records the attempt count before a delayed re-enqueue.
func (r *Repository) SetAttempt(ctx context.Context, id uuid.UUID, attempt int) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET attempt = $1 WHERE id = $2`, attempt, id)
	if err != nil {
		return fmt.Errorf("set attempt: %w", err)
	}
	return nil
}

// ListStaleQueued returns notifications stuck in QUEUED longer than
// olderThan. Used by the reconciliation sweep to close the gap left by
// a crash between record creation and enqueue. Only never-attempted
// rows qualify: a record with attempt > 0 is in retry backoff and
// already owns a delayed queue entry, so re-enqueueing it would bypass
// the backoff.
func (r *Repository) ListStaleQueued(ctx context.Context, olderThan time.Duration, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE state = $1 AND attempt = 0 AND created_at < NOW() - $2::interval
		ORDER BY created_at ASC
		LIMIT $3
	`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	rows, err := r.db.Pool().Query(ctx, query, StateQueued, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale queued: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// GetRecipient resolves contact data at dispatch time, so the freshest
// phone/email wins over whatever was current at enqueue time.
func (r *Repository) GetRecipient(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	var rec Recipient
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, name, phone, email, plan FROM recipients WHERE id = $1
	`, id).Scan(&rec.ID, &rec.Name, &rec.Phone, &rec.Email, &rec.Plan)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient: %w", err)
	}

	return &rec, nil
}

// GetCampaign retrieves a campaign by ID
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	var c Campaign
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, name, channel, message_template, total_sent, total_converted, created_at
		FROM campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Channel, &c.MessageTemplate,
		&c.TotalSent, &c.TotalConverted, &c.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	return &c, nil
}

// GetAudience returns the campaign's assigned members with the
// recipient fields needed for template rendering. Members already
// notified or converted are excluded, so relaunching a campaign only
// reaches the remainder.
func (r *Repository) GetAudience(ctx context.Context, campaignID uuid.UUID) ([]*AudienceMember, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT m.campaign_id, m.recipient_id, m.status,
		       r.id, r.name, r.phone, r.email, r.plan
		FROM campaign_members m
		JOIN recipients r ON r.id = m.recipient_id
		WHERE m.campaign_id = $1 AND m.status = $2
		ORDER BY r.name ASC
	`, campaignID, MembershipAssigned)
	if err != nil {
		return nil, fmt.Errorf("query audience: %w", err)
	}
	defer rows.Close()

	var members []*AudienceMember
	for rows.Next() {
		var m AudienceMember
		err := rows.Scan(
			&m.CampaignID, &m.RecipientID, &m.Status,
			&m.Recipient.ID, &m.Recipient.Name,
			&m.Recipient.Phone, &m.Recipient.Email, &m.Recipient.Plan,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audience member: %w", err)
		}
		members = append(members, &m)
	}

	return members, rows.Err()
}

// MarkAudienceNotified advances an assigned membership row once its
// notification has been queued.
func (r *Repository) MarkAudienceNotified(ctx context.Context, campaignID, recipientID uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE campaign_members SET status = $1
		WHERE campaign_id = $2 AND recipient_id = $3 AND status = $4
	`, MembershipNotified, campaignID, recipientID, MembershipAssigned)
	if err != nil {
		return fmt.Errorf("mark audience notified: %w", err)
	}
	return nil
}

// IncrementConverted bumps a campaign's conversion counter. Called by
// the external conversion-tracking flow, not by the dispatch path.
func (r *Repository) IncrementConverted(ctx context.Context, campaignID uuid.UUID) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE campaigns SET total_converted = total_converted + 1 WHERE id = $1`,
		campaignID)
	if err != nil {
		return fmt.Errorf("increment total_converted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}
	return nil
}
