// Package sqs implements the dispatch queue on AWS SQS: a durable,
// at-least-once work queue decoupling notification creation from
// delivery. The queue entry is a disposable trigger; the notifications
// table remains the source of truth for state.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Job is the work trigger sent to SQS. It intentionally carries no
// message content: workers re-read the notification row so the
// freshest state and contact data win at dispatch time.
type Job struct {
	NotificationID string     `json:"notification_id"`
	Channel        db.Channel `json:"channel"`
	Attempt        int        `json:"attempt"`
	EnqueuedAt     int64      `json:"enqueued_at"`
}

// Producer sends dispatch jobs to SQS.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue sends a dispatch job for immediate processing.
func (p *Producer) Enqueue(ctx context.Context, job Job) (string, error) {
	return p.EnqueueDelayed(ctx, job, 0)
}

// EnqueueDelayed sends a dispatch job that becomes visible after delay.
// Used for retry backoff; SQS caps DelaySeconds at 15 minutes.
func (p *Producer) EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) (string, error) {
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixNano()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	delaySeconds := int32(delay.Seconds())
	if delaySeconds > 900 {
		delaySeconds = 900
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds,
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send job to sqs",
			zap.Error(err),
			zap.String("notification_id", job.NotificationID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}

// Consumer reads dispatch jobs from SQS.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Receive retrieves one job with long polling. Returns (nil, "", nil)
// when the wait elapses with no message.
func (c *Consumer) Receive(ctx context.Context) (*Job, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	raw := result.Messages[0]

	var job Job
	if err := json.Unmarshal([]byte(*raw.Body), &job); err != nil {
		c.logger.Error("failed to unmarshal job", zap.Error(err))
		return nil, "", fmt.Errorf("invalid job format: %w", err)
	}

	return &job, *raw.ReceiptHandle, nil
}

// Delete removes a job from SQS after processing.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility extends the visibility timeout for a job.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
