package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/db"
)

// SMSAdapter sends text messages through AWS SNS.
type SMSAdapter struct {
	client      *sns.Client
	countryCode string
	logger      *zap.Logger
}

type SMSConfig struct {
	Region string
	// DefaultCountryCode is prepended to bare local numbers, e.g. "591".
	DefaultCountryCode string
}

// NewSMSAdapter creates the SNS-backed SMS adapter. Construction fails
// when AWS credentials cannot be resolved, which disables the channel.
func NewSMSAdapter(ctx context.Context, cfg SMSConfig, logger *zap.Logger) (*SMSAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	return &SMSAdapter{
		client:      sns.NewFromConfig(awsCfg),
		countryCode: cfg.DefaultCountryCode,
		logger:      logger,
	}, nil
}

func (a *SMSAdapter) Channel() db.Channel { return db.ChannelSMS }

// Send publishes the message to the destination phone number. The
// title is ignored; SMS has no subject line.
func (a *SMSAdapter) Send(ctx context.Context, dest Destination, _, body string) (*Receipt, error) {
	if strings.TrimSpace(dest.Phone) == "" {
		return nil, fmt.Errorf("%w: sms needs a phone number", ErrMissingDestination)
	}

	number, err := NormalizePhone(dest.Phone, a.countryCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(number),
		Message:     aws.String(body),
	}

	result, err := a.client.Publish(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	a.logger.Info("sms sent via SNS",
		zap.String("phone_number", number),
		zap.String("message_id", *result.MessageId),
	)

	return &Receipt{MessageID: *result.MessageId, Status: "accepted"}, nil
}
