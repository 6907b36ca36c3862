package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/db"
)

// EmailAdapter sends transactional email through AWS SES.
type EmailAdapter struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type EmailConfig struct {
	Region    string
	FromEmail string
}

// NewEmailAdapter creates the SES-backed email adapter. A missing
// outbound relay configuration fails construction and disables the
// channel.
func NewEmailAdapter(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailAdapter, error) {
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("email adapter requires a from address")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SES: %w", err)
	}

	return &EmailAdapter{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (a *EmailAdapter) Channel() db.Channel { return db.ChannelEmail }

// Send delivers the body to the destination address with title as the
// subject. Both are required for email.
func (a *EmailAdapter) Send(ctx context.Context, dest Destination, title, body string) (*Receipt, error) {
	if strings.TrimSpace(dest.Email) == "" {
		return nil, fmt.Errorf("%w: email needs an address", ErrMissingDestination)
	}
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: email needs a subject", ErrPermanent)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &types.Destination{
			ToAddresses: []string{dest.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send failed: %w", err)
	}

	a.logger.Info("email sent via SES",
		zap.String("to", dest.Email),
		zap.String("message_id", *result.MessageId),
	)

	return &Receipt{MessageID: *result.MessageId, Status: "accepted"}, nil
}
