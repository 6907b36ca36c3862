package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/metrics"
	"github.com/altiplano-labs/despacho/internal/template"
)

// LaunchResult is one per-recipient fan-out outcome: either a queued
// notification ID or the error that kept this recipient out.
type LaunchResult struct {
	RecipientID    uuid.UUID  `json:"recipient_id"`
	NotificationID *uuid.UUID `json:"notification_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// LaunchRequest selects the campaign's channel when Channel is empty.
type LaunchRequest struct {
	CampaignID       uuid.UUID
	Channel          string
	TemplateOverride string
}

// Launch fans a campaign out to its full audience: one rendered,
// personalized notification per member, each created and enqueued
// independently. A failure for one member never aborts the others; the
// caller gets the complete per-recipient result list.
func (s *Service) Launch(ctx context.Context, req LaunchRequest) ([]LaunchResult, error) {
	campaign, err := s.repo.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	channel := string(campaign.Channel)
	if req.Channel != "" {
		channel = req.Channel
	}

	tmpl := campaign.MessageTemplate
	if req.TemplateOverride != "" {
		tmpl = req.TemplateOverride
	}

	audience, err := s.repo.GetAudience(ctx, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load audience: %w", err)
	}

	s.logger.Info("launching campaign",
		zap.String("campaign_id", req.CampaignID.String()),
		zap.String("channel", channel),
		zap.Int("audience_size", len(audience)),
	)

	results := make([]LaunchResult, 0, len(audience))
	for _, member := range audience {
		result := LaunchResult{RecipientID: member.RecipientID}

		body := template.Render(tmpl, template.Fields(&member.Recipient))
		recipientID := member.RecipientID
		campaignID := campaign.ID

		n, err := s.Send(ctx, SendRequest{
			Channel:     channel,
			Body:        body,
			Title:       campaign.Name,
			RecipientID: &recipientID,
			CampaignID:  &campaignID,
		})
		if err != nil {
			result.Error = err.Error()
			metrics.RecordFanoutResult("error")
			s.logger.Warn("fan-out member skipped",
				zap.String("campaign_id", campaignID.String()),
				zap.String("recipient_id", recipientID.String()),
				zap.Error(err),
			)
		} else {
			id := n.ID
			result.NotificationID = &id
			metrics.RecordFanoutResult("queued")

			if err := s.repo.MarkAudienceNotified(ctx, campaignID, recipientID); err != nil {
				s.logger.Warn("failed to advance membership status",
					zap.String("recipient_id", recipientID.String()),
					zap.Error(err),
				)
			}
		}

		results = append(results, result)
	}

	return results, nil
}
