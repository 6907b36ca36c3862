package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/db"
	"github.com/altiplano-labs/despacho/internal/dispatch"
	"github.com/altiplano-labs/despacho/internal/metrics"
	"github.com/altiplano-labs/despacho/internal/redis"
)

// Dispatcher is the service boundary the API creates work through.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.SendRequest) (*db.Notification, error)
	Launch(ctx context.Context, req dispatch.LaunchRequest) ([]dispatch.LaunchResult, error)
}

// HistoryRepository serves the read side of the API.
type HistoryRepository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, f db.HistoryFilter) ([]*db.Notification, error)
	IncrementConverted(ctx context.Context, campaignID uuid.UUID) error
}

// NotificationRequest represents the incoming request body
type NotificationRequest struct {
	Channel     string `json:"channel"`
	Body        string `json:"body"`
	Title       string `json:"title,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// LaunchCampaignRequest optionally overrides the campaign's channel or
// template for this launch.
type LaunchCampaignRequest struct {
	Channel          string `json:"channel,omitempty"`
	TemplateOverride string `json:"template_override,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	dispatcher  Dispatcher
	repo        HistoryRepository
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler. idempotency may be nil.
func NewHandler(logger *zap.Logger, dispatcher Dispatcher, repo HistoryRepository, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		dispatcher:  dispatcher,
		repo:        repo,
		idempotency: idempotency,
	}
}

// CreateNotification handles POST /v1/notifications.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	var recipientID *uuid.UUID
	if req.RecipientID != "" {
		id, err := uuid.Parse(req.RecipientID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
			return
		}
		recipientID = &id
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrRequestInFlight) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": cached.NotificationID})
			return
		}
	}

	n, err := h.dispatcher.Send(ctx, dispatch.SendRequest{
		Channel:     req.Channel,
		Body:        req.Body,
		Title:       req.Title,
		RecipientID: recipientID,
		Destination: req.Destination,
	})
	if err != nil {
		if idempotencyKey != "" && h.idempotency != nil {
			if relErr := h.idempotency.Release(ctx, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		if errors.Is(err, dispatch.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification request", err.Error())
			return
		}
		h.logger.Error("failed to create notification", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to create notification", "")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			NotificationID: n.ID.String(),
			StatusCode:     http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(n)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	n, err := h.repo.GetNotification(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(n)
}

// ListNotifications handles
// GET /v1/notifications?channel=sms&state=failed&recipient_id=xxx&page=1&page_size=20
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var filter db.HistoryFilter

	if raw := r.URL.Query().Get("channel"); raw != "" {
		ch, err := db.ParseChannel(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be sms, chat, or email")
			return
		}
		filter.Channel = ch
	}

	if raw := r.URL.Query().Get("state"); raw != "" {
		st, err := db.ParseState(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid state", "state must be queued, sent, delivered, or failed")
			return
		}
		filter.State = st
	}

	if raw := r.URL.Query().Get("recipient_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
			return
		}
		filter.RecipientID = &id
	}

	filter.Page = 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 {
			filter.Page = p
		}
	}

	filter.PageSize = 20
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if s, err := strconv.Atoi(raw); err == nil && s > 0 && s <= 100 {
			filter.PageSize = s
		}
	}

	notifications, err := h.repo.ListNotifications(ctx, filter)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	if notifications == nil {
		notifications = []*db.Notification{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":      notifications,
		"page":      filter.Page,
		"page_size": filter.PageSize,
		"count":     len(notifications),
	})
}

// LaunchCampaign handles POST /v1/campaigns/{id}/launch
func (h *Handler) LaunchCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	var req LaunchCampaignRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	results, err := h.dispatcher.Launch(ctx, dispatch.LaunchRequest{
		CampaignID:       campaignID,
		Channel:          req.Channel,
		TemplateOverride: req.TemplateOverride,
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
			return
		}
		h.logger.Error("failed to launch campaign",
			zap.Error(err),
			zap.String("campaign_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to launch campaign", "")
		return
	}

	queued := 0
	for _, res := range results {
		if res.Error == "" {
			queued++
		}
	}

	h.logger.Info("campaign launched",
		zap.String("campaign_id", idStr),
		zap.Int("audience", len(results)),
		zap.Int("queued", queued),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id": idStr,
		"audience":    len(results),
		"queued":      queued,
		"results":     results,
	})
}

// RecordConversion handles POST /v1/campaigns/{id}/conversions
func (h *Handler) RecordConversion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.IncrementConverted(ctx, campaignID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
			return
		}
		h.logger.Error("failed to record conversion",
			zap.Error(err),
			zap.String("campaign_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record conversion", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"campaign_id": idStr,
		"status":      "converted",
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
