package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"train-ticket/internal/services"
)

type BucketAdmin interface {
	Bucket(ctx context.Context, trainID string) (*services.BucketView, error)
	InvalidateBucket(ctx context.Context, trainID string) error
}

type AdminHandler struct {
	buckets BucketAdmin
}

func NewAdminHandler(buckets BucketAdmin) *AdminHandler {
	return &AdminHandler{buckets: buckets}
}

// GetTokenBucket - Current token counts of a train
func (h *AdminHandler) GetTokenBucket(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return apis.NewUnauthorizedError("Admin access required", nil)
	}

	trainID := e.Request.PathValue("trainId")
	view, err := h.buckets.Bucket(e.Request.Context(), trainID)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"train_id": trainID,
		"state":    view.State,
		"tokens":   view.Tokens,
	})
}

// InvalidateTokenBucket - Drop a train's bucket so the next purchase rebuilds it
func (h *AdminHandler) InvalidateTokenBucket(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return apis.NewUnauthorizedError("Admin access required", nil)
	}

	trainID := e.Request.PathValue("trainId")
	if err := h.buckets.InvalidateBucket(e.Request.Context(), trainID); err != nil {
		return respondError(e, err)
	}

	log.Printf("Admin %s invalidated token bucket of train %s", e.Auth.Id, trainID)
	return e.JSON(http.StatusOK, map[string]any{"message": "Token bucket invalidated", "train_id": trainID})
}
