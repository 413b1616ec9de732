package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	"train-ticket/internal/status"
)

// errorBody mirrors the pocketbase api error shape.
type errorBody struct {
	Status  int            `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// toErrorBody maps err onto a response. Contention, dependency and
// consistency failures only carry a generic message.
func toErrorBody(err error) errorBody {
	body := errorBody{Data: map[string]any{}}

	switch status.KindOf(err) {
	case status.KindClient:
		body.Status = http.StatusBadRequest
		body.Message = err.Error()
		switch {
		case errors.Is(err, status.ErrUnauthenticated):
			body.Status = http.StatusUnauthorized
		case errors.Is(err, status.ErrTrainNotFound), errors.Is(err, status.ErrOrderNotFound):
			body.Status = http.StatusNotFound
		}
	case status.KindCapacity:
		body.Status = http.StatusConflict
		body.Message = err.Error()
		if shortfalls := status.ShortfallsOf(err); len(shortfalls) > 0 {
			body.Data["shortfalls"] = shortfalls
		}
	case status.KindContention:
		body.Status = http.StatusTooManyRequests
		body.Message = "Too many people are buying right now. Please try again."
	case status.KindConsistency:
		body.Status = http.StatusInternalServerError
		body.Message = "Something went wrong. Please try again."
	default:
		body.Status = http.StatusServiceUnavailable
		body.Message = "Service temporarily unavailable. Please try again."
	}
	return body
}

func respondError(e *core.RequestEvent, err error) error {
	body := toErrorBody(err)
	if body.Status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", e.Request.Method, "path", e.Request.URL.Path, "kind", status.KindOf(err).String(), "error", err)
	}
	return e.JSON(body.Status, body)
}
