package segmentapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/logger"
)

// writeError renders err according to its class. msg is used for 5xx
// responses so that storage details never leak to clients.
func writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	log := logger.FromContext(r.Context())

	switch apperrors.ClassOf(err) {
	case apperrors.ClassInvalid:
		msgs := apperrors.Messages(err)
		details := make([]ErrorDetail, len(msgs))
		for i, m := range msgs {
			details[i] = ErrorDetail{Issue: m}
		}
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_VALIDATION",
			Message: "The request was rejected by validation",
			Details: details,
		})

	case apperrors.ClassNotFound:
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "Resource not found"})

	case apperrors.ClassConflict:
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_CONFLICT",
			Message: "The segment was modified by another request, reload it and retry",
		})

	case apperrors.ClassTransient:
		log.Warn(msg, slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, ErrorResponse{
			Code:      "ERR_UNAVAILABLE",
			Message:   msg + ", try again later",
			Retryable: true,
		})

	default:
		log.Error(msg, slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: msg})
	}
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, resp *ErrorResponse) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, resp)
}

func writeInvalidJSON(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
	writeBadRequest(w, r, &ErrorResponse{
		Code:    "ERR_INVALID_JSON",
		Message: "Invalid JSON payload: " + err.Error(),
	})
}
