package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/replywatch/internal/domain"
)

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	var retryable *domain.RetryableError
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidReviewAction):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrSentEmailNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotDeadLettered), errors.Is(err, domain.ErrJobStateChanged),
		errors.Is(err, domain.ErrDuplicateJob):
		return http.StatusConflict
	case errors.As(err, &retryable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes the mapped JSON error response.
func (h *Handler) writeError(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.String("path", c.Request.URL.Path), slog.Any("error", err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	h.logger.Warn(msg, slog.String("path", c.Request.URL.Path), slog.String("error", err.Error()))
	c.JSON(status, gin.H{"error": err.Error()})
}
