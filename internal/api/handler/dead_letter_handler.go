package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/replywatch/internal/api/dto"
	"github.com/cuongbtq/replywatch/internal/deadletter"
	"github.com/cuongbtq/replywatch/internal/domain"
)

// ListDeadLetters handles GET /api/v1/users/:user_id/dead-letters
// Lists dead-lettered jobs newest first with cursor pagination
func (h *Handler) ListDeadLetters(c *gin.Context) {
	userID := c.Param("user_id")

	var req dto.ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationMessage(err),
		})
		return
	}
	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	cursor, err := DecodeCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	page, err := h.deadLetters.List(c.Request.Context(), deadletter.ListRequest{
		UserID:       userID,
		ReviewStatus: domain.ReviewStatus(req.Status),
		PageSize:     req.PageSize,
		Cursor:       cursor,
	})
	if err != nil {
		h.writeError(c, "Failed to list dead letters", err)
		return
	}

	entries := make([]dto.JobDTO, len(page.Entries))
	for i := range page.Entries {
		entries[i] = toJobDTO(&page.Entries[i])
	}

	c.JSON(http.StatusOK, dto.ListDeadLettersResponse{
		Entries:    entries,
		NextCursor: EncodeCursor(page.NextCursor),
	})
}

// ReviewDeadLetter handles POST /api/v1/dead-letters/:job_id/review
// Applies an operator decision to a dead-lettered job
func (h *Handler) ReviewDeadLetter(c *gin.Context) {
	jobID := c.Param("job_id")

	var req dto.ReviewDeadLetterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationMessage(err),
		})
		return
	}

	job, err := h.deadLetters.Review(c.Request.Context(), deadletter.ReviewRequest{
		JobID:           jobID,
		UserID:          req.UserID,
		Action:          domain.ReviewAction(req.Action),
		Notes:           req.Notes,
		ReplyContent:    req.ReplyContent,
		ReplyReceivedAt: req.ReplyReceivedAt,
	})
	if err != nil {
		h.writeError(c, "Failed to review dead letter", err)
		return
	}
	c.JSON(http.StatusOK, toJobDTO(job))
}

// ForceDeadLetter handles POST /api/v1/jobs/:job_id/dead-letter
// Moves a failed, queued or pending job straight to review
func (h *Handler) ForceDeadLetter(c *gin.Context) {
	jobID := c.Param("job_id")

	var req dto.ForceDeadLetterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationMessage(err),
		})
		return
	}

	job, err := h.deadLetters.ForceDeadLetter(c.Request.Context(), jobID, req.UserID, req.Reason)
	if err != nil {
		h.writeError(c, "Failed to dead-letter job", err)
		return
	}
	c.JSON(http.StatusOK, toJobDTO(job))
}
