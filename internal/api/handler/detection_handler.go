package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/replywatch/internal/api/dto"
	"github.com/cuongbtq/replywatch/internal/domain"
)

// QueueDetection handles POST /api/v1/detections
// Queues a reply detection job for a sent email
func (h *Handler) QueueDetection(c *gin.Context) {
	var req dto.QueueDetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationMessage(err),
		})
		return
	}

	var delay time.Duration
	if req.DelayMinutes != nil {
		delay = time.Duration(*req.DelayMinutes) * time.Minute
	}

	job, err := h.detections.QueueDetectionForSentEmail(c.Request.Context(),
		req.UserID, req.SentEmailID, req.ContactID, domain.Provider(req.Provider), delay)
	if err != nil {
		h.writeError(c, "Failed to queue detection", err)
		return
	}

	h.logger.Info("Detection queued",
		slog.String("job_id", job.ID),
		slog.String("user_id", req.UserID),
		slog.Int64("sent_email_id", req.SentEmailID),
	)
	c.JSON(http.StatusAccepted, toJobDTO(job))
}

// GetStats handles GET /api/v1/users/:user_id/stats
func (h *Handler) GetStats(c *gin.Context) {
	userID := c.Param("user_id")

	stats, err := h.detections.GetStats(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "Failed to get stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func toJobDTO(job *domain.DetectionJob) dto.JobDTO {
	out := dto.JobDTO{
		JobID:        job.ID,
		UserID:       job.UserID,
		SentEmailID:  job.SentEmailID,
		ContactID:    job.ContactID,
		Provider:     string(job.Provider),
		JobType:      string(job.JobType),
		Status:       string(job.Status),
		Priority:     job.Priority,
		AttemptCount: job.AttemptCount,
		LastError:    job.LastError,
		ScheduledFor: job.ScheduledFor.Format(time.RFC3339),
		ReviewStatus: string(job.ReviewStatus),
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
	if job.NextRetryAt != nil {
		out.NextRetryAt = job.NextRetryAt.Format(time.RFC3339)
	}
	for _, e := range job.ReviewHistory {
		out.ReviewHistory = append(out.ReviewHistory, dto.ReviewEntryDTO{
			Action: string(e.Action),
			UserID: e.UserID,
			Notes:  e.Notes,
			At:     e.At.Format(time.RFC3339),
		})
	}
	return out
}
