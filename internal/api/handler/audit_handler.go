package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/replywatch/internal/api/dto"
	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/storage"
)

// RunReconciliation handles POST /api/v1/users/:user_id/reconciliations
// Runs a reconciliation sweep synchronously and returns the run record
func (h *Handler) RunReconciliation(c *gin.Context) {
	userID := c.Param("user_id")

	var req dto.RunReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationMessage(err),
		})
		return
	}

	ctx := c.Request.Context()
	p := domain.Provider(req.Provider)

	var (
		run *domain.ReconciliationRun
		err error
	)
	switch domain.RunType(req.RunType) {
	case domain.RunTypeHourly:
		run, err = h.reconciler.RunHourly(ctx, userID, p)
	case domain.RunTypeNightly:
		run, err = h.reconciler.RunNightly(ctx, userID, p)
	default:
		run, err = h.reconciler.RunManual(ctx, userID, p)
	}
	if err != nil && run == nil {
		h.writeError(c, "Failed to run reconciliation", err)
		return
	}
	if err != nil {
		// The run row records the failure; report it with the run.
		h.logger.Warn("Reconciliation run failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(http.StatusOK, run)
}

// ListAnomalies handles GET /api/v1/users/:user_id/anomalies
func (h *Handler) ListAnomalies(c *gin.Context) {
	userID := c.Param("user_id")

	var req dto.ListAnomaliesRequest
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

	anomalies, err := h.anomalies.ListAnomalies(c.Request.Context(), storage.AnomalyFilter{
		UserID:   userID,
		Status:   domain.AnomalyStatus(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.writeError(c, "Failed to list anomalies", err)
		return
	}

	hasMore := len(anomalies) > req.PageSize
	if hasMore {
		anomalies = anomalies[:req.PageSize]
	}

	out := make([]dto.AnomalyDTO, len(anomalies))
	for i, a := range anomalies {
		out[i] = dto.AnomalyDTO{
			ID:                   a.ID,
			SentEmailID:          a.SentEmailID,
			JobID:                a.JobID,
			Type:                 string(a.Type),
			Severity:             string(a.Severity),
			Details:              a.Details,
			RequiresManualReview: a.RequiresManualReview,
			Status:               string(a.Status),
			CreatedAt:            a.CreatedAt.Format(time.RFC3339),
		}
		if a.ResolvedAt != nil {
			out[i].ResolvedAt = a.ResolvedAt.Format(time.RFC3339)
		}
	}

	var nextCursor string
	if hasMore {
		last := anomalies[len(anomalies)-1]
		nextCursor = EncodeCursor(&storage.Cursor{At: last.CreatedAt, ID: last.ID})
	}

	c.JSON(http.StatusOK, dto.ListAnomaliesResponse{
		Anomalies:  out,
		NextCursor: nextCursor,
	})
}
