package dto

type RunReconciliationRequest struct {
	Provider string `json:"provider" binding:"required,provider"`
	RunType  string `json:"run_type" binding:"required,oneof=hourly nightly manual"`
}

type ListAnomaliesRequest struct {
	Status   string `form:"status" binding:"omitempty,oneof=open resolved"`
	PageSize int    `form:"limit" binding:"omitempty,gte=1,lte=100"`
	Cursor   string `form:"cursor"`
}

type AnomalyDTO struct {
	ID                   string         `json:"id"`
	SentEmailID          *int64         `json:"sent_email_id,omitempty"`
	JobID                *string        `json:"job_id,omitempty"`
	Type                 string         `json:"type"`
	Severity             string         `json:"severity"`
	Details              map[string]any `json:"details,omitempty"`
	RequiresManualReview bool           `json:"requires_manual_review"`
	Status               string         `json:"status"`
	CreatedAt            string         `json:"created_at"`
	ResolvedAt           string         `json:"resolved_at,omitempty"`
}

type ListAnomaliesResponse struct {
	Anomalies  []AnomalyDTO `json:"anomalies"`
	NextCursor string       `json:"next_cursor,omitempty"`
}
