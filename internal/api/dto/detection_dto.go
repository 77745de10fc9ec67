package dto

import "time"

type QueueDetectionRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	SentEmailID  int64  `json:"sent_email_id" binding:"required,gt=0"`
	ContactID    int64  `json:"contact_id" binding:"gte=0"`
	Provider     string `json:"provider" binding:"required,provider"`
	DelayMinutes *int   `json:"delay_minutes" binding:"omitempty,gte=0,lte=1440"`
}

type ReviewDeadLetterRequest struct {
	UserID          string     `json:"user_id" binding:"required"`
	Action          string     `json:"action" binding:"required,review_action"`
	Notes           string     `json:"notes" binding:"max=2000"`
	ReplyContent    string     `json:"reply_content" binding:"required_if=Action mark_has_reply,max=10000"`
	ReplyReceivedAt *time.Time `json:"reply_received_at"`
}

type ForceDeadLetterRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Reason string `json:"reason" binding:"max=500"`
}

type ListDeadLettersRequest struct {
	Status   string `form:"status" binding:"omitempty,review_status"`
	PageSize int    `form:"limit" binding:"omitempty,gte=1,lte=100"`
	Cursor   string `form:"cursor"`
}

type ListDeadLettersResponse struct {
	Entries    []JobDTO `json:"entries"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID         string           `json:"job_id"`
	UserID        string           `json:"user_id"`
	SentEmailID   int64            `json:"sent_email_id"`
	ContactID     int64            `json:"contact_id,omitempty"`
	Provider      string           `json:"provider"`
	JobType       string           `json:"job_type"`
	Status        string           `json:"status"`
	Priority      int              `json:"priority"`
	AttemptCount  int              `json:"attempt_count"`
	LastError     string           `json:"last_error,omitempty"`
	ScheduledFor  string           `json:"scheduled_for"`
	NextRetryAt   string           `json:"next_retry_at,omitempty"`
	ReviewStatus  string           `json:"review_status,omitempty"`
	ReviewHistory []ReviewEntryDTO `json:"review_history,omitempty"`
	CreatedAt     string           `json:"created_at"`
	UpdatedAt     string           `json:"updated_at"`
}

type ReviewEntryDTO struct {
	Action string `json:"action"`
	UserID string `json:"user_id"`
	Notes  string `json:"notes,omitempty"`
	At     string `json:"at"`
}
