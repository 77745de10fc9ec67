package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DetectionJob is one unit of reply-detection work for a sent email.
type DetectionJob struct {
	ID              string        `db:"id" json:"id"`
	UserID          string        `db:"user_id" json:"user_id"`
	SentEmailID     int64         `db:"sent_email_id" json:"sent_email_id"`
	ContactID       int64         `db:"contact_id" json:"contact_id"`
	Provider        Provider      `db:"provider" json:"provider"`
	JobType         JobType       `db:"job_type" json:"job_type"`
	Status          JobStatus     `db:"status" json:"status"`
	Priority        int           `db:"priority" json:"priority"`
	ScheduledFor    time.Time     `db:"scheduled_for" json:"scheduled_for"`
	AttemptCount    int           `db:"attempt_count" json:"attempt_count"`
	LastError       string        `db:"last_error" json:"last_error,omitempty"`
	Metadata        JobMetadata   `db:"metadata" json:"metadata"`
	NextRetryAt     *time.Time    `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastHeartbeatAt *time.Time    `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	StartedAt       *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	ReviewStatus    ReviewStatus  `db:"review_status" json:"review_status,omitempty"`
	ReviewHistory   ReviewHistory `db:"review_history" json:"review_history,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// DeadLetterEntry is a job that exhausted automated retries.
type DeadLetterEntry = DetectionJob

// JobMetadata carries the context a job was created with.
type JobMetadata struct {
	Subject       string `json:"subject,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	HistoryID     string `json:"history_id,omitempty"`
	TriggerReason string `json:"trigger_reason,omitempty"`
	RunID         string `json:"run_id,omitempty"`
}

// Value implements driver.Valuer.
func (m JobMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JobMetadata) Scan(src any) error {
	return scanJSON(src, m)
}

// ReviewEntry records one operator action on a dead-letter entry.
type ReviewEntry struct {
	Action ReviewAction `json:"action"`
	UserID string       `json:"user_id"`
	Notes  string       `json:"notes,omitempty"`
	At     time.Time    `json:"at"`
}

// ReviewHistory is the ordered list of review actions applied to a job.
type ReviewHistory []ReviewEntry

// Value implements driver.Valuer.
func (h ReviewHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner.
func (h *ReviewHistory) Scan(src any) error {
	return scanJSON(src, h)
}

// LastAction returns the most recent review action, if any.
func (h ReviewHistory) LastAction() (ReviewAction, bool) {
	if len(h) == 0 {
		return "", false
	}
	return h[len(h)-1].Action, true
}

// JobStats summarises a user's detection jobs by status.
type JobStats struct {
	UserID          string            `json:"user_id"`
	ByStatus        map[JobStatus]int `json:"by_status"`
	Total           int               `json:"total"`
	AwaitingReview  int               `json:"awaiting_review"`
	OpenAnomalies   int               `json:"open_anomalies"`
	RepliesDetected int               `json:"replies_detected"`
	InFlight        int               `json:"in_flight"`
}

func scanJSON(src any, dest any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
