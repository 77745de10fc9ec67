package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// SentEmail is the read model of an outbound email tracked for replies.
type SentEmail struct {
	ID               int64      `db:"id" json:"id"`
	UserID           string     `db:"user_id" json:"user_id"`
	ContactID        int64      `db:"contact_id" json:"contact_id"`
	Provider         Provider   `db:"provider" json:"provider"`
	Subject          string     `db:"subject" json:"subject"`
	ThreadID         string     `db:"thread_id" json:"thread_id,omitempty"`
	MessageID        string     `db:"message_id" json:"message_id,omitempty"`
	HistoryID        string     `db:"history_id" json:"history_id,omitempty"`
	SentAt           time.Time  `db:"sent_at" json:"sent_at"`
	ReplyReceived    bool       `db:"reply_received" json:"reply_received"`
	ReplyConfidence  float64    `db:"reply_confidence" json:"reply_confidence"`
	LastReplyCheck   *time.Time `db:"last_reply_check" json:"last_reply_check,omitempty"`
	NoReplyConfirmed bool       `db:"no_reply_confirmed" json:"no_reply_confirmed"`
}

// Contact is the recipient of a sent email.
type Contact struct {
	ID    int64  `db:"id" json:"id"`
	Email string `db:"email" json:"email"`
	Name  string `db:"name" json:"name"`
}

// ProviderAccount is a user's connection to a mail provider.
type ProviderAccount struct {
	UserID       string     `db:"user_id"`
	Provider     Provider   `db:"provider"`
	AccessToken  string     `db:"access_token"`
	RefreshToken string     `db:"refresh_token"`
	Expiry       *time.Time `db:"expiry"`
}

// Reply is the authoritative reply persisted for a sent email.
type Reply struct {
	ID                int64     `db:"id" json:"id"`
	SentEmailID       int64     `db:"sent_email_id" json:"sent_email_id"`
	UserID            string    `db:"user_id" json:"user_id"`
	ProviderMessageID string    `db:"provider_message_id" json:"provider_message_id"`
	ThreadID          string    `db:"thread_id" json:"thread_id,omitempty"`
	SenderEmail       string    `db:"sender_email" json:"sender_email"`
	Subject           string    `db:"subject" json:"subject"`
	Snippet           string    `db:"snippet" json:"snippet"`
	ReceivedAt        time.Time `db:"received_at" json:"received_at"`
	DetectedBy        LayerID   `db:"detected_by" json:"detected_by"`
	Confidence        float64   `db:"confidence" json:"confidence"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Details is a free-form JSON object stored alongside audit rows.
type Details map[string]any

// Value implements driver.Valuer.
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *Details) Scan(src any) error {
	return scanJSON(src, d)
}

// Anomaly is a durable audit record requiring attention.
type Anomaly struct {
	ID                   string        `db:"id" json:"id"`
	UserID               string        `db:"user_id" json:"user_id"`
	SentEmailID          *int64        `db:"sent_email_id" json:"sent_email_id,omitempty"`
	JobID                *string       `db:"job_id" json:"job_id,omitempty"`
	Type                 AnomalyType   `db:"type" json:"type"`
	Severity             Severity      `db:"severity" json:"severity"`
	Details              Details       `db:"details" json:"details"`
	RequiresManualReview bool          `db:"requires_manual_review" json:"requires_manual_review"`
	Status               AnomalyStatus `db:"status" json:"status"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	ResolvedAt           *time.Time    `db:"resolved_at" json:"resolved_at,omitempty"`
}

// ReconciliationRun is the audit row of one sweep.
type ReconciliationRun struct {
	ID            string     `db:"id" json:"id"`
	UserID        string     `db:"user_id" json:"user_id"`
	Provider      Provider   `db:"provider" json:"provider"`
	RunType       RunType    `db:"run_type" json:"run_type"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	EmailsChecked int        `db:"emails_checked" json:"emails_checked"`
	JobsCreated   int        `db:"jobs_created" json:"jobs_created"`
	Errors        int        `db:"errors" json:"errors"`
	Outcome       RunOutcome `db:"outcome" json:"outcome"`
	Audit         Details    `db:"audit" json:"audit,omitempty"`
}

// AnalyticsEvent is a product analytics record emitted by the engine.
type AnalyticsEvent struct {
	UserID      string    `db:"user_id"`
	EventType   string    `db:"event_type"`
	SentEmailID int64     `db:"sent_email_id"`
	Properties  Details   `db:"properties"`
	CreatedAt   time.Time `db:"created_at"`
}
