package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// DetectedReply is a candidate reply found by a layer.
type DetectedReply struct {
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id,omitempty"`
	SenderEmail       string    `json:"sender_email"`
	ReceivedAt        time.Time `json:"received_at"`
	Subject           string    `json:"subject"`
	Snippet           string    `json:"snippet"`
	Layer             LayerID   `json:"layer"`
	Confidence        float64   `json:"confidence"`
}

// LayerExecutionResult is the outcome of one layer for one job attempt.
// Healthy=false means the layer did not run; Found=false with Healthy=true
// means it ran and saw nothing.
type LayerExecutionResult struct {
	Layer           LayerID        `json:"layer"`
	Healthy         bool           `json:"healthy"`
	Found           bool           `json:"found"`
	MessagesScanned int            `json:"messages_scanned"`
	QueriesRun      int            `json:"queries_run"`
	DurationMs      int64          `json:"duration_ms"`
	Reply           *DetectedReply `json:"reply,omitempty"`
	Confidence      float64        `json:"confidence"`
	Error           string         `json:"error,omitempty"`
	AuthFailure     bool           `json:"auth_failure,omitempty"`
}

// QuorumResult is the verdict assembled from all layer results of one attempt.
type QuorumResult struct {
	QuorumMet     bool      `json:"quorum_met"`
	Found         bool      `json:"found"`
	HealthyLayers []LayerID `json:"healthy_layers"`
	FoundLayers   []LayerID `json:"found_layers"`
	FailedLayers  []LayerID `json:"failed_layers"`
	PendingReview bool      `json:"pending_review"`
	MajorityOnly  bool      `json:"majority_only"`
	Confidence    float64   `json:"confidence"`
}

// HealthCheckResult is the pre-flight state of a user's provider connection.
type HealthCheckResult struct {
	Healthy           bool      `json:"healthy"`
	TokenValid        bool      `json:"token_valid"`
	ProviderReachable bool      `json:"provider_reachable"`
	LayersReady       []LayerID `json:"layers_ready"`
	LayersFailed      []LayerID `json:"layers_failed"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	CheckedAt         time.Time `json:"checked_at"`
}

// VerificationResult is the final gate before a job may become verified.
type VerificationResult struct {
	Passed           bool   `json:"passed"`
	QuorumMet        bool   `json:"quorum_met"`
	DBWriteConfirmed bool   `json:"db_write_confirmed"`
	LayersRan        int    `json:"layers_ran"`
	Reason           string `json:"reason,omitempty"`
}

// RunLog is the immutable audit row written for every processing attempt.
type RunLog struct {
	JobID          string                 `json:"job_id"`
	UserID         string                 `json:"user_id"`
	SentEmailID    int64                  `json:"sent_email_id"`
	Attempt        int                    `json:"attempt"`
	Outcome        JobStatus              `json:"outcome"`
	Health         *HealthCheckResult     `json:"health,omitempty"`
	Layers         []LayerExecutionResult `json:"layers,omitempty"`
	Quorum         *QuorumResult          `json:"quorum,omitempty"`
	Verification   *VerificationResult    `json:"verification,omitempty"`
	Error          string                 `json:"error,omitempty"`
	DurationMs     int64                  `json:"duration_ms"`
	BudgetExceeded bool                   `json:"budget_exceeded"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Value implements driver.Valuer so the run log can be stored as a JSON document.
func (r RunLog) Value() (driver.Value, error) {
	return json.Marshal(r)
}
