// Package storage persists detection jobs, replies, anomalies and audit rows.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
)

// Store is the single source of truth for the engine.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *domain.DetectionJob) (*domain.DetectionJob, error)
	GetJob(ctx context.Context, jobID string) (*domain.DetectionJob, error)
	GetOpenJobForSentEmail(ctx context.Context, sentEmailID int64) (*domain.DetectionJob, error)
	ClaimJob(ctx context.Context, jobID string, now time.Time) (*domain.DetectionJob, error)
	UpdateJobHeartbeat(ctx context.Context, jobID string, now time.Time) error
	TransitionJob(ctx context.Context, job *domain.DetectionJob, from ...domain.JobStatus) error
	EscalateJob(ctx context.Context, jobID string, priority int, now time.Time) error
	PromoteDueJobs(ctx context.Context, now time.Time) (int, error)
	ListStaleJobs(ctx context.Context, heartbeatBefore time.Time, limit int) ([]domain.DetectionJob, error)
	ListQueuedJobs(ctx context.Context, perUserLimit, limit int) ([]domain.DetectionJob, error)
	ListRetryableJobs(ctx context.Context, now time.Time, limit int) ([]domain.DetectionJob, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]domain.DeadLetterEntry, error)
	CountJobsByStatus(ctx context.Context, userID string) (map[domain.JobStatus]int, error)
	CountAwaitingReview(ctx context.Context, userID string) (int, error)

	// Sent emails and contacts
	GetSentEmail(ctx context.Context, sentEmailID int64) (*domain.SentEmail, error)
	GetContact(ctx context.Context, contactID int64) (*domain.Contact, error)
	ListUnrepliedSentEmails(ctx context.Context, filter UnrepliedFilter) ([]domain.SentEmail, error)
	MarkReplyReceived(ctx context.Context, sentEmailID int64, confidence float64, at time.Time) error
	TouchLastReplyCheck(ctx context.Context, sentEmailID int64, at time.Time) error
	MarkNoReplyConfirmed(ctx context.Context, sentEmailID int64, at time.Time) error

	// Replies
	InsertReplyIfAbsent(ctx context.Context, reply *domain.Reply) (bool, error)
	GetReplyBySentEmail(ctx context.Context, sentEmailID int64) (*domain.Reply, error)
	GetReplyByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Reply, error)
	CountRepliesSince(ctx context.Context, userID string, p domain.Provider, since time.Time) (int, error)

	// Anomalies
	CreateAnomaly(ctx context.Context, a *domain.Anomaly) error
	ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]domain.Anomaly, error)
	ResolveAnomaliesForJob(ctx context.Context, jobID string, at time.Time) (int, error)
	CountOpenAnomalies(ctx context.Context, userID string) (int, error)

	// Audit
	CreateReconciliationRun(ctx context.Context, run *domain.ReconciliationRun) error
	CompleteReconciliationRun(ctx context.Context, run *domain.ReconciliationRun) error
	InsertRunLog(ctx context.Context, log domain.RunLog) error
	InsertAnalyticsEvent(ctx context.Context, event domain.AnalyticsEvent) error

	// Provider accounts
	GetProviderAccount(ctx context.Context, userID string, p domain.Provider) (*domain.ProviderAccount, error)
	ListActiveProviderAccounts(ctx context.Context, now time.Time) ([]domain.ProviderAccount, error)
}

// Cursor is a keyset position for paginated listings.
type Cursor struct {
	At time.Time
	ID string
}

// DeadLetterFilter narrows ListDeadLetters. Results are newest first.
type DeadLetterFilter struct {
	UserID       string
	ReviewStatus domain.ReviewStatus
	PageSize     int
	Cursor       *Cursor
}

// AnomalyFilter narrows ListAnomalies. Results are newest first.
type AnomalyFilter struct {
	UserID   string
	Status   domain.AnomalyStatus
	PageSize int
	Cursor   *Cursor
}

// UnrepliedFilter selects sent emails still waiting for a reply.
type UnrepliedFilter struct {
	UserID   string
	Provider domain.Provider
	// SentAfter bounds sent_at from below when non-zero.
	SentAfter time.Time
	// CheckedBefore keeps emails never checked or last checked before it, when non-zero.
	CheckedBefore time.Time
	// WithoutOpenJob skips emails that already have a pending, queued or executing job.
	WithoutOpenJob bool
	Limit          int
}

const defaultPageSize = 50

func pageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	return n
}
