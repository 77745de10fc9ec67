// Package deadletter lists jobs that exhausted their retries and applies
// operator review decisions to them.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/notify"
	"github.com/cuongbtq/replywatch/internal/queue"
	"github.com/cuongbtq/replywatch/internal/storage"
)

// DetectedByOperator marks replies recorded through review rather than a layer.
const DetectedByOperator domain.LayerID = "operator"

const eventReplyConfirmed = "reply_confirmed_manually"

// ListRequest selects a page of dead-letter entries.
type ListRequest struct {
	UserID       string
	ReviewStatus domain.ReviewStatus
	PageSize     int
	Cursor       *storage.Cursor
}

// Page is one page of dead-letter entries, newest first.
type Page struct {
	Entries    []domain.DeadLetterEntry
	HasMore    bool
	NextCursor *storage.Cursor
}

// ReviewRequest is one operator decision.
type ReviewRequest struct {
	JobID  string
	UserID string
	Action domain.ReviewAction
	Notes  string
	// ReplyContent and ReplyReceivedAt describe the reply for mark_has_reply.
	ReplyContent    string
	ReplyReceivedAt *time.Time
}

// Service applies review actions.
type Service struct {
	store    storage.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service. A nil notifier only logs.
func NewService(store storage.Store, notifier notify.Notifier, logger *slog.Logger) *Service {
	logger = logger.With(slog.String("component", "dead_letter"))
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Service{store: store, notifier: notifier, logger: logger, now: time.Now}
}

// List returns a page of the user's dead-letter entries.
func (s *Service) List(ctx context.Context, req ListRequest) (*Page, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	entries, err := s.store.ListDeadLetters(ctx, storage.DeadLetterFilter{
		UserID:       req.UserID,
		ReviewStatus: req.ReviewStatus,
		PageSize:     req.PageSize,
		Cursor:       req.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	page := &Page{Entries: entries}
	if len(entries) > req.PageSize {
		page.HasMore = true
		page.Entries = entries[:req.PageSize]
		last := page.Entries[len(page.Entries)-1]
		page.NextCursor = &storage.Cursor{At: last.UpdatedAt, ID: last.ID}
	}
	return page, nil
}

// Review applies req to a dead-lettered job. Repeating the last applied
// action is a no-op that returns the job unchanged.
func (s *Service) Review(ctx context.Context, req ReviewRequest) (*domain.DetectionJob, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidReviewAction, req.Action)
	}

	job, err := s.ownedJob(ctx, req.JobID, req.UserID)
	if err != nil {
		return nil, err
	}

	if last, ok := job.ReviewHistory.LastAction(); ok && last == req.Action && alreadyApplied(job, req.Action) {
		s.logger.Debug("Review action already applied",
			slog.String("job_id", job.ID),
			slog.String("action", string(req.Action)),
		)
		return job, nil
	}

	if job.Status != domain.JobStatusDeadLetter {
		return nil, fmt.Errorf("%w: job is %s", domain.ErrNotDeadLettered, job.Status)
	}
	if job.ReviewStatus == domain.ReviewStatusResolved {
		return nil, fmt.Errorf("%w: entry is already resolved", domain.ErrInvalidReviewAction)
	}

	now := s.now()
	next := *job
	switch req.Action {
	case domain.ReviewActionRetry:
		next = queue.Requeue(*job, now)
	case domain.ReviewActionManualCheck:
		next.ReviewStatus = domain.ReviewStatusManualCheck
	case domain.ReviewActionSkip:
		next.ReviewStatus = domain.ReviewStatusResolved
	case domain.ReviewActionMarkNoReply:
		if err := s.store.MarkNoReplyConfirmed(ctx, job.SentEmailID, now); err != nil {
			return nil, fmt.Errorf("failed to confirm no reply: %w", err)
		}
		next.ReviewStatus = domain.ReviewStatusResolved
	case domain.ReviewActionMarkHasReply:
		if err := s.recordManualReply(ctx, job, req, now); err != nil {
			return nil, err
		}
		next.ReviewStatus = domain.ReviewStatusResolved
	}

	next.UpdatedAt = now
	next.ReviewHistory = append(append(domain.ReviewHistory{}, job.ReviewHistory...), domain.ReviewEntry{
		Action: req.Action,
		UserID: req.UserID,
		Notes:  strings.TrimSpace(req.Notes),
		At:     now,
	})

	if err := s.store.TransitionJob(ctx, &next, domain.JobStatusDeadLetter); err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			return nil, fmt.Errorf("cannot requeue, sent email already has an open job: %w", err)
		}
		return nil, fmt.Errorf("failed to apply review action: %w", err)
	}

	if next.ReviewStatus == domain.ReviewStatusResolved {
		resolved, err := s.store.ResolveAnomaliesForJob(ctx, job.ID, now)
		if err != nil {
			s.logger.Warn("Failed to resolve anomalies",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		} else if resolved > 0 {
			s.logger.Info("Anomalies resolved",
				slog.String("job_id", job.ID),
				slog.Int("count", resolved),
			)
		}
	}

	s.logger.Info("Review action applied",
		slog.String("job_id", job.ID),
		slog.String("user_id", req.UserID),
		slog.String("action", string(req.Action)),
		slog.String("review_status", string(next.ReviewStatus)),
	)
	return &next, nil
}

// ForceDeadLetter moves a failed, queued or pending job to the dead-letter
// queue without waiting for its retries to run out.
func (s *Service) ForceDeadLetter(ctx context.Context, jobID, userID, reason string) (*domain.DetectionJob, error) {
	job, err := s.ownedJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobStatusDeadLetter {
		return job, nil
	}

	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "dead-lettered by operator"
	}
	next := queue.ForceDeadLetter(*job, reason, s.now())
	err = s.store.TransitionJob(ctx, &next,
		domain.JobStatusFailed, domain.JobStatusQueued, domain.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter %s job: %w", job.Status, err)
	}

	s.logger.Warn("Job dead-lettered by operator",
		slog.String("job_id", job.ID),
		slog.String("user_id", userID),
		slog.String("reason", reason),
	)
	return &next, nil
}

func (s *Service) ownedJob(ctx context.Context, jobID, userID string) (*domain.DetectionJob, error) {
	if jobID == "" || userID == "" {
		return nil, fmt.Errorf("%w: job id and user id are required", domain.ErrInvalidInput)
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return job, nil
}

func (s *Service) recordManualReply(ctx context.Context, job *domain.DetectionJob, req ReviewRequest, now time.Time) error {
	sent, err := s.store.GetSentEmail(ctx, job.SentEmailID)
	if err != nil {
		return fmt.Errorf("failed to load sent email: %w", err)
	}

	receivedAt := now
	if req.ReplyReceivedAt != nil {
		receivedAt = *req.ReplyReceivedAt
	}
	reply := &domain.Reply{
		SentEmailID:       sent.ID,
		UserID:            job.UserID,
		ProviderMessageID: "manual-" + job.ID,
		ThreadID:          sent.ThreadID,
		Subject:           sent.Subject,
		Snippet:           req.ReplyContent,
		ReceivedAt:        receivedAt,
		DetectedBy:        DetectedByOperator,
		Confidence:        1.0,
		CreatedAt:         now,
	}
	if contact, err := s.store.GetContact(ctx, sent.ContactID); err == nil {
		reply.SenderEmail = contact.Email
	}

	inserted, err := s.store.InsertReplyIfAbsent(ctx, reply)
	if err != nil {
		return fmt.Errorf("failed to record reply: %w", err)
	}
	if err := s.store.MarkReplyReceived(ctx, sent.ID, 1.0, now); err != nil {
		return fmt.Errorf("failed to mark reply received: %w", err)
	}
	if !inserted {
		return nil
	}

	s.notifier.BroadcastNewReply(ctx, job.UserID, notify.ReplyRef{
		SentEmailID:       sent.ID,
		ReplyID:           reply.ID,
		ProviderMessageID: reply.ProviderMessageID,
		SenderEmail:       reply.SenderEmail,
		ReceivedAt:        reply.ReceivedAt,
		DetectedBy:        reply.DetectedBy,
		Confidence:        reply.Confidence,
	})
	event := domain.AnalyticsEvent{
		UserID:      job.UserID,
		EventType:   eventReplyConfirmed,
		SentEmailID: sent.ID,
		Properties:  domain.Details{"job_id": job.ID},
		CreatedAt:   now,
	}
	if err := s.store.InsertAnalyticsEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to record analytics event",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
	return nil
}

// alreadyApplied reports whether job is still in the state action leaves it in.
func alreadyApplied(job *domain.DetectionJob, action domain.ReviewAction) bool {
	switch action {
	case domain.ReviewActionRetry:
		return job.ReviewStatus == domain.ReviewStatusRequeued
	case domain.ReviewActionManualCheck:
		return job.Status == domain.JobStatusDeadLetter && job.ReviewStatus == domain.ReviewStatusManualCheck
	default:
		return job.Status == domain.JobStatusDeadLetter && job.ReviewStatus == domain.ReviewStatusResolved
	}
}
