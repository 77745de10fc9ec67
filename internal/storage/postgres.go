package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `id, user_id, sent_email_id, contact_id, provider, job_type, status, priority,
	scheduled_for, attempt_count, last_error, metadata, next_retry_at, last_heartbeat_at,
	started_at, completed_at, review_status, review_history, created_at, updated_at`

const sentEmailColumns = `id, user_id, contact_id, provider, subject, thread_id, message_id, history_id,
	sent_at, reply_received, reply_confidence, last_reply_check, no_reply_confirmed`

const replyColumns = `id, sent_email_id, user_id, provider_message_id, thread_id, sender_email,
	subject, snippet, received_at, detected_by, confidence, created_at`

const anomalyColumns = `id, user_id, sent_email_id, job_id, type, severity, details,
	requires_manual_review, status, created_at, resolved_at`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts job unless the sent email already has an open job.
func (s *Postgres) CreateJob(ctx context.Context, job *domain.DetectionJob) (*domain.DetectionJob, error) {
	query := `
		INSERT INTO detection_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (sent_email_id) WHERE status IN ('pending', 'queued', 'executing') DO NOTHING
		RETURNING id
	`

	var id string
	err := s.db.QueryRowxContext(ctx, query,
		job.ID, job.UserID, job.SentEmailID, job.ContactID, job.Provider, job.JobType, job.Status, job.Priority,
		job.ScheduledFor, job.AttemptCount, job.LastError, job.Metadata, job.NextRetryAt, job.LastHeartbeatAt,
		job.StartedAt, job.CompletedAt, job.ReviewStatus, job.ReviewHistory, job.CreatedAt, job.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, getErr := s.GetOpenJobForSentEmail(ctx, job.SentEmailID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load existing open job: %w", getErr)
			}
			return existing, domain.ErrDuplicateJob
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return job, nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*domain.DetectionJob, error) {
	var job domain.DetectionJob
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM detection_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *Postgres) GetOpenJobForSentEmail(ctx context.Context, sentEmailID int64) (*domain.DetectionJob, error) {
	var job domain.DetectionJob
	err := s.db.GetContext(ctx, &job, `
		SELECT `+jobColumns+`
		FROM detection_jobs
		WHERE sent_email_id = $1 AND status = ANY($2)
		LIMIT 1
	`, sentEmailID, pq.Array(statusStrings(domain.OpenJobStatuses)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get open job: %w", err)
	}
	return &job, nil
}

// ClaimJob moves a queued or failed job to executing using optimistic locking.
func (s *Postgres) ClaimJob(ctx context.Context, jobID string, now time.Time) (*domain.DetectionJob, error) {
	query := `
		UPDATE detection_jobs
		SET status = $1,
		    started_at = $2,
		    last_heartbeat_at = $2,
		    updated_at = $2
		WHERE id = $3
		  AND status IN ($4, $5)
		RETURNING ` + jobColumns

	var job domain.DetectionJob
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusExecuting, now, jobID, domain.JobStatusQueued, domain.JobStatusFailed)
	if err != nil {
		// A failed job can collide with a newer open job for the same sent email.
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			s.logger.Warn("Failed to claim job - already claimed or not claimable",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", jobID),
		slog.String("user_id", job.UserID),
	)
	return &job, nil
}

// UpdateJobHeartbeat refreshes last_heartbeat_at for an executing job.
func (s *Postgres) UpdateJobHeartbeat(ctx context.Context, jobID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE detection_jobs
		SET last_heartbeat_at = $1,
		    updated_at = $1
		WHERE id = $2 AND status = $3
	`, now, jobID, domain.JobStatusExecuting)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be executing)",
			slog.String("job_id", jobID),
		)
	}
	return nil
}

// TransitionJob writes the mutable fields of job if its stored status is one of from.
func (s *Postgres) TransitionJob(ctx context.Context, job *domain.DetectionJob, from ...domain.JobStatus) error {
	query := `
		UPDATE detection_jobs
		SET status = $1,
		    priority = $2,
		    scheduled_for = $3,
		    attempt_count = $4,
		    last_error = $5,
		    metadata = $6,
		    next_retry_at = $7,
		    last_heartbeat_at = $8,
		    started_at = $9,
		    completed_at = $10,
		    review_status = $11,
		    review_history = $12,
		    updated_at = $13
		WHERE id = $14 AND status = ANY($15)
	`

	result, err := s.db.ExecContext(ctx, query,
		job.Status, job.Priority, job.ScheduledFor, job.AttemptCount, job.LastError, job.Metadata,
		job.NextRetryAt, job.LastHeartbeatAt, job.StartedAt, job.CompletedAt, job.ReviewStatus,
		job.ReviewHistory, job.UpdatedAt, job.ID, pq.Array(statusStrings(from)),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateJob
		}
		return fmt.Errorf("failed to update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrJobStateChanged
	}

	s.logger.Debug("Job status updated",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	return nil
}

// EscalateJob lowers the priority of a pending or queued job and makes it due.
func (s *Postgres) EscalateJob(ctx context.Context, jobID string, priority int, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE detection_jobs
		SET priority = LEAST(priority, $1),
		    status = $2,
		    scheduled_for = LEAST(scheduled_for, $3),
		    updated_at = $3
		WHERE id = $4 AND status IN ($5, $2)
	`, priority, domain.JobStatusQueued, now, jobID, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to escalate job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrJobStateChanged
	}
	return nil
}

// PromoteDueJobs moves pending jobs whose scheduled time has passed to queued.
func (s *Postgres) PromoteDueJobs(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE detection_jobs
		SET status = $1, updated_at = $2
		WHERE status = $3 AND scheduled_for <= $2
	`, domain.JobStatusQueued, now, domain.JobStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to promote due jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ListStaleJobs returns executing jobs whose heartbeat is older than heartbeatBefore.
func (s *Postgres) ListStaleJobs(ctx context.Context, heartbeatBefore time.Time, limit int) ([]domain.DetectionJob, error) {
	var jobs []domain.DetectionJob
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM detection_jobs
		WHERE status = $1
		  AND COALESCE(last_heartbeat_at, started_at, updated_at) < $2
		ORDER BY updated_at
		LIMIT $3
	`, domain.JobStatusExecuting, heartbeatBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return jobs, nil
}

// ListQueuedJobs returns queued jobs by priority then scheduled time, taking
// at most perUserLimit jobs from any single user.
func (s *Postgres) ListQueuedJobs(ctx context.Context, perUserLimit, limit int) ([]domain.DetectionJob, error) {
	var jobs []domain.DetectionJob
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM (
			SELECT j.*,
			       ROW_NUMBER() OVER (PARTITION BY user_id ORDER BY priority, scheduled_for) AS user_rank
			FROM detection_jobs j
			WHERE status = $1
		) ranked
		WHERE user_rank <= $2
		ORDER BY priority, scheduled_for
		LIMIT $3
	`, domain.JobStatusQueued, perUserLimit, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	return jobs, nil
}

// ListRetryableJobs returns failed jobs whose retry time has come and whose
// sent email has no other open job.
func (s *Postgres) ListRetryableJobs(ctx context.Context, now time.Time, limit int) ([]domain.DetectionJob, error) {
	var jobs []domain.DetectionJob
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM detection_jobs f
		WHERE f.status = $1
		  AND f.next_retry_at <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM detection_jobs o
			WHERE o.sent_email_id = f.sent_email_id AND o.status = ANY($3)
		  )
		ORDER BY f.priority, f.next_retry_at
		LIMIT $4
	`, domain.JobStatusFailed, now, pq.Array(statusStrings(domain.OpenJobStatuses)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable jobs: %w", err)
	}
	return jobs, nil
}

// ListDeadLetters returns up to PageSize+1 entries so callers can detect a next page.
func (s *Postgres) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]domain.DeadLetterEntry, error) {
	query := `SELECT ` + jobColumns + ` FROM detection_jobs WHERE status = $1`
	args := []interface{}{domain.JobStatusDeadLetter}
	argIdx := 2

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.ReviewStatus != "" {
		query += fmt.Sprintf(" AND review_status = $%d", argIdx)
		args = append(args, filter.ReviewStatus)
		argIdx++
	}
	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (updated_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.At, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY updated_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(filter.PageSize)+1)

	var entries []domain.DeadLetterEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return entries, nil
}

func (s *Postgres) CountJobsByStatus(ctx context.Context, userID string) (map[domain.JobStatus]int, error) {
	var rows []struct {
		Status domain.JobStatus `db:"status"`
		Count  int              `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count
		FROM detection_jobs
		WHERE user_id = $1
		GROUP BY status
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[domain.JobStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *Postgres) CountAwaitingReview(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM detection_jobs
		WHERE user_id = $1 AND status = $2 AND review_status = ANY($3)
	`, userID, domain.JobStatusDeadLetter,
		pq.Array([]string{string(domain.ReviewStatusAwaitingReview), string(domain.ReviewStatusManualCheck)}))
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

func (s *Postgres) GetSentEmail(ctx context.Context, sentEmailID int64) (*domain.SentEmail, error) {
	var e domain.SentEmail
	err := s.db.GetContext(ctx, &e, `SELECT `+sentEmailColumns+` FROM sent_emails WHERE id = $1`, sentEmailID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSentEmailNotFound
		}
		return nil, fmt.Errorf("failed to get sent email: %w", err)
	}
	return &e, nil
}

func (s *Postgres) GetContact(ctx context.Context, contactID int64) (*domain.Contact, error) {
	var c domain.Contact
	err := s.db.GetContext(ctx, &c, `SELECT id, email, name FROM contacts WHERE id = $1`, contactID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &c, nil
}

// ListUnrepliedSentEmails returns sent emails without a reply or a confirmed
// negative, newest first.
func (s *Postgres) ListUnrepliedSentEmails(ctx context.Context, filter UnrepliedFilter) ([]domain.SentEmail, error) {
	query := `
		SELECT ` + sentEmailColumns + `
		FROM sent_emails s
		WHERE s.user_id = $1
		  AND s.provider = $2
		  AND s.reply_received = FALSE
		  AND s.no_reply_confirmed = FALSE
	`
	args := []interface{}{filter.UserID, filter.Provider}
	argIdx := 3

	if !filter.SentAfter.IsZero() {
		query += fmt.Sprintf(" AND s.sent_at >= $%d", argIdx)
		args = append(args, filter.SentAfter)
		argIdx++
	}
	if !filter.CheckedBefore.IsZero() {
		query += fmt.Sprintf(" AND (s.last_reply_check IS NULL OR s.last_reply_check < $%d)", argIdx)
		args = append(args, filter.CheckedBefore)
		argIdx++
	}
	if filter.WithoutOpenJob {
		query += fmt.Sprintf(` AND NOT EXISTS (
			SELECT 1 FROM detection_jobs j
			WHERE j.sent_email_id = s.id AND j.status = ANY($%d)
		)`, argIdx)
		args = append(args, pq.Array(statusStrings(domain.OpenJobStatuses)))
		argIdx++
	}

	query += " ORDER BY s.sent_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(filter.Limit))

	var emails []domain.SentEmail
	if err := s.db.SelectContext(ctx, &emails, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list unreplied sent emails: %w", err)
	}
	return emails, nil
}

func (s *Postgres) MarkReplyReceived(ctx context.Context, sentEmailID int64, confidence float64, at time.Time) error {
	return s.updateSentEmail(ctx, `
		UPDATE sent_emails
		SET reply_received = TRUE,
		    reply_confidence = GREATEST(reply_confidence, $2),
		    last_reply_check = $3
		WHERE id = $1
	`, sentEmailID, confidence, at)
}

func (s *Postgres) TouchLastReplyCheck(ctx context.Context, sentEmailID int64, at time.Time) error {
	return s.updateSentEmail(ctx, `UPDATE sent_emails SET last_reply_check = $2 WHERE id = $1`, sentEmailID, at)
}

func (s *Postgres) MarkNoReplyConfirmed(ctx context.Context, sentEmailID int64, at time.Time) error {
	return s.updateSentEmail(ctx, `
		UPDATE sent_emails
		SET no_reply_confirmed = TRUE,
		    last_reply_check = $2
		WHERE id = $1 AND reply_received = FALSE
	`, sentEmailID, at)
}

func (s *Postgres) updateSentEmail(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sent email: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrSentEmailNotFound
	}
	return nil
}

// InsertReplyIfAbsent inserts reply unless its provider message id or sent
// email already has one. inserted is false for the no-op case.
func (s *Postgres) InsertReplyIfAbsent(ctx context.Context, reply *domain.Reply) (bool, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO replies (sent_email_id, user_id, provider_message_id, thread_id, sender_email,
		                     subject, snippet, received_at, detected_by, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, reply.SentEmailID, reply.UserID, reply.ProviderMessageID, reply.ThreadID, reply.SenderEmail,
		reply.Subject, reply.Snippet, reply.ReceivedAt, reply.DetectedBy, reply.Confidence, reply.CreatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert reply: %w", err)
	}
	reply.ID = id
	return true, nil
}

func (s *Postgres) GetReplyBySentEmail(ctx context.Context, sentEmailID int64) (*domain.Reply, error) {
	var r domain.Reply
	err := s.db.GetContext(ctx, &r, `SELECT `+replyColumns+` FROM replies WHERE sent_email_id = $1`, sentEmailID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrReplyNotFound
		}
		return nil, fmt.Errorf("failed to get reply: %w", err)
	}
	return &r, nil
}

// GetReplyByProviderMessageID finds a reply by its provider message id,
// whichever sent email it was attributed to.
func (s *Postgres) GetReplyByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Reply, error) {
	var r domain.Reply
	err := s.db.GetContext(ctx, &r, `SELECT `+replyColumns+` FROM replies WHERE provider_message_id = $1`, providerMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrReplyNotFound
		}
		return nil, fmt.Errorf("failed to get reply by message id: %w", err)
	}
	return &r, nil
}

// CountRepliesSince counts replies received since the given time. An empty
// provider counts across providers.
func (s *Postgres) CountRepliesSince(ctx context.Context, userID string, p domain.Provider, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*)
		FROM replies r
		JOIN sent_emails s ON s.id = r.sent_email_id
		WHERE r.user_id = $1
		  AND ($2 = '' OR s.provider = $2)
		  AND r.received_at >= $3
	`, userID, string(p), since)
	if err != nil {
		return 0, fmt.Errorf("failed to count replies: %w", err)
	}
	return n, nil
}

func (s *Postgres) CreateAnomaly(ctx context.Context, a *domain.Anomaly) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies (`+anomalyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.UserID, a.SentEmailID, a.JobID, a.Type, a.Severity, a.Details,
		a.RequiresManualReview, a.Status, a.CreatedAt, a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to create anomaly: %w", err)
	}
	return nil
}

// ListAnomalies returns up to PageSize+1 anomalies so callers can detect a next page.
func (s *Postgres) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]domain.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE user_id = $1`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.At, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(filter.PageSize)+1)

	var anomalies []domain.Anomaly
	if err := s.db.SelectContext(ctx, &anomalies, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	return anomalies, nil
}

func (s *Postgres) ResolveAnomaliesForJob(ctx context.Context, jobID string, at time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE anomalies
		SET status = $1, resolved_at = $2
		WHERE job_id = $3 AND status = $4
	`, domain.AnomalyStatusResolved, at, jobID, domain.AnomalyStatusOpen)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve anomalies: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Postgres) CountOpenAnomalies(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM anomalies WHERE user_id = $1 AND status = $2`,
		userID, domain.AnomalyStatusOpen)
	if err != nil {
		return 0, fmt.Errorf("failed to count anomalies: %w", err)
	}
	return n, nil
}

func (s *Postgres) CreateReconciliationRun(ctx context.Context, run *domain.ReconciliationRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (id, user_id, provider, run_type, started_at, completed_at,
		                                 emails_checked, jobs_created, errors, outcome, audit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, run.ID, run.UserID, run.Provider, run.RunType, run.StartedAt, run.CompletedAt,
		run.EmailsChecked, run.JobsCreated, run.Errors, run.Outcome, run.Audit)
	if err != nil {
		return fmt.Errorf("failed to create reconciliation run: %w", err)
	}
	return nil
}

func (s *Postgres) CompleteReconciliationRun(ctx context.Context, run *domain.ReconciliationRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_runs
		SET completed_at = $1,
		    emails_checked = $2,
		    jobs_created = $3,
		    errors = $4,
		    outcome = $5,
		    audit = $6
		WHERE id = $7
	`, run.CompletedAt, run.EmailsChecked, run.JobsCreated, run.Errors, run.Outcome, run.Audit, run.ID)
	if err != nil {
		return fmt.Errorf("failed to complete reconciliation run: %w", err)
	}
	return nil
}

func (s *Postgres) InsertRunLog(ctx context.Context, log domain.RunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detection_runs (job_id, user_id, sent_email_id, attempt, outcome, duration_ms,
		                            budget_exceeded, error, log, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, log.JobID, log.UserID, log.SentEmailID, log.Attempt, log.Outcome, log.DurationMs,
		log.BudgetExceeded, log.Error, log, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run log: %w", err)
	}
	return nil
}

func (s *Postgres) InsertAnalyticsEvent(ctx context.Context, event domain.AnalyticsEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics_events (user_id, event_type, sent_email_id, properties, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.UserID, event.EventType, event.SentEmailID, event.Properties, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert analytics event: %w", err)
	}
	return nil
}

func (s *Postgres) GetProviderAccount(ctx context.Context, userID string, p domain.Provider) (*domain.ProviderAccount, error) {
	var acct domain.ProviderAccount
	err := s.db.GetContext(ctx, &acct, `
		SELECT user_id, provider, access_token, refresh_token, expiry
		FROM provider_accounts
		WHERE user_id = $1 AND provider = $2
	`, userID, p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProviderAccountNotFound
		}
		return nil, fmt.Errorf("failed to get provider account: %w", err)
	}
	return &acct, nil
}

// ListActiveProviderAccounts returns accounts whose token is unexpired or refreshable.
func (s *Postgres) ListActiveProviderAccounts(ctx context.Context, now time.Time) ([]domain.ProviderAccount, error) {
	var accts []domain.ProviderAccount
	err := s.db.SelectContext(ctx, &accts, `
		SELECT user_id, provider, access_token, refresh_token, expiry
		FROM provider_accounts
		WHERE refresh_token <> '' OR expiry IS NULL OR expiry > $1
		ORDER BY user_id, provider
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider accounts: %w", err)
	}
	return accts, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func statusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
