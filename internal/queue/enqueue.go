package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/google/uuid"
)

// JobSpec describes a job to create.
type JobSpec struct {
	UserID      string
	SentEmailID int64
	ContactID   int64
	Provider    domain.Provider
	JobType     domain.JobType
	Priority    int
	// Delay postpones the job. Zero queues it immediately.
	Delay    time.Duration
	Metadata domain.JobMetadata
}

// NewJob builds a job from spec. Delayed jobs start pending.
func NewJob(spec JobSpec, now time.Time) domain.DetectionJob {
	status := domain.JobStatusQueued
	if spec.Delay > 0 {
		status = domain.JobStatusPending
	}
	return domain.DetectionJob{
		ID:            uuid.NewString(),
		UserID:        spec.UserID,
		SentEmailID:   spec.SentEmailID,
		ContactID:     spec.ContactID,
		Provider:      spec.Provider,
		JobType:       spec.JobType,
		Status:        status,
		Priority:      spec.Priority,
		ScheduledFor:  now.Add(spec.Delay),
		Metadata:      spec.Metadata,
		ReviewHistory: domain.ReviewHistory{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// JobStore is the persistence the Enqueuer needs.
type JobStore interface {
	// CreateJob inserts job unless the sent email already has an open job,
	// in which case it returns that job and domain.ErrDuplicateJob.
	CreateJob(ctx context.Context, job *domain.DetectionJob) (*domain.DetectionJob, error)
	// EscalateJob lowers the priority of a pending or queued job and makes it due now.
	EscalateJob(ctx context.Context, jobID string, priority int, now time.Time) error
}

// Enqueuer creates jobs while keeping one open job per sent email.
type Enqueuer struct {
	store  JobStore
	logger *slog.Logger
	now    func() time.Time
}

// NewEnqueuer creates an Enqueuer.
func NewEnqueuer(store JobStore, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{store: store, logger: logger, now: time.Now}
}

// Enqueue creates a job for spec. When an open job already exists it is
// returned together with domain.ErrDuplicateJob.
func (e *Enqueuer) Enqueue(ctx context.Context, spec JobSpec) (*domain.DetectionJob, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	job := NewJob(spec, e.now())
	created, err := e.store.CreateJob(ctx, &job)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			e.logger.Debug("Open job already exists for sent email",
				slog.Int64("sent_email_id", spec.SentEmailID),
				slog.String("job_type", string(spec.JobType)),
			)
			return created, err
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	e.logger.Info("Detection job created",
		slog.String("job_id", created.ID),
		slog.String("user_id", created.UserID),
		slog.Int64("sent_email_id", created.SentEmailID),
		slog.String("job_type", string(created.JobType)),
		slog.Int("priority", created.Priority),
		slog.String("status", string(created.Status)),
	)
	return created, nil
}

// EnqueueOrEscalate creates a job for spec, or when an open job exists,
// raises it to spec's priority. created reports whether a new job was inserted.
func (e *Enqueuer) EnqueueOrEscalate(ctx context.Context, spec JobSpec) (job *domain.DetectionJob, created bool, err error) {
	job, err = e.Enqueue(ctx, spec)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, domain.ErrDuplicateJob) || job == nil {
		return nil, false, err
	}

	if job.Status == domain.JobStatusExecuting || (job.Status == domain.JobStatusQueued && job.Priority <= spec.Priority) {
		return job, false, nil
	}

	if err := e.store.EscalateJob(ctx, job.ID, spec.Priority, e.now()); err != nil {
		return nil, false, fmt.Errorf("failed to escalate job: %w", err)
	}

	e.logger.Info("Detection job escalated",
		slog.String("job_id", job.ID),
		slog.Int64("sent_email_id", job.SentEmailID),
		slog.Int("from_priority", job.Priority),
		slog.Int("to_priority", spec.Priority),
	)
	if spec.Priority < job.Priority {
		job.Priority = spec.Priority
	}
	if job.Status == domain.JobStatusPending {
		job.Status = domain.JobStatusQueued
	}
	return job, false, nil
}

func validateSpec(spec JobSpec) error {
	switch {
	case spec.UserID == "":
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	case spec.SentEmailID <= 0:
		return fmt.Errorf("%w: sent email id must be positive", domain.ErrInvalidInput)
	case !spec.Provider.Valid():
		return fmt.Errorf("%w: unsupported provider %q", domain.ErrInvalidInput, spec.Provider)
	case spec.Delay < 0:
		return fmt.Errorf("%w: delay must not be negative", domain.ErrInvalidInput)
	}
	return nil
}
