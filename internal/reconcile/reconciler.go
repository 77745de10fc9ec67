// Package reconcile runs the periodic sweeps that re-check unreplied sent
// emails and audits the reply count against the provider inbox.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/replywatch/internal/detection/health"
	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/queue"
	"github.com/cuongbtq/replywatch/internal/storage"
)

const (
	DefaultHourlyLookback = 24 * time.Hour
	DefaultMinRecheckAge  = time.Hour
	DefaultHourlyLimit    = 200
	DefaultNightlyLimit   = 500
	DefaultAuditWindow    = 7 * 24 * time.Hour
	DefaultAuditNearZero  = 1
	DefaultAuditMinInbox  = 10
)

// Config holds sweep and audit thresholds
type Config struct {
	HourlyLookback time.Duration
	MinRecheckAge  time.Duration
	HourlyLimit    int
	NightlyLimit   int
	AuditWindow    time.Duration
	// AuditNearZero is the highest DB reply count still treated as "nothing detected".
	AuditNearZero int
	// AuditMinInbox is the smallest inbox estimate worth raising a mismatch for.
	AuditMinInbox int
}

func (c *Config) applyDefaults() {
	if c.HourlyLookback <= 0 {
		c.HourlyLookback = DefaultHourlyLookback
	}
	if c.MinRecheckAge <= 0 {
		c.MinRecheckAge = DefaultMinRecheckAge
	}
	if c.HourlyLimit <= 0 {
		c.HourlyLimit = DefaultHourlyLimit
	}
	if c.NightlyLimit <= 0 {
		c.NightlyLimit = DefaultNightlyLimit
	}
	if c.AuditWindow <= 0 {
		c.AuditWindow = DefaultAuditWindow
	}
	if c.AuditNearZero < 0 {
		c.AuditNearZero = DefaultAuditNearZero
	}
	if c.AuditMinInbox <= 0 {
		c.AuditMinInbox = DefaultAuditMinInbox
	}
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	c := Config{AuditNearZero: DefaultAuditNearZero}
	c.applyDefaults()
	return c
}

// AuditResult is the outcome of one inbox count audit.
type AuditResult struct {
	DBCount          int  `json:"db_count"`
	InboxEstimate    int  `json:"inbox_estimate"`
	Mismatch         bool `json:"mismatch"`
	DeepScansCreated int  `json:"deep_scans_created"`
	Escalated        int  `json:"escalated"`
	Errors           int  `json:"errors"`
}

func (a AuditResult) details(window time.Duration) domain.Details {
	return domain.Details{
		"db_count":           a.DBCount,
		"inbox_estimate":     a.InboxEstimate,
		"mismatch":           a.Mismatch,
		"window_hours":       int(window.Hours()),
		"deep_scans_created": a.DeepScansCreated,
		"escalated":          a.Escalated,
	}
}

// Reconciler creates reconciliation and deep-scan jobs.
type Reconciler struct {
	store    storage.Store
	adapters health.AdapterSource
	enqueuer *queue.Enqueuer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Reconciler.
func New(store storage.Store, adapters health.AdapterSource, cfg Config, logger *slog.Logger) *Reconciler {
	cfg.applyDefaults()
	logger = logger.With(slog.String("component", "reconciler"))
	return &Reconciler{
		store:    store,
		adapters: adapters,
		enqueuer: queue.NewEnqueuer(store, logger),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RunHourly re-checks recent unreplied emails, then audits the inbox count.
func (r *Reconciler) RunHourly(ctx context.Context, userID string, p domain.Provider) (*domain.ReconciliationRun, error) {
	return r.runRecent(ctx, userID, p, domain.RunTypeHourly)
}

// RunManual is the hourly sweep triggered by an operator.
func (r *Reconciler) RunManual(ctx context.Context, userID string, p domain.Provider) (*domain.ReconciliationRun, error) {
	return r.runRecent(ctx, userID, p, domain.RunTypeManual)
}

// RunNightly re-checks every unreplied email regardless of age, at low priority.
func (r *Reconciler) RunNightly(ctx context.Context, userID string, p domain.Provider) (*domain.ReconciliationRun, error) {
	run, err := r.begin(ctx, userID, p, domain.RunTypeNightly)
	if err != nil {
		return nil, err
	}

	emails, err := r.store.ListUnrepliedSentEmails(ctx, storage.UnrepliedFilter{
		UserID:         userID,
		Provider:       p,
		WithoutOpenJob: true,
		Limit:          r.cfg.NightlyLimit,
	})
	if err != nil {
		run.Errors++
		return r.complete(ctx, run, fmt.Errorf("failed to list unreplied emails: %w", err))
	}

	r.sweep(ctx, run, emails, domain.PriorityNightlySweep, "nightly_sweep")
	return r.complete(ctx, run, nil)
}

func (r *Reconciler) runRecent(ctx context.Context, userID string, p domain.Provider, runType domain.RunType) (*domain.ReconciliationRun, error) {
	run, err := r.begin(ctx, userID, p, runType)
	if err != nil {
		return nil, err
	}
	now := run.StartedAt

	emails, err := r.store.ListUnrepliedSentEmails(ctx, storage.UnrepliedFilter{
		UserID:         userID,
		Provider:       p,
		SentAfter:      now.Add(-r.cfg.HourlyLookback),
		CheckedBefore:  now.Add(-r.cfg.MinRecheckAge),
		WithoutOpenJob: true,
		Limit:          r.cfg.HourlyLimit,
	})
	if err != nil {
		run.Errors++
		r.logger.Error("Failed to list unreplied emails",
			slog.String("run_id", run.ID),
			slog.Any("error", err),
		)
	} else {
		r.sweep(ctx, run, emails, domain.PriorityHourlySweep, string(runType)+"_sweep")
	}

	audit, auditErr := r.AuditInboxCount(ctx, userID, p, run.ID)
	run.JobsCreated += audit.DeepScansCreated
	run.Errors += audit.Errors
	if auditErr != nil {
		run.Errors++
		r.logger.Warn("Inbox count audit failed",
			slog.String("run_id", run.ID),
			slog.String("user_id", userID),
			slog.Any("error", auditErr),
		)
	} else {
		run.Audit = audit.details(r.cfg.AuditWindow)
	}

	if err != nil && auditErr != nil {
		return r.complete(ctx, run, errors.Join(err, auditErr))
	}
	return r.complete(ctx, run, nil)
}

// AuditInboxCount compares replies recorded over the audit window with the
// provider's inbox estimate. A near-zero DB count against a busy inbox means
// detection is silently failing: a high-severity count_mismatch anomaly is
// logged and every unreplied email in the window gets a deep scan.
func (r *Reconciler) AuditInboxCount(ctx context.Context, userID string, p domain.Provider, runID string) (AuditResult, error) {
	var result AuditResult
	now := r.now()
	since := now.Add(-r.cfg.AuditWindow)

	dbCount, err := r.store.CountRepliesSince(ctx, userID, p, since)
	if err != nil {
		return result, fmt.Errorf("failed to count replies: %w", err)
	}
	result.DBCount = dbCount

	adapter, err := r.adapters.Get(p)
	if err != nil {
		return result, fmt.Errorf("failed to resolve adapter: %w", err)
	}
	estimate, err := adapter.EstimateInboxCount(ctx, userID, since)
	if err != nil {
		return result, fmt.Errorf("failed to estimate inbox count: %w", err)
	}
	result.InboxEstimate = estimate

	result.Mismatch = dbCount <= r.cfg.AuditNearZero && estimate >= r.cfg.AuditMinInbox && estimate > dbCount
	if !result.Mismatch {
		return result, nil
	}

	anomaly := &domain.Anomaly{
		ID:                   uuid.NewString(),
		UserID:               userID,
		Type:                 domain.AnomalyCountMismatch,
		Severity:             domain.SeverityHigh,
		Details:              result.details(r.cfg.AuditWindow),
		RequiresManualReview: true,
		Status:               domain.AnomalyStatusOpen,
		CreatedAt:            now,
	}
	anomaly.Details["provider"] = p
	if err := r.store.CreateAnomaly(ctx, anomaly); err != nil {
		result.Errors++
		r.logger.Error("Failed to record count mismatch anomaly",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}

	r.logger.Warn("Inbox count mismatch detected",
		slog.String("user_id", userID),
		slog.String("provider", string(p)),
		slog.Int("db_count", dbCount),
		slog.Int("inbox_estimate", estimate),
	)

	emails, err := r.store.ListUnrepliedSentEmails(ctx, storage.UnrepliedFilter{
		UserID:    userID,
		Provider:  p,
		SentAfter: since,
		Limit:     r.cfg.NightlyLimit,
	})
	if err != nil {
		return result, fmt.Errorf("failed to list emails for deep scan: %w", err)
	}

	for _, e := range emails {
		_, created, err := r.enqueuer.EnqueueOrEscalate(ctx, queue.JobSpec{
			UserID:      userID,
			SentEmailID: e.ID,
			ContactID:   e.ContactID,
			Provider:    p,
			JobType:     domain.JobTypeDeepScan,
			Priority:    domain.PriorityDeepScan,
			Metadata:    jobMetadata(e, "count_mismatch", runID),
		})
		switch {
		case err != nil:
			result.Errors++
			r.logger.Error("Failed to schedule deep scan",
				slog.Int64("sent_email_id", e.ID),
				slog.Any("error", err),
			)
		case created:
			result.DeepScansCreated++
		default:
			result.Escalated++
		}
	}
	return result, nil
}

func (r *Reconciler) begin(ctx context.Context, userID string, p domain.Provider, runType domain.RunType) (*domain.ReconciliationRun, error) {
	if userID == "" || !p.Valid() {
		return nil, fmt.Errorf("%w: user id and a supported provider are required", domain.ErrInvalidInput)
	}
	run := &domain.ReconciliationRun{
		ID:        uuid.NewString(),
		UserID:    userID,
		Provider:  p,
		RunType:   runType,
		StartedAt: r.now(),
		Outcome:   domain.RunOutcomeRunning,
	}
	if err := r.store.CreateReconciliationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record reconciliation run: %w", err)
	}
	r.logger.Info("Reconciliation run started",
		slog.String("run_id", run.ID),
		slog.String("user_id", userID),
		slog.String("provider", string(p)),
		slog.String("run_type", string(runType)),
	)
	return run, nil
}

func (r *Reconciler) sweep(ctx context.Context, run *domain.ReconciliationRun, emails []domain.SentEmail, priority int, reason string) {
	run.EmailsChecked += len(emails)
	for _, e := range emails {
		_, err := r.enqueuer.Enqueue(ctx, queue.JobSpec{
			UserID:      run.UserID,
			SentEmailID: e.ID,
			ContactID:   e.ContactID,
			Provider:    run.Provider,
			JobType:     domain.JobTypeReconciliation,
			Priority:    priority,
			Metadata:    jobMetadata(e, reason, run.ID),
		})
		switch {
		case err == nil:
			run.JobsCreated++
		case errors.Is(err, domain.ErrDuplicateJob):
			// Picked up by a job created since the listing.
		default:
			run.Errors++
			r.logger.Error("Failed to create reconciliation job",
				slog.String("run_id", run.ID),
				slog.Int64("sent_email_id", e.ID),
				slog.Any("error", err),
			)
		}
	}
}

// complete stamps the outcome and persists the finished run.
func (r *Reconciler) complete(ctx context.Context, run *domain.ReconciliationRun, runErr error) (*domain.ReconciliationRun, error) {
	completed := r.now()
	run.CompletedAt = &completed
	run.Outcome = outcomeOf(run, runErr)

	if err := r.store.CompleteReconciliationRun(ctx, run); err != nil {
		r.logger.Error("Failed to complete reconciliation run",
			slog.String("run_id", run.ID),
			slog.Any("error", err),
		)
	}

	r.logger.Info("Reconciliation run completed",
		slog.String("run_id", run.ID),
		slog.String("user_id", run.UserID),
		slog.String("run_type", string(run.RunType)),
		slog.Int("emails_checked", run.EmailsChecked),
		slog.Int("jobs_created", run.JobsCreated),
		slog.Int("errors", run.Errors),
		slog.String("outcome", string(run.Outcome)),
	)
	return run, runErr
}

func outcomeOf(run *domain.ReconciliationRun, runErr error) domain.RunOutcome {
	switch {
	case runErr != nil:
		return domain.RunOutcomeFailed
	case run.Errors == 0:
		return domain.RunOutcomeSuccess
	default:
		return domain.RunOutcomePartial
	}
}

func jobMetadata(e domain.SentEmail, reason, runID string) domain.JobMetadata {
	return domain.JobMetadata{
		Subject:       e.Subject,
		ThreadID:      e.ThreadID,
		MessageID:     e.MessageID,
		HistoryID:     e.HistoryID,
		TriggerReason: reason,
		RunID:         runID,
	}
}
