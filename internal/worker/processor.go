package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/replywatch/internal/detection/health"
	"github.com/cuongbtq/replywatch/internal/detection/layers"
	"github.com/cuongbtq/replywatch/internal/detection/quorum"
	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/notify"
	"github.com/cuongbtq/replywatch/internal/queue"
	"github.com/cuongbtq/replywatch/internal/storage"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultJobBudget         = 60 * time.Second
	// MinLayersForVerification is the number of healthy layers a verdict needs to be verified.
	MinLayersForVerification = 3

	eventReplyDetected = "reply_detected"
)

// HealthChecker gates job attempts on the user's provider connection.
type HealthChecker interface {
	PerformHealthCheck(ctx context.Context, userID string, p domain.Provider) domain.HealthCheckResult
	Invalidate(userID string, p domain.Provider)
}

// ProcessorConfig holds processor settings
type ProcessorConfig struct {
	HeartbeatInterval time.Duration
	// JobBudget is a soft limit. Attempts over budget are flagged, never aborted.
	JobBudget time.Duration
	Quorum    quorum.Policy
}

// Processor runs one attempt of one detection job.
type Processor struct {
	store    storage.Store
	adapters health.AdapterSource
	health   HealthChecker
	notifier notify.Notifier
	cfg      ProcessorConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(store storage.Store, adapters health.AdapterSource, checker HealthChecker, notifier notify.Notifier, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.JobBudget <= 0 {
		cfg.JobBudget = DefaultJobBudget
	}
	if cfg.Quorum == (quorum.Policy{}) {
		cfg.Quorum = quorum.DefaultPolicy()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Processor{
		store:    store,
		adapters: adapters,
		health:   checker,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "processor")),
		now:      time.Now,
	}
}

// Process claims the job, runs detection and records the resulting transition.
// The returned job carries the post-attempt state. Detection failures are not
// errors here; they are encoded in the job status.
func (p *Processor) Process(ctx context.Context, jobID string) (*domain.DetectionJob, error) {
	start := p.now()

	job, err := p.store.ClaimJob(ctx, jobID, start)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			p.logger.Warn("Job already claimed, skipping",
				slog.String("job_id", jobID),
			)
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	p.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.Int64("sent_email_id", job.SentEmailID),
		slog.String("job_type", string(job.JobType)),
		slog.Int("attempt", job.AttemptCount+1),
	)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go p.sendJobHeartbeat(hbCtx, job.ID, hbDone)
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	runLog := domain.RunLog{
		JobID:       job.ID,
		UserID:      job.UserID,
		SentEmailID: job.SentEmailID,
		Attempt:     job.AttemptCount + 1,
	}
	attemptErr := p.runAttempt(ctx, job, &runLog)

	return p.finish(ctx, job, &runLog, attemptErr, start)
}

// runAttempt executes the detection pipeline, turning panics into errors.
func (p *Processor) runAttempt(ctx context.Context, job *domain.DetectionJob, runLog *domain.RunLog) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic during detection attempt",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic during detection: %v", r)
		}
	}()
	return p.detect(ctx, job, runLog)
}

func (p *Processor) detect(ctx context.Context, job *domain.DetectionJob, runLog *domain.RunLog) error {
	hc := p.health.PerformHealthCheck(ctx, job.UserID, job.Provider)
	runLog.Health = &hc
	if !hc.Healthy {
		return fmt.Errorf("%w: %s", domain.ErrHealthCheckFailed, hc.ErrorMessage)
	}

	sent, err := p.store.GetSentEmail(ctx, job.SentEmailID)
	if err != nil {
		return fmt.Errorf("failed to load sent email: %w", err)
	}
	contactID := job.ContactID
	if contactID == 0 {
		contactID = sent.ContactID
	}
	contact, err := p.store.GetContact(ctx, contactID)
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}
	adapter, err := p.adapters.Get(job.Provider)
	if err != nil {
		return fmt.Errorf("failed to resolve adapter: %w", err)
	}
	userEmail, err := adapter.GetUserEmail(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("failed to load mailbox address: %w", err)
	}

	results := layers.RunAll(ctx, hc.LayersReady, layers.Input{
		UserID:    job.UserID,
		UserEmail: userEmail,
		SentEmail: *sent,
		Contact:   *contact,
		Adapter:   adapter,
	})
	runLog.Layers = results
	for _, r := range results {
		if r.AuthFailure {
			p.health.Invalidate(job.UserID, job.Provider)
			break
		}
	}

	q := quorum.Aggregate(results, p.cfg.Quorum)
	runLog.Quorum = &q
	p.recordAnomalies(ctx, job, q)

	verification := domain.VerificationResult{
		QuorumMet: q.QuorumMet,
		LayersRan: len(q.HealthyLayers),
	}
	runLog.Verification = &verification

	if !q.QuorumMet {
		verification.Reason = "quorum not met"
		return fmt.Errorf("%w: %d healthy layers", domain.ErrQuorumNotMet, len(q.HealthyLayers))
	}
	if quorum.SplitVote(q) {
		verification.Reason = "split vote"
		return fmt.Errorf("%w: %d of %d healthy layers found a reply", domain.ErrQuorumNotMet, len(q.FoundLayers), len(q.HealthyLayers))
	}

	confirmed, err := p.persist(ctx, job, sent, q, results)
	verification.DBWriteConfirmed = confirmed
	if err != nil {
		verification.Reason = "persistence failed"
		return err
	}

	verification.Passed = q.QuorumMet && confirmed && verification.LayersRan >= MinLayersForVerification
	if !verification.Passed {
		switch {
		case !confirmed:
			verification.Reason = "database write not confirmed"
		default:
			verification.Reason = fmt.Sprintf("only %d layers ran", verification.LayersRan)
		}
		return fmt.Errorf("%w: %s", domain.ErrVerificationFailed, verification.Reason)
	}
	return nil
}

// persist writes the verdict and reports whether it was read back.
func (p *Processor) persist(ctx context.Context, job *domain.DetectionJob, sent *domain.SentEmail, q domain.QuorumResult, results []domain.LayerExecutionResult) (bool, error) {
	now := p.now()

	if !q.Found {
		if err := p.store.TouchLastReplyCheck(ctx, sent.ID, now); err != nil {
			return false, fmt.Errorf("%w: %v", domain.ErrPersistenceFailed, err)
		}
		return true, nil
	}

	detected := pickReply(results)
	if detected == nil {
		return false, fmt.Errorf("%w: no reply attached to found layers", domain.ErrPersistenceFailed)
	}

	reply := &domain.Reply{
		SentEmailID:       sent.ID,
		UserID:            job.UserID,
		ProviderMessageID: detected.ProviderMessageID,
		ThreadID:          detected.ThreadID,
		SenderEmail:       detected.SenderEmail,
		Subject:           detected.Subject,
		Snippet:           detected.Snippet,
		ReceivedAt:        detected.ReceivedAt,
		DetectedBy:        detected.Layer,
		Confidence:        q.Confidence,
		CreatedAt:         now,
	}
	inserted, err := p.store.InsertReplyIfAbsent(ctx, reply)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrPersistenceFailed, err)
	}
	if err := p.store.MarkReplyReceived(ctx, sent.ID, q.Confidence, now); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrPersistenceFailed, err)
	}

	stored, err := p.readBackReply(ctx, sent.ID, reply.ProviderMessageID)
	if err != nil {
		p.logger.Warn("Failed to read back reply",
			slog.String("job_id", job.ID),
			slog.Int64("sent_email_id", sent.ID),
			slog.Any("error", err),
		)
		return false, nil
	}

	if inserted {
		p.notifier.BroadcastNewReply(ctx, job.UserID, notify.ReplyRef{
			SentEmailID:       sent.ID,
			ReplyID:           stored.ID,
			ProviderMessageID: stored.ProviderMessageID,
			SenderEmail:       stored.SenderEmail,
			ReceivedAt:        stored.ReceivedAt,
			DetectedBy:        stored.DetectedBy,
			Confidence:        stored.Confidence,
		})

		event := domain.AnalyticsEvent{
			UserID:      job.UserID,
			EventType:   eventReplyDetected,
			SentEmailID: sent.ID,
			Properties: domain.Details{
				"job_id":       job.ID,
				"job_type":     job.JobType,
				"provider":     job.Provider,
				"layer":        stored.DetectedBy,
				"confidence":   stored.Confidence,
				"found_layers": q.FoundLayers,
			},
			CreatedAt: now,
		}
		if err := p.store.InsertAnalyticsEvent(ctx, event); err != nil {
			p.logger.Warn("Failed to record analytics event",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}
	return true, nil
}

// readBackReply confirms the reply row exists. A message already attributed to
// another sent email in the same thread counts, since the insert was a no-op.
func (p *Processor) readBackReply(ctx context.Context, sentEmailID int64, providerMessageID string) (*domain.Reply, error) {
	stored, err := p.store.GetReplyBySentEmail(ctx, sentEmailID)
	if err == nil || !errors.Is(err, domain.ErrReplyNotFound) {
		return stored, err
	}
	return p.store.GetReplyByProviderMessageID(ctx, providerMessageID)
}

// pickReply chooses the message most found layers agree on, then the most confident.
func pickReply(results []domain.LayerExecutionResult) *domain.DetectedReply {
	votes := make(map[string]int)
	var candidates []*domain.DetectedReply
	for i := range results {
		r := results[i].Reply
		if !results[i].Healthy || !results[i].Found || r == nil {
			continue
		}
		if votes[r.ProviderMessageID] == 0 {
			candidates = append(candidates, r)
		}
		votes[r.ProviderMessageID]++
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if votes[a.ProviderMessageID] != votes[b.ProviderMessageID] {
			return votes[a.ProviderMessageID] > votes[b.ProviderMessageID]
		}
		return a.Confidence > b.Confidence
	})
	return candidates[0]
}

func (p *Processor) recordAnomalies(ctx context.Context, job *domain.DetectionJob, q domain.QuorumResult) {
	var a *domain.Anomaly
	switch {
	case !q.QuorumMet:
		a = p.newAnomaly(job, domain.AnomalyQuorumFailure, domain.SeverityMedium, q)
		a.Details["reason"] = "insufficient healthy layers"
	case quorum.SplitVote(q):
		a = p.newAnomaly(job, domain.AnomalyQuorumFailure, quorum.DisagreementSeverity(q), q)
		a.Details["reason"] = "split vote"
		a.RequiresManualReview = true
	case quorum.Disagreement(q):
		severity := quorum.DisagreementSeverity(q)
		a = p.newAnomaly(job, domain.AnomalyLayerDisagreement, severity, q)
		a.RequiresManualReview = severity == domain.SeverityHigh
	default:
		return
	}

	if err := p.store.CreateAnomaly(ctx, a); err != nil {
		p.logger.Error("Failed to record anomaly",
			slog.String("job_id", job.ID),
			slog.String("type", string(a.Type)),
			slog.Any("error", err),
		)
		return
	}
	p.logger.Warn("Anomaly recorded",
		slog.String("job_id", job.ID),
		slog.String("anomaly_id", a.ID),
		slog.String("type", string(a.Type)),
		slog.String("severity", string(a.Severity)),
	)
}

func (p *Processor) newAnomaly(job *domain.DetectionJob, t domain.AnomalyType, s domain.Severity, q domain.QuorumResult) *domain.Anomaly {
	sentEmailID := job.SentEmailID
	jobID := job.ID
	details := quorum.Details(q)
	details["attempt"] = job.AttemptCount + 1
	return &domain.Anomaly{
		ID:          uuid.NewString(),
		UserID:      job.UserID,
		SentEmailID: &sentEmailID,
		JobID:       &jobID,
		Type:        t,
		Severity:    s,
		Details:     details,
		Status:      domain.AnomalyStatusOpen,
		CreatedAt:   p.now(),
	}
}

// finish applies the state transition and writes the run log.
func (p *Processor) finish(ctx context.Context, job *domain.DetectionJob, runLog *domain.RunLog, attemptErr error, start time.Time) (*domain.DetectionJob, error) {
	now := p.now()

	outcome := queue.Succeeded()
	if attemptErr != nil {
		outcome = queue.Failed(attemptErr)
	}
	next := queue.NextState(*job, outcome, now)

	elapsed := now.Sub(start)
	runLog.Outcome = next.Status
	runLog.DurationMs = elapsed.Milliseconds()
	runLog.BudgetExceeded = elapsed > p.cfg.JobBudget
	runLog.CreatedAt = now
	if attemptErr != nil {
		runLog.Error = attemptErr.Error()
	}

	transitionErr := p.store.TransitionJob(ctx, &next, domain.JobStatusExecuting)
	if transitionErr != nil {
		p.logger.Error("Failed to record job transition",
			slog.String("job_id", job.ID),
			slog.String("to_status", string(next.Status)),
			slog.Any("error", transitionErr),
		)
	}

	if err := p.store.InsertRunLog(ctx, *runLog); err != nil {
		p.logger.Error("Failed to write run log",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}

	if runLog.BudgetExceeded {
		p.logger.Warn("Job attempt exceeded budget",
			slog.String("job_id", job.ID),
			slog.Duration("elapsed", elapsed),
			slog.Duration("budget", p.cfg.JobBudget),
		)
	}

	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("status", string(next.Status)),
		slog.Int("attempt_count", next.AttemptCount),
		slog.Duration("elapsed", elapsed),
	}
	switch next.Status {
	case domain.JobStatusVerified:
		p.logger.Info("Job verified", attrs...)
	case domain.JobStatusDeadLetter:
		p.logger.Error("Job moved to dead letter", append(attrs, slog.Any("error", attemptErr))...)
	default:
		if next.NextRetryAt != nil {
			attrs = append(attrs, slog.Time("next_retry_at", *next.NextRetryAt))
		}
		p.logger.Warn("Job attempt failed", append(attrs, slog.Any("error", attemptErr))...)
	}

	if transitionErr != nil {
		return nil, fmt.Errorf("failed to transition job: %w", transitionErr)
	}
	return &next, nil
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (p *Processor) sendJobHeartbeat(ctx context.Context, jobID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.UpdateJobHeartbeat(ctx, jobID, p.now()); err != nil {
				p.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
