// Package worker runs detection jobs: the processor executes one attempt and
// the engine schedules attempts, reconciliation timers and crash recovery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/queue"
	"github.com/cuongbtq/replywatch/internal/storage"
)

const (
	DefaultPollInterval         = 30 * time.Second
	DefaultStaleAfter           = 5 * time.Minute
	DefaultMaxConcurrentJobs    = 10
	DefaultMaxPerUserConcurrent = 3
	DefaultHourlyInterval       = time.Hour
	DefaultNightlyHour          = 3
	DefaultFetchLimit           = 100
)

var errStaleHeartbeat = errors.New("executing job lost its heartbeat")

// Config holds engine configuration
type Config struct {
	PollInterval         time.Duration
	StaleAfter           time.Duration
	MaxConcurrentJobs    int
	MaxPerUserConcurrent int
	HourlyInterval       time.Duration
	NightlyHour          int
	// Location is the wall clock the nightly sweep aligns to. Defaults to time.Local.
	Location   *time.Location
	FetchLimit int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if c.MaxPerUserConcurrent <= 0 {
		c.MaxPerUserConcurrent = DefaultMaxPerUserConcurrent
	}
	if c.HourlyInterval <= 0 {
		c.HourlyInterval = DefaultHourlyInterval
	}
	if c.NightlyHour < 0 || c.NightlyHour > 23 {
		c.NightlyHour = DefaultNightlyHour
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
}

// JobProcessor runs one attempt of a job.
type JobProcessor interface {
	Process(ctx context.Context, jobID string) (*domain.DetectionJob, error)
}

// Reconciler runs the periodic sweeps for one user and provider.
type Reconciler interface {
	RunHourly(ctx context.Context, userID string, p domain.Provider) (*domain.ReconciliationRun, error)
	RunNightly(ctx context.Context, userID string, p domain.Provider) (*domain.ReconciliationRun, error)
}

// registration is one (user, provider) pair with its timer cancel token.
type registration struct {
	provider     domain.Provider
	registeredAt time.Time
	cancel       context.CancelFunc
}

// userState is the in-memory index entry for an active user. It is rebuilt by Bootstrap.
type userState struct {
	userID        string
	registrations map[domain.Provider]*registration
}

// Engine schedules detection jobs under global and per-user concurrency caps.
type Engine struct {
	store      storage.Store
	processor  JobProcessor
	reconciler Reconciler
	enqueuer   *queue.Enqueuer
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	// root outlives every caller; Stop cancels it.
	root       context.Context
	cancelRoot context.CancelFunc

	mu         sync.Mutex
	users      map[string]*userState
	inFlight   int
	perUser    map[string]int
	dispatched map[string]struct{}
	loopDone   chan struct{}
	stopped    bool

	jobs   sync.WaitGroup
	timers sync.WaitGroup
}

// NewEngine creates an Engine. The poll loop starts with the first Start call.
func NewEngine(store storage.Store, processor JobProcessor, reconciler Reconciler, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	root, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		processor:  processor,
		reconciler: reconciler,
		enqueuer:   queue.NewEnqueuer(store, logger),
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "engine")),
		now:        time.Now,
		root:       root,
		cancelRoot: cancel,
		users:      make(map[string]*userState),
		perUser:    make(map[string]int),
		dispatched: make(map[string]struct{}),
	}
}

// Start registers userID for provider and arms its reconciliation timers.
// Repeated calls for the same pair are no-ops.
func (e *Engine) Start(_ context.Context, userID string, p domain.Provider) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if !p.Valid() {
		return fmt.Errorf("%w: unsupported provider %q", domain.ErrInvalidInput, p)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return errors.New("engine stopped")
	}

	state, ok := e.users[userID]
	if !ok {
		state = &userState{userID: userID, registrations: make(map[domain.Provider]*registration)}
		e.users[userID] = state
	}
	if _, ok := state.registrations[p]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(e.root)
	state.registrations[p] = &registration{provider: p, registeredAt: e.now(), cancel: cancel}
	e.timers.Add(1)
	go e.runUserTimers(ctx, userID, p)

	e.logger.Info("User registered",
		slog.String("user_id", userID),
		slog.String("provider", string(p)),
	)

	if e.loopDone == nil {
		e.loopDone = make(chan struct{})
		go e.loop(e.loopDone)
		e.logger.Info("Engine poll loop started",
			slog.Duration("poll_interval", e.cfg.PollInterval),
			slog.Int("max_concurrent_jobs", e.cfg.MaxConcurrentJobs),
			slog.Int("max_per_user_concurrent", e.cfg.MaxPerUserConcurrent),
		)
	}
	return nil
}

// StopUser cancels every timer registered for userID. In-flight jobs finish.
func (e *Engine) StopUser(userID string) {
	e.mu.Lock()
	state, ok := e.users[userID]
	delete(e.users, userID)
	e.mu.Unlock()

	if !ok {
		return
	}
	for _, reg := range state.registrations {
		reg.cancel()
	}
	e.logger.Info("User unregistered",
		slog.String("user_id", userID),
		slog.Int("providers", len(state.registrations)),
	)
}

// IsRegistered reports whether userID has timers armed for p.
func (e *Engine) IsRegistered(userID string, p domain.Provider) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.users[userID]
	if !ok {
		return false
	}
	_, ok = state.registrations[p]
	return ok
}

// Bootstrap rebuilds registrations from the store and recovers stale jobs.
// It returns the number of (user, provider) pairs registered.
func (e *Engine) Bootstrap(ctx context.Context) (int, error) {
	accounts, err := e.store.ListActiveProviderAccounts(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list provider accounts: %w", err)
	}

	registered := 0
	for _, acc := range accounts {
		if err := e.Start(ctx, acc.UserID, acc.Provider); err != nil {
			e.logger.Warn("Failed to register user during bootstrap",
				slog.String("user_id", acc.UserID),
				slog.String("provider", string(acc.Provider)),
				slog.Any("error", err),
			)
			continue
		}
		registered++
	}

	requeued := e.recoverStaleJobs(ctx)

	e.logger.Info("Engine bootstrapped",
		slog.Int("registrations", registered),
		slog.Int("stale_jobs_recovered", requeued),
	)
	return registered, nil
}

// QueueDetectionForSentEmail creates a scheduled scan for a sent email.
// An existing open job is returned together with domain.ErrDuplicateJob.
func (e *Engine) QueueDetectionForSentEmail(ctx context.Context, userID string, sentEmailID, contactID int64, p domain.Provider, delay time.Duration) (*domain.DetectionJob, error) {
	sent, err := e.store.GetSentEmail(ctx, sentEmailID)
	if err != nil {
		if errors.Is(err, domain.ErrSentEmailNotFound) {
			return nil, err
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to load sent email: %w", err))
	}
	if sent.UserID != userID {
		return nil, domain.ErrForbidden
	}
	if contactID == 0 {
		contactID = sent.ContactID
	}

	job, err := e.enqueuer.Enqueue(ctx, queue.JobSpec{
		UserID:      userID,
		SentEmailID: sentEmailID,
		ContactID:   contactID,
		Provider:    p,
		JobType:     domain.JobTypeScheduledScan,
		Priority:    domain.PriorityScheduledScan,
		Delay:       delay,
		Metadata: domain.JobMetadata{
			Subject:       sent.Subject,
			ThreadID:      sent.ThreadID,
			MessageID:     sent.MessageID,
			HistoryID:     sent.HistoryID,
			TriggerReason: "email_sent",
		},
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicateJob) && !errors.Is(err, domain.ErrInvalidInput) {
		return nil, domain.NewRetryableError(err)
	}
	return job, err
}

// GetStats summarises a user's jobs, reviews, anomalies and replies.
func (e *Engine) GetStats(ctx context.Context, userID string) (*domain.JobStats, error) {
	byStatus, err := e.store.CountJobsByStatus(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	awaiting, err := e.store.CountAwaitingReview(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	anomalies, err := e.store.CountOpenAnomalies(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count anomalies: %w", err)
	}
	replies, err := e.store.CountRepliesSince(ctx, userID, "", time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to count replies: %w", err)
	}

	stats := &domain.JobStats{
		UserID:          userID,
		ByStatus:        byStatus,
		AwaitingReview:  awaiting,
		OpenAnomalies:   anomalies,
		RepliesDetected: replies,
	}
	for _, n := range byStatus {
		stats.Total += n
	}

	e.mu.Lock()
	stats.InFlight = e.perUser[userID]
	e.mu.Unlock()
	return stats, nil
}

// Stop cancels timers and the poll loop, then waits for in-flight attempts.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	loopDone := e.loopDone
	e.users = make(map[string]*userState)
	e.mu.Unlock()

	e.logger.Info("Stopping engine...")
	e.cancelRoot()
	if loopDone != nil {
		<-loopDone
	}
	e.timers.Wait()
	e.jobs.Wait()
	e.logger.Info("Engine stopped")
}

func (e *Engine) loop(done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.tick(e.root)
	for {
		select {
		case <-e.root.Done():
			return
		case <-ticker.C:
			e.tick(e.root)
		}
	}
}

// tick runs one scheduling pass. Errors are logged; the loop never exits on them.
func (e *Engine) tick(ctx context.Context) {
	now := e.now()

	if promoted, err := e.store.PromoteDueJobs(ctx, now); err != nil {
		e.logger.Error("Failed to promote due jobs", slog.Any("error", err))
	} else if promoted > 0 {
		e.logger.Debug("Promoted due jobs", slog.Int("count", promoted))
	}

	e.recoverStaleJobs(ctx)

	queued, err := e.store.ListQueuedJobs(ctx, e.cfg.MaxPerUserConcurrent, e.cfg.FetchLimit)
	if err != nil {
		e.logger.Error("Failed to list queued jobs", slog.Any("error", err))
	}
	retryable, err := e.store.ListRetryableJobs(ctx, now, e.cfg.FetchLimit)
	if err != nil {
		e.logger.Error("Failed to list retryable jobs", slog.Any("error", err))
	}

	e.dispatch(append(queued, retryable...))
}

// recoverStaleJobs fails executing jobs whose heartbeat stopped, making them retry-eligible.
func (e *Engine) recoverStaleJobs(ctx context.Context) int {
	now := e.now()
	stale, err := e.store.ListStaleJobs(ctx, now.Add(-e.cfg.StaleAfter), e.cfg.FetchLimit)
	if err != nil {
		e.logger.Error("Failed to list stale jobs", slog.Any("error", err))
		return 0
	}

	recovered := 0
	for i := range stale {
		job := stale[i]
		e.mu.Lock()
		_, running := e.dispatched[job.ID]
		e.mu.Unlock()
		if running {
			continue
		}

		next := queue.NextState(job, queue.Failed(errStaleHeartbeat), now)
		if err := e.store.TransitionJob(ctx, &next, domain.JobStatusExecuting); err != nil {
			if !errors.Is(err, domain.ErrJobStateChanged) {
				e.logger.Error("Failed to recover stale job",
					slog.String("job_id", job.ID),
					slog.Any("error", err),
				)
			}
			continue
		}
		recovered++
		e.logger.Warn("Recovered stale job",
			slog.String("job_id", job.ID),
			slog.String("user_id", job.UserID),
			slog.String("status", string(next.Status)),
		)
	}
	return recovered
}

func (e *Engine) runUserTimers(ctx context.Context, userID string, p domain.Provider) {
	defer e.timers.Done()

	hourly := time.NewTicker(e.cfg.HourlyInterval)
	defer hourly.Stop()

	nightly := time.NewTimer(e.untilNightly())
	defer nightly.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hourly.C:
			e.reconcile(ctx, userID, p, domain.RunTypeHourly)
		case <-nightly.C:
			e.reconcile(ctx, userID, p, domain.RunTypeNightly)
			nightly.Reset(e.untilNightly())
		}
	}
}

func (e *Engine) untilNightly() time.Duration {
	now := e.now()
	return nextNightlyRun(now, e.cfg.NightlyHour, e.cfg.Location).Sub(now)
}

func (e *Engine) reconcile(ctx context.Context, userID string, p domain.Provider, runType domain.RunType) {
	if e.reconciler == nil {
		return
	}

	var (
		run *domain.ReconciliationRun
		err error
	)
	if runType == domain.RunTypeNightly {
		run, err = e.reconciler.RunNightly(ctx, userID, p)
	} else {
		run, err = e.reconciler.RunHourly(ctx, userID, p)
	}
	if err != nil {
		e.logger.Error("Reconciliation sweep failed",
			slog.String("user_id", userID),
			slog.String("provider", string(p)),
			slog.String("run_type", string(runType)),
			slog.Any("error", err),
		)
		return
	}
	e.logger.Info("Reconciliation sweep finished",
		slog.String("user_id", userID),
		slog.String("run_type", string(runType)),
		slog.Int("emails_checked", run.EmailsChecked),
		slog.Int("jobs_created", run.JobsCreated),
		slog.String("outcome", string(run.Outcome)),
	)
}

// nextNightlyRun returns the first instant strictly after now at hour:00 in loc.
func nextNightlyRun(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}
