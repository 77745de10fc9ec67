package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
)

// Memory implements Store in process memory. It enforces the same uniqueness
// rules as the Postgres schema and is used by tests and local runs.
type Memory struct {
	mu sync.Mutex

	jobs        map[string]*domain.DetectionJob
	sentEmails  map[int64]*domain.SentEmail
	contacts    map[int64]*domain.Contact
	accounts    map[accountKey]*domain.ProviderAccount
	replies     []*domain.Reply
	anomalies   []*domain.Anomaly
	runs        map[string]*domain.ReconciliationRun
	runLogs     []domain.RunLog
	events      []domain.AnalyticsEvent
	nextReplyID int64

	// failures injects errors by method name.
	failures map[string]error
}

type accountKey struct {
	userID   string
	provider domain.Provider
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]*domain.DetectionJob),
		sentEmails: make(map[int64]*domain.SentEmail),
		contacts:   make(map[int64]*domain.Contact),
		accounts:   make(map[accountKey]*domain.ProviderAccount),
		runs:       make(map[string]*domain.ReconciliationRun),
		failures:   make(map[string]error),
	}
}

// AddSentEmail seeds a sent email.
func (m *Memory) AddSentEmail(e domain.SentEmail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentEmails[e.ID] = &e
}

// AddContact seeds a contact.
func (m *Memory) AddContact(c domain.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = &c
}

// AddProviderAccount seeds a provider account.
func (m *Memory) AddProviderAccount(a domain.ProviderAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountKey{a.UserID, a.Provider}] = &a
}

// FailOn makes the named method return err until cleared with a nil err.
func (m *Memory) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Jobs returns a snapshot of all jobs ordered by creation time.
func (m *Memory) Jobs() []domain.DetectionJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DetectionJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Replies returns a snapshot of stored replies.
func (m *Memory) Replies() []domain.Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Reply, len(m.replies))
	for i, r := range m.replies {
		out[i] = *r
	}
	return out
}

// Anomalies returns a snapshot of stored anomalies.
func (m *Memory) Anomalies() []domain.Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Anomaly, len(m.anomalies))
	for i, a := range m.anomalies {
		out[i] = *a
	}
	return out
}

// RunLogs returns a snapshot of the per-attempt run logs.
func (m *Memory) RunLogs() []domain.RunLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RunLog(nil), m.runLogs...)
}

// AnalyticsEvents returns a snapshot of emitted analytics events.
func (m *Memory) AnalyticsEvents() []domain.AnalyticsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AnalyticsEvent(nil), m.events...)
}

// ReconciliationRuns returns a snapshot of sweep audit rows.
func (m *Memory) ReconciliationRuns() []domain.ReconciliationRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ReconciliationRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

func (m *Memory) fail(method string) error {
	return m.failures[method]
}

func (m *Memory) openJobLocked(sentEmailID int64) *domain.DetectionJob {
	for _, j := range m.jobs {
		if j.SentEmailID == sentEmailID && j.Status.IsOpen() {
			return j
		}
	}
	return nil
}

func (m *Memory) CreateJob(_ context.Context, job *domain.DetectionJob) (*domain.DetectionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateJob"); err != nil {
		return nil, err
	}
	if job.Status.IsOpen() {
		if existing := m.openJobLocked(job.SentEmailID); existing != nil {
			cp := cloneJob(existing)
			return &cp, domain.ErrDuplicateJob
		}
	}
	cp := cloneJob(job)
	m.jobs[job.ID] = &cp
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*domain.DetectionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := cloneJob(j)
	return &cp, nil
}

func (m *Memory) GetOpenJobForSentEmail(_ context.Context, sentEmailID int64) (*domain.DetectionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.openJobLocked(sentEmailID)
	if j == nil {
		return nil, domain.ErrJobNotFound
	}
	cp := cloneJob(j)
	return &cp, nil
}

func (m *Memory) ClaimJob(_ context.Context, jobID string, now time.Time) (*domain.DetectionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClaimJob"); err != nil {
		return nil, err
	}
	j, ok := m.jobs[jobID]
	if !ok || (j.Status != domain.JobStatusQueued && j.Status != domain.JobStatusFailed) {
		return nil, domain.ErrJobAlreadyClaimed
	}
	if j.Status == domain.JobStatusFailed {
		if other := m.openJobLocked(j.SentEmailID); other != nil {
			return nil, domain.ErrJobAlreadyClaimed
		}
	}
	j.Status = domain.JobStatusExecuting
	j.StartedAt = &now
	j.LastHeartbeatAt = &now
	j.UpdatedAt = now
	cp := cloneJob(j)
	return &cp, nil
}

func (m *Memory) UpdateJobHeartbeat(_ context.Context, jobID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok && j.Status == domain.JobStatusExecuting {
		j.LastHeartbeatAt = &now
		j.UpdatedAt = now
	}
	return nil
}

func (m *Memory) TransitionJob(_ context.Context, job *domain.DetectionJob, from ...domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TransitionJob"); err != nil {
		return err
	}
	j, ok := m.jobs[job.ID]
	if !ok || !containsStatus(from, j.Status) {
		return domain.ErrJobStateChanged
	}
	if job.Status.IsOpen() && !j.Status.IsOpen() {
		if other := m.openJobLocked(job.SentEmailID); other != nil && other.ID != job.ID {
			return domain.ErrDuplicateJob
		}
	}
	cp := cloneJob(job)
	cp.CreatedAt = j.CreatedAt
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) EscalateJob(_ context.Context, jobID string, priority int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || (j.Status != domain.JobStatusPending && j.Status != domain.JobStatusQueued) {
		return domain.ErrJobStateChanged
	}
	if priority < j.Priority {
		j.Priority = priority
	}
	if now.Before(j.ScheduledFor) {
		j.ScheduledFor = now
	}
	j.Status = domain.JobStatusQueued
	j.UpdatedAt = now
	return nil
}

func (m *Memory) PromoteDueJobs(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PromoteDueJobs"); err != nil {
		return 0, err
	}
	n := 0
	for _, j := range m.jobs {
		if j.Status == domain.JobStatusPending && !j.ScheduledFor.After(now) {
			j.Status = domain.JobStatusQueued
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListStaleJobs(_ context.Context, heartbeatBefore time.Time, limit int) ([]domain.DetectionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DetectionJob
	for _, j := range m.jobs {
		if j.Status != domain.JobStatusExecuting {
			continue
		}
		last := j.UpdatedAt
		if j.StartedAt != nil {
			last = *j.StartedAt
		}
		if j.LastHeartbeatAt != nil {
			last = *j.LastHeartbeatAt
		}
		if last.Before(heartbeatBefore) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	return truncate(out, limit), nil
}

func (m *Memory) ListQueuedJobs(_ context.Context, perUserLimit, limit int) ([]domain.DetectionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListQueuedJobs"); err != nil {
		return nil, err
	}
	var queued []domain.DetectionJob
	for _, j := range m.jobs {
		if j.Status == domain.JobStatusQueued {
			queued = append(queued, cloneJob(j))
		}
	}
	sortByPriority(queued)

	perUser := make(map[string]int)
	out := make([]domain.DetectionJob, 0, len(queued))
	for _, j := range queued {
		if perUser[j.UserID] >= perUserLimit {
			continue
		}
		perUser[j.UserID]++
		out = append(out, j)
	}
	return truncate(out, limit), nil
}

func (m *Memory) ListRetryableJobs(_ context.Context, now time.Time, limit int) ([]domain.DetectionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DetectionJob
	for _, j := range m.jobs {
		if j.Status != domain.JobStatusFailed || j.NextRetryAt == nil || j.NextRetryAt.After(now) {
			continue
		}
		if m.openJobLocked(j.SentEmailID) != nil {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority < out[k].Priority
		}
		return out[i].NextRetryAt.Before(*out[k].NextRetryAt)
	})
	return truncate(out, limit), nil
}

func (m *Memory) ListDeadLetters(_ context.Context, filter DeadLetterFilter) ([]domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeadLetterEntry
	for _, j := range m.jobs {
		if j.Status != domain.JobStatusDeadLetter {
			continue
		}
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if filter.ReviewStatus != "" && j.ReviewStatus != filter.ReviewStatus {
			continue
		}
		if filter.Cursor != nil && !before(j.UpdatedAt, j.ID, *filter.Cursor) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		return !before(out[i].UpdatedAt, out[i].ID, Cursor{At: out[k].UpdatedAt, ID: out[k].ID})
	})
	return truncate(out, pageSize(filter.PageSize)+1), nil
}

func (m *Memory) CountJobsByStatus(_ context.Context, userID string) (map[domain.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.JobStatus]int)
	for _, j := range m.jobs {
		if j.UserID == userID {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) CountAwaitingReview(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.UserID == userID && j.Status == domain.JobStatusDeadLetter &&
			(j.ReviewStatus == domain.ReviewStatusAwaitingReview || j.ReviewStatus == domain.ReviewStatusManualCheck) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetSentEmail(_ context.Context, sentEmailID int64) (*domain.SentEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sentEmails[sentEmailID]
	if !ok {
		return nil, domain.ErrSentEmailNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) GetContact(_ context.Context, contactID int64) (*domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[contactID]
	if !ok {
		return nil, domain.ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListUnrepliedSentEmails(_ context.Context, filter UnrepliedFilter) ([]domain.SentEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListUnrepliedSentEmails"); err != nil {
		return nil, err
	}
	var out []domain.SentEmail
	for _, e := range m.sentEmails {
		if e.UserID != filter.UserID || e.Provider != filter.Provider || e.ReplyReceived || e.NoReplyConfirmed {
			continue
		}
		if !filter.SentAfter.IsZero() && e.SentAt.Before(filter.SentAfter) {
			continue
		}
		if !filter.CheckedBefore.IsZero() && e.LastReplyCheck != nil && !e.LastReplyCheck.Before(filter.CheckedBefore) {
			continue
		}
		if filter.WithoutOpenJob && m.openJobLocked(e.ID) != nil {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].SentAt.Equal(out[k].SentAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].SentAt.After(out[k].SentAt)
	})
	return truncate(out, pageSize(filter.Limit)), nil
}

func (m *Memory) MarkReplyReceived(_ context.Context, sentEmailID int64, confidence float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkReplyReceived"); err != nil {
		return err
	}
	e, ok := m.sentEmails[sentEmailID]
	if !ok {
		return domain.ErrSentEmailNotFound
	}
	e.ReplyReceived = true
	if confidence > e.ReplyConfidence {
		e.ReplyConfidence = confidence
	}
	e.LastReplyCheck = &at
	return nil
}

func (m *Memory) TouchLastReplyCheck(_ context.Context, sentEmailID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TouchLastReplyCheck"); err != nil {
		return err
	}
	e, ok := m.sentEmails[sentEmailID]
	if !ok {
		return domain.ErrSentEmailNotFound
	}
	e.LastReplyCheck = &at
	return nil
}

func (m *Memory) MarkNoReplyConfirmed(_ context.Context, sentEmailID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sentEmails[sentEmailID]
	if !ok || e.ReplyReceived {
		return domain.ErrSentEmailNotFound
	}
	e.NoReplyConfirmed = true
	e.LastReplyCheck = &at
	return nil
}

func (m *Memory) InsertReplyIfAbsent(_ context.Context, reply *domain.Reply) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertReplyIfAbsent"); err != nil {
		return false, err
	}
	for _, r := range m.replies {
		if r.ProviderMessageID == reply.ProviderMessageID || r.SentEmailID == reply.SentEmailID {
			return false, nil
		}
	}
	m.nextReplyID++
	reply.ID = m.nextReplyID
	cp := *reply
	m.replies = append(m.replies, &cp)
	return true, nil
}

func (m *Memory) GetReplyBySentEmail(_ context.Context, sentEmailID int64) (*domain.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetReplyBySentEmail"); err != nil {
		return nil, err
	}
	for _, r := range m.replies {
		if r.SentEmailID == sentEmailID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrReplyNotFound
}

func (m *Memory) GetReplyByProviderMessageID(_ context.Context, providerMessageID string) (*domain.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetReplyByProviderMessageID"); err != nil {
		return nil, err
	}
	for _, r := range m.replies {
		if r.ProviderMessageID == providerMessageID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrReplyNotFound
}

func (m *Memory) CountRepliesSince(_ context.Context, userID string, p domain.Provider, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.replies {
		if r.UserID != userID || r.ReceivedAt.Before(since) {
			continue
		}
		if p != "" {
			e, ok := m.sentEmails[r.SentEmailID]
			if !ok || e.Provider != p {
				continue
			}
		}
		n++
	}
	return n, nil
}

func (m *Memory) CreateAnomaly(_ context.Context, a *domain.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateAnomaly"); err != nil {
		return err
	}
	cp := *a
	m.anomalies = append(m.anomalies, &cp)
	return nil
}

func (m *Memory) ListAnomalies(_ context.Context, filter AnomalyFilter) ([]domain.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Anomaly
	for _, a := range m.anomalies {
		if a.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil && !before(a.CreatedAt, a.ID, *filter.Cursor) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, k int) bool {
		return !before(out[i].CreatedAt, out[i].ID, Cursor{At: out[k].CreatedAt, ID: out[k].ID})
	})
	return truncate(out, pageSize(filter.PageSize)+1), nil
}

func (m *Memory) ResolveAnomaliesForJob(_ context.Context, jobID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.anomalies {
		if a.JobID != nil && *a.JobID == jobID && a.Status == domain.AnomalyStatusOpen {
			a.Status = domain.AnomalyStatusResolved
			resolved := at
			a.ResolvedAt = &resolved
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountOpenAnomalies(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.anomalies {
		if a.UserID == userID && a.Status == domain.AnomalyStatusOpen {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateReconciliationRun(_ context.Context, run *domain.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateReconciliationRun"); err != nil {
		return err
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) CompleteReconciliationRun(_ context.Context, run *domain.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) InsertRunLog(_ context.Context, log domain.RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertRunLog"); err != nil {
		return err
	}
	m.runLogs = append(m.runLogs, log)
	return nil
}

func (m *Memory) InsertAnalyticsEvent(_ context.Context, event domain.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) GetProviderAccount(_ context.Context, userID string, p domain.Provider) (*domain.ProviderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountKey{userID, p}]
	if !ok {
		return nil, domain.ErrProviderAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListActiveProviderAccounts(_ context.Context, now time.Time) ([]domain.ProviderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProviderAccount
	for _, a := range m.accounts {
		if a.RefreshToken != "" || a.Expiry == nil || a.Expiry.After(now) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].UserID != out[k].UserID {
			return out[i].UserID < out[k].UserID
		}
		return out[i].Provider < out[k].Provider
	})
	return out, nil
}

func cloneJob(j *domain.DetectionJob) domain.DetectionJob {
	cp := *j
	cp.ReviewHistory = append(domain.ReviewHistory(nil), j.ReviewHistory...)
	return cp
}

func containsStatus(list []domain.JobStatus, s domain.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortByPriority(jobs []domain.DetectionJob) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority < jobs[k].Priority
		}
		if !jobs[i].ScheduledFor.Equal(jobs[k].ScheduledFor) {
			return jobs[i].ScheduledFor.Before(jobs[k].ScheduledFor)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

// before reports whether (at, id) sorts strictly before c in newest-first order.
func before(at time.Time, id string, c Cursor) bool {
	if at.Equal(c.At) {
		return id < c.ID
	}
	return at.Before(c.At)
}

func truncate[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}
