package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/provider"
	"github.com/cuongbtq/replywatch/internal/provider/providertest"
	"github.com/cuongbtq/replywatch/internal/queue"
	"github.com/cuongbtq/replywatch/internal/storage"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *storage.Memory
	adapter *providertest.Adapter
	rec     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	store.AddContact(domain.Contact{ID: 1, Email: "jane@acme.com"})

	adapter := providertest.New("me@example.com")
	registry := provider.NewRegistry()
	registry.Register(domain.ProviderGmail, adapter)

	rec := New(store, registry, DefaultConfig(), discardLogger())
	rec.now = func() time.Time { return now }
	return &fixture{store: store, adapter: adapter, rec: rec}
}

func (f *fixture) addEmail(id int64, sentAgo time.Duration, mutate func(*domain.SentEmail)) {
	e := domain.SentEmail{
		ID:        id,
		UserID:    "user-1",
		ContactID: 1,
		Provider:  domain.ProviderGmail,
		Subject:   "Hello",
		SentAt:    now.Add(-sentAgo),
	}
	if mutate != nil {
		mutate(&e)
	}
	f.store.AddSentEmail(e)
}

func jobsBySentEmail(jobs []domain.DetectionJob) map[int64]domain.DetectionJob {
	out := make(map[int64]domain.DetectionJob, len(jobs))
	for _, j := range jobs {
		out[j.SentEmailID] = j
	}
	return out
}

func TestRunHourly_SweepsRecentUnreplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	recentCheck := now.Add(-10 * time.Minute)
	oldCheck := now.Add(-2 * time.Hour)

	f.addEmail(1, 2*time.Hour, nil)
	f.addEmail(2, 3*time.Hour, func(e *domain.SentEmail) { e.LastReplyCheck = &oldCheck })
	f.addEmail(3, 3*time.Hour, func(e *domain.SentEmail) { e.LastReplyCheck = &recentCheck })
	f.addEmail(4, 48*time.Hour, nil)
	f.addEmail(5, time.Hour, func(e *domain.SentEmail) { e.ReplyReceived = true })
	f.addEmail(6, time.Hour, func(e *domain.SentEmail) { e.NoReplyConfirmed = true })
	f.addEmail(7, time.Hour, func(e *domain.SentEmail) { e.Provider = domain.ProviderOutlook })
	f.addEmail(8, time.Hour, nil)

	open := queue.NewJob(queue.JobSpec{UserID: "user-1", SentEmailID: 8, Provider: domain.ProviderGmail, Priority: 5}, now)
	_, err := f.store.CreateJob(ctx, &open)
	require.NoError(t, err)

	// Healthy inbox, no mismatch.
	f.adapter.InboxEstimate = 3

	run, err := f.rec.RunHourly(ctx, "user-1", domain.ProviderGmail)
	require.NoError(t, err)

	assert.Equal(t, domain.RunTypeHourly, run.RunType)
	assert.Equal(t, domain.RunOutcomeSuccess, run.Outcome)
	assert.Equal(t, 2, run.EmailsChecked)
	assert.Equal(t, 2, run.JobsCreated)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, false, run.Audit["mismatch"])

	jobs := jobsBySentEmail(f.store.Jobs())
	for _, id := range []int64{1, 2} {
		job, ok := jobs[id]
		require.True(t, ok, "sent email %d", id)
		assert.Equal(t, domain.JobTypeReconciliation, job.JobType)
		assert.Equal(t, domain.PriorityHourlySweep, job.Priority)
		assert.Equal(t, domain.JobStatusQueued, job.Status)
		assert.Equal(t, run.ID, job.Metadata.RunID)
	}
	for _, id := range []int64{3, 4, 5, 6, 7} {
		_, ok := jobs[id]
		assert.False(t, ok, "sent email %d", id)
	}
	assert.Equal(t, domain.PriorityScheduledScan, jobs[8].Priority, "existing job untouched")

	runs := f.store.ReconciliationRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunOutcomeSuccess, runs[0].Outcome)
	assert.Empty(t, f.store.Anomalies())
}

func TestAuditInboxCount_Mismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addEmail(1, 2*24*time.Hour, nil)
	f.addEmail(2, 6*24*time.Hour, nil)
	f.addEmail(3, 10*24*time.Hour, nil) // outside the window
	f.adapter.InboxEstimate = 40

	result, err := f.rec.AuditInboxCount(ctx, "user-1", domain.ProviderGmail, "run-1")
	require.NoError(t, err)

	assert.True(t, result.Mismatch)
	assert.Equal(t, 0, result.DBCount)
	assert.Equal(t, 40, result.InboxEstimate)
	assert.Equal(t, 2, result.DeepScansCreated)

	anomalies := f.store.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, domain.AnomalyCountMismatch, anomalies[0].Type)
	assert.Equal(t, domain.SeverityHigh, anomalies[0].Severity)
	assert.True(t, anomalies[0].RequiresManualReview)

	jobs := jobsBySentEmail(f.store.Jobs())
	require.Len(t, jobs, 2)
	for _, id := range []int64{1, 2} {
		assert.Equal(t, domain.JobTypeDeepScan, jobs[id].JobType)
		assert.Equal(t, domain.PriorityDeepScan, jobs[id].Priority)
		assert.Equal(t, domain.JobStatusQueued, jobs[id].Status)
		assert.Equal(t, "count_mismatch", jobs[id].Metadata.TriggerReason)
	}
}

func TestAuditInboxCount_Thresholds(t *testing.T) {
	tests := []struct {
		name         string
		replies      int
		estimate     int
		wantMismatch bool
	}{
		{name: "zero replies busy inbox", replies: 0, estimate: 40, wantMismatch: true},
		{name: "one reply counts as near zero", replies: 1, estimate: 10, wantMismatch: true},
		{name: "two replies is not near zero", replies: 2, estimate: 40},
		{name: "quiet inbox", replies: 0, estimate: 9},
		{name: "empty inbox", replies: 0, estimate: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			for i := 0; i < tt.replies; i++ {
				id := int64(100 + i)
				f.addEmail(id, 24*time.Hour, func(e *domain.SentEmail) { e.ReplyReceived = true })
				_, err := f.store.InsertReplyIfAbsent(ctx, &domain.Reply{
					SentEmailID:       id,
					UserID:            "user-1",
					ProviderMessageID: "m-" + string(rune('a'+i)),
					ReceivedAt:        now.Add(-time.Hour),
				})
				require.NoError(t, err)
			}
			f.adapter.InboxEstimate = tt.estimate

			result, err := f.rec.AuditInboxCount(ctx, "user-1", domain.ProviderGmail, "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantMismatch, result.Mismatch)
			assert.Equal(t, tt.replies, result.DBCount)
			if tt.wantMismatch {
				assert.Len(t, f.store.Anomalies(), 1)
			} else {
				assert.Empty(t, f.store.Anomalies())
			}
		})
	}
}

func TestRunHourly_MismatchEscalatesSweepJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addEmail(1, 2*time.Hour, nil)
	f.addEmail(2, 3*24*time.Hour, nil)
	f.adapter.InboxEstimate = 40

	run, err := f.rec.RunHourly(ctx, "user-1", domain.ProviderGmail)
	require.NoError(t, err)

	// Email 1 was swept then escalated; email 2 is only reachable by the audit.
	assert.Equal(t, 2, run.JobsCreated)
	assert.Equal(t, true, run.Audit["mismatch"])
	assert.Equal(t, 1, run.Audit["escalated"])

	jobs := jobsBySentEmail(f.store.Jobs())
	assert.Equal(t, domain.PriorityDeepScan, jobs[1].Priority)
	assert.Equal(t, domain.JobTypeReconciliation, jobs[1].JobType)
	assert.Equal(t, domain.PriorityDeepScan, jobs[2].Priority)
	assert.Equal(t, domain.JobTypeDeepScan, jobs[2].JobType)
}

func TestRunHourly_AuditFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	f.addEmail(1, 2*time.Hour, nil)
	f.adapter.EstimateErr = provider.ErrUnavailable

	run, err := f.rec.RunHourly(context.Background(), "user-1", domain.ProviderGmail)
	require.NoError(t, err)

	assert.Equal(t, domain.RunOutcomePartial, run.Outcome)
	assert.Equal(t, 1, run.JobsCreated)
	assert.Equal(t, 1, run.Errors)
	assert.Nil(t, run.Audit)
}

func TestRunHourly_ListFailureAndAuditFailureFails(t *testing.T) {
	f := newFixture(t)
	f.store.FailOn("ListUnrepliedSentEmails", errors.New("db down"))
	f.adapter.EstimateErr = provider.ErrUnavailable

	run, err := f.rec.RunHourly(context.Background(), "user-1", domain.ProviderGmail)
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunOutcomeFailed, run.Outcome)

	runs := f.store.ReconciliationRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunOutcomeFailed, runs[0].Outcome)
}

func TestRunNightly_SweepsAllAges(t *testing.T) {
	f := newFixture(t)
	recentCheck := now.Add(-time.Minute)

	f.addEmail(1, 2*time.Hour, nil)
	f.addEmail(2, 90*24*time.Hour, nil)
	f.addEmail(3, 30*24*time.Hour, func(e *domain.SentEmail) { e.LastReplyCheck = &recentCheck })
	f.addEmail(4, time.Hour, func(e *domain.SentEmail) { e.ReplyReceived = true })

	run, err := f.rec.RunNightly(context.Background(), "user-1", domain.ProviderGmail)
	require.NoError(t, err)

	assert.Equal(t, domain.RunTypeNightly, run.RunType)
	assert.Equal(t, 3, run.EmailsChecked)
	assert.Equal(t, 3, run.JobsCreated)
	assert.Equal(t, domain.RunOutcomeSuccess, run.Outcome)
	assert.Nil(t, run.Audit)

	for _, j := range f.store.Jobs() {
		assert.Equal(t, domain.PriorityNightlySweep, j.Priority)
		assert.Equal(t, "nightly_sweep", j.Metadata.TriggerReason)
	}
}

func TestRunNightly_RespectsCap(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.NightlyLimit = 2
	f.rec = New(f.store, provider.NewRegistry(), cfg, discardLogger())
	f.rec.now = func() time.Time { return now }

	for i := int64(1); i <= 5; i++ {
		f.addEmail(i, time.Duration(i)*time.Hour, nil)
	}

	run, err := f.rec.RunNightly(context.Background(), "user-1", domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, 2, run.JobsCreated)
}

func TestRunManual_RecordsManualRun(t *testing.T) {
	f := newFixture(t)
	f.addEmail(1, time.Hour, nil)

	run, err := f.rec.RunManual(context.Background(), "user-1", domain.ProviderGmail)
	require.NoError(t, err)

	assert.Equal(t, domain.RunTypeManual, run.RunType)
	assert.Equal(t, 1, run.JobsCreated)
	assert.Equal(t, "manual_sweep", f.store.Jobs()[0].Metadata.TriggerReason)
}

func TestRun_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.RunHourly(context.Background(), "", domain.ProviderGmail)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.rec.RunNightly(context.Background(), "user-1", "aol")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
