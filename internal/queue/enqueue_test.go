package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobStore struct {
	open      map[int64]*domain.DetectionJob
	escalated []string
	createErr error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{open: make(map[int64]*domain.DetectionJob)}
}

func (f *fakeJobStore) CreateJob(_ context.Context, job *domain.DetectionJob) (*domain.DetectionJob, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if existing, ok := f.open[job.SentEmailID]; ok {
		cp := *existing
		return &cp, domain.ErrDuplicateJob
	}
	cp := *job
	f.open[job.SentEmailID] = &cp
	return job, nil
}

func (f *fakeJobStore) EscalateJob(_ context.Context, jobID string, priority int, now time.Time) error {
	f.escalated = append(f.escalated, jobID)
	for _, j := range f.open {
		if j.ID == jobID {
			if priority < j.Priority {
				j.Priority = priority
			}
			if j.Status == domain.JobStatusPending {
				j.Status = domain.JobStatusQueued
				j.ScheduledFor = now
			}
		}
	}
	return nil
}

func newTestEnqueuer(store JobStore) *Enqueuer {
	e := NewEnqueuer(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return now }
	return e
}

func scheduledSpec() JobSpec {
	return JobSpec{
		UserID:      "user-1",
		SentEmailID: 42,
		ContactID:   7,
		Provider:    domain.ProviderGmail,
		JobType:     domain.JobTypeScheduledScan,
		Priority:    domain.PriorityScheduledScan,
		Delay:       5 * time.Minute,
	}
}

func TestEnqueue_RejectsSecondOpenJob(t *testing.T) {
	store := newFakeJobStore()
	e := newTestEnqueuer(store)

	first, err := e.Enqueue(context.Background(), scheduledSpec())
	require.NoError(t, err)

	second, err := e.Enqueue(context.Background(), scheduledSpec())
	require.ErrorIs(t, err, domain.ErrDuplicateJob)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
}

func TestEnqueue_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*JobSpec)
	}{
		{name: "missing user", mutate: func(s *JobSpec) { s.UserID = "" }},
		{name: "bad sent email id", mutate: func(s *JobSpec) { s.SentEmailID = 0 }},
		{name: "unknown provider", mutate: func(s *JobSpec) { s.Provider = "aol" }},
		{name: "negative delay", mutate: func(s *JobSpec) { s.Delay = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := scheduledSpec()
			tt.mutate(&spec)

			_, err := newTestEnqueuer(newFakeJobStore()).Enqueue(context.Background(), spec)

			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestEnqueue_StoreError(t *testing.T) {
	store := newFakeJobStore()
	store.createErr = errors.New("connection reset")

	_, err := newTestEnqueuer(store).Enqueue(context.Background(), scheduledSpec())

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrDuplicateJob)
}

func TestEnqueueOrEscalate(t *testing.T) {
	store := newFakeJobStore()
	e := newTestEnqueuer(store)
	ctx := context.Background()

	pending, err := e.Enqueue(ctx, scheduledSpec())
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusPending, pending.Status)

	deep := scheduledSpec()
	deep.JobType = domain.JobTypeDeepScan
	deep.Priority = domain.PriorityDeepScan
	deep.Delay = 0

	job, created, err := e.EnqueueOrEscalate(ctx, deep)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, pending.ID, job.ID)
	assert.Equal(t, domain.PriorityDeepScan, job.Priority)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, []string{pending.ID}, store.escalated)

	// Already queued at the requested priority: nothing to do.
	_, created, err = e.EnqueueOrEscalate(ctx, deep)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, store.escalated, 1)

	other := deep
	other.SentEmailID = 43
	job, created, err = e.EnqueueOrEscalate(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}
