package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/replywatch/internal/api/dto"
	"github.com/cuongbtq/replywatch/internal/api/handler"
	"github.com/cuongbtq/replywatch/internal/deadletter"
	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/provider"
	"github.com/cuongbtq/replywatch/internal/provider/providertest"
	"github.com/cuongbtq/replywatch/internal/queue"
	"github.com/cuongbtq/replywatch/internal/reconcile"
	"github.com/cuongbtq/replywatch/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDetections struct {
	err       error
	gotDelay  time.Duration
	gotUserID string
}

func (f *fakeDetections) QueueDetectionForSentEmail(_ context.Context, userID string, sentEmailID, contactID int64, p domain.Provider, delay time.Duration) (*domain.DetectionJob, error) {
	f.gotUserID = userID
	f.gotDelay = delay
	if f.err != nil {
		return nil, f.err
	}
	job := queue.NewJob(queue.JobSpec{
		UserID:      userID,
		SentEmailID: sentEmailID,
		ContactID:   contactID,
		Provider:    p,
		JobType:     domain.JobTypeScheduledScan,
		Priority:    domain.PriorityScheduledScan,
		Delay:       delay,
	}, time.Now())
	return &job, nil
}

func (f *fakeDetections) GetStats(_ context.Context, userID string) (*domain.JobStats, error) {
	return &domain.JobStats{
		UserID:   userID,
		ByStatus: map[domain.JobStatus]int{domain.JobStatusQueued: 2},
		Total:    2,
	}, nil
}

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(context.Context) error { return f.err }

type testServer struct {
	router     *gin.Engine
	store      *storage.Memory
	detections *fakeDetections
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	store.AddContact(domain.Contact{ID: 7, Email: "jane@acme.com"})
	store.AddSentEmail(domain.SentEmail{
		ID:        42,
		UserID:    "user-1",
		ContactID: 7,
		Provider:  domain.ProviderGmail,
		Subject:   "Proposal",
		SentAt:    time.Now().Add(-2 * time.Hour),
	})

	registry := provider.NewRegistry()
	registry.Register(domain.ProviderGmail, providertest.New("me@example.com"))

	detections := &fakeDetections{}
	deps := &handler.Dependencies{
		Logger:      logger,
		Detections:  detections,
		DeadLetters: deadletter.NewService(store, nil, logger),
		Reconciler:  reconcile.New(store, registry, reconcile.DefaultConfig(), logger),
		Anomalies:   store,
	}
	return &testServer{
		router:     SetupRouter(deps, map[string]HealthChecker{"database": fakeDB{}}),
		store:      store,
		detections: detections,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) deadLetter(t *testing.T, sentEmailID int64) string {
	t.Helper()
	ctx := context.Background()
	job := queue.NewJob(queue.JobSpec{UserID: "user-1", SentEmailID: sentEmailID, Provider: domain.ProviderGmail, Priority: 5}, time.Now())
	_, err := s.store.CreateJob(ctx, &job)
	require.NoError(t, err)
	dead := queue.ForceDeadLetter(job, "quorum not met", time.Now())
	require.NoError(t, s.store.TransitionJob(ctx, &dead, domain.JobStatusQueued))
	return dead.ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name   string
		checks map[string]HealthChecker
		want   int
		body   string
	}{
		{
			name:   "database down",
			checks: map[string]HealthChecker{"database": fakeDB{err: errors.New("connection refused")}},
			want:   http.StatusServiceUnavailable,
			body:   `"database":"down"`,
		},
		{
			name: "broker down",
			checks: map[string]HealthChecker{
				"database": fakeDB{},
				"rabbitmq": fakeDB{err: errors.New("not connected")},
			},
			want: http.StatusServiceUnavailable,
			body: `"rabbitmq":"down"`,
		},
		{
			name: "all up",
			checks: map[string]HealthChecker{
				"database": fakeDB{},
				"rabbitmq": fakeDB{},
			},
			want: http.StatusOK,
			body: `"rabbitmq":"ok"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SetupRouter(&handler.Dependencies{Logger: logger}, tt.checks)
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestQueueDetection(t *testing.T) {
	five := 5
	tests := []struct {
		name       string
		body       any
		serviceErr error
		wantStatus int
		wantDelay  time.Duration
	}{
		{
			name:       "queued immediately",
			body:       map[string]any{"user_id": "user-1", "sent_email_id": 42, "provider": "gmail"},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "queued with delay",
			body:       dto.QueueDetectionRequest{UserID: "user-1", SentEmailID: 42, Provider: "outlook", DelayMinutes: &five},
			wantStatus: http.StatusAccepted,
			wantDelay:  5 * time.Minute,
		},
		{
			name:       "unknown provider",
			body:       map[string]any{"user_id": "user-1", "sent_email_id": 42, "provider": "aol"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing sent email id",
			body:       map[string]any{"user_id": "user-1", "provider": "gmail"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "sent email not found",
			body:       map[string]any{"user_id": "user-1", "sent_email_id": 9, "provider": "gmail"},
			serviceErr: domain.ErrSentEmailNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "sent email owned by another user",
			body:       map[string]any{"user_id": "user-1", "sent_email_id": 42, "provider": "gmail"},
			serviceErr: domain.ErrForbidden,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "open job already exists",
			body:       map[string]any{"user_id": "user-1", "sent_email_id": 42, "provider": "gmail"},
			serviceErr: domain.ErrDuplicateJob,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "store unavailable",
			body:       map[string]any{"user_id": "user-1", "sent_email_id": 42, "provider": "gmail"},
			serviceErr: domain.NewRetryableError(errors.New("db down")),
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.detections.err = tt.serviceErr

			w := s.do(t, http.MethodPost, "/api/v1/detections", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantStatus == http.StatusAccepted {
				var job dto.JobDTO
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
				assert.Equal(t, "user-1", job.UserID)
				assert.Equal(t, int64(42), job.SentEmailID)
				assert.Equal(t, tt.wantDelay, s.detections.gotDelay)
			}
		})
	}
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/v1/users/user-1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats domain.JobStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "user-1", stats.UserID)
	assert.Equal(t, 2, stats.ByStatus[domain.JobStatusQueued])
}

func TestListDeadLetters(t *testing.T) {
	s := newTestServer(t)
	for i := int64(0); i < 3; i++ {
		s.store.AddSentEmail(domain.SentEmail{ID: 100 + i, UserID: "user-1", Provider: domain.ProviderGmail})
		s.deadLetter(t, 100+i)
	}

	w := s.do(t, http.MethodGet, "/api/v1/users/user-1/dead-letters?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var first dto.ListDeadLettersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Len(t, first.Entries, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, string(domain.ReviewStatusAwaitingReview), first.Entries[0].ReviewStatus)

	w = s.do(t, http.MethodGet, "/api/v1/users/user-1/dead-letters?limit=2&cursor="+first.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second dto.ListDeadLettersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Len(t, second.Entries, 1)
	assert.Empty(t, second.NextCursor)

	for _, q := range []string{"?status=bogus", "?limit=1000", "?cursor=not-a-cursor"} {
		w = s.do(t, http.MethodGet, "/api/v1/users/user-1/dead-letters"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestReviewDeadLetter(t *testing.T) {
	s := newTestServer(t)
	jobID := s.deadLetter(t, 42)
	path := "/api/v1/dead-letters/" + jobID + "/review"

	w := s.do(t, http.MethodPost, path, map[string]any{"user_id": "user-1", "action": "delete"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, path, map[string]any{"user_id": "user-1", "action": "mark_has_reply"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reply content is required")

	w = s.do(t, http.MethodPost, path, map[string]any{"user_id": "user-2", "action": "skip"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/dead-letters/missing/review", map[string]any{"user_id": "user-1", "action": "skip"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, path, map[string]any{"user_id": "user-1", "action": "mark_no_reply", "notes": "confirmed by phone"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, string(domain.ReviewStatusResolved), job.ReviewStatus)
	require.Len(t, job.ReviewHistory, 1)
	assert.Equal(t, "confirmed by phone", job.ReviewHistory[0].Notes)

	sent, err := s.store.GetSentEmail(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, sent.NoReplyConfirmed)

	// Repeating the action is a no-op.
	w = s.do(t, http.MethodPost, path, map[string]any{"user_id": "user-1", "action": "mark_no_reply"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, path, map[string]any{"user_id": "user-1", "action": "retry"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForceDeadLetter(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	job := queue.NewJob(queue.JobSpec{UserID: "user-1", SentEmailID: 42, Provider: domain.ProviderGmail, Priority: 5}, time.Now())
	_, err := s.store.CreateJob(ctx, &job)
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/dead-letter", map[string]any{"user_id": "user-1", "reason": "bad thread"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, string(domain.JobStatusDeadLetter), out.Status)
	assert.Equal(t, "bad thread", out.LastError)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/dead-letter", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunReconciliation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/users/user-1/reconciliations", map[string]any{"provider": "gmail", "run_type": "manual"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var run domain.ReconciliationRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, domain.RunTypeManual, run.RunType)
	assert.Equal(t, 1, run.JobsCreated)
	assert.Equal(t, domain.RunOutcomeSuccess, run.Outcome)

	w = s.do(t, http.MethodPost, "/api/v1/users/user-1/reconciliations", map[string]any{"provider": "gmail", "run_type": "weekly"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAnomalies(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, status := range []domain.AnomalyStatus{domain.AnomalyStatusOpen, domain.AnomalyStatusOpen, domain.AnomalyStatusResolved} {
		require.NoError(t, s.store.CreateAnomaly(ctx, &domain.Anomaly{
			ID:        "anomaly-" + string(rune('a'+i)),
			UserID:    "user-1",
			Type:      domain.AnomalyLayerDisagreement,
			Severity:  domain.SeverityMedium,
			Status:    status,
			Details:   domain.Details{"found": 2},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := s.do(t, http.MethodGet, "/api/v1/users/user-1/anomalies?status=open&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page dto.ListAnomaliesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Anomalies, 1)
	assert.Equal(t, "anomaly-b", page.Anomalies[0].ID)
	assert.NotEmpty(t, page.NextCursor)

	w = s.do(t, http.MethodGet, "/api/v1/users/user-1/anomalies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = dto.ListAnomaliesResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Anomalies, 3)
	assert.Empty(t, page.NextCursor)

	w = s.do(t, http.MethodGet, "/api/v1/users/user-1/anomalies?status=closed", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
