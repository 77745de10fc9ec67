package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/replywatch/internal/deadletter"
	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/storage"
)

// DetectionService queues detection work and reports job statistics.
type DetectionService interface {
	QueueDetectionForSentEmail(ctx context.Context, userID string, sentEmailID, contactID int64, p domain.Provider, delay time.Duration) (*domain.DetectionJob, error)
	GetStats(ctx context.Context, userID string) (*domain.JobStats, error)
}

// DeadLetterService lists and reviews dead-lettered jobs.
type DeadLetterService interface {
	List(ctx context.Context, req deadletter.ListRequest) (*deadletter.Page, error)
	Review(ctx context.Context, req deadletter.ReviewRequest) (*domain.DetectionJob, error)
	ForceDeadLetter(ctx context.Context, jobID, userID, reason string) (*domain.DetectionJob, error)
}

// ReconciliationService runs sweeps on demand.
type ReconciliationService interface {
	RunHourly(ctx context.Context, userID string, p domain.Provider) (*domain.ReconciliationRun, error)
	RunNightly(ctx context.Context, userID string, p domain.Provider) (*domain.ReconciliationRun, error)
	RunManual(ctx context.Context, userID string, p domain.Provider) (*domain.ReconciliationRun, error)
}

// AnomalyLister reads the anomaly audit log.
type AnomalyLister interface {
	ListAnomalies(ctx context.Context, filter storage.AnomalyFilter) ([]domain.Anomaly, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Detections  DetectionService
	DeadLetters DeadLetterService
	Reconciler  ReconciliationService
	Anomalies   AnomalyLister
}

// Handler serves the operator API
type Handler struct {
	logger      *slog.Logger
	detections  DetectionService
	deadLetters DeadLetterService
	reconciler  ReconciliationService
	anomalies   AnomalyLister
}

// New creates a new Handler instance
func New(deps *Dependencies) *Handler {
	return &Handler{
		logger:      deps.Logger,
		detections:  deps.Detections,
		deadLetters: deps.DeadLetters,
		reconciler:  deps.Reconciler,
		anomalies:   deps.Anomalies,
	}
}
