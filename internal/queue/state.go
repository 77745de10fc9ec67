// Package queue holds the detection job state machine and job creation rules.
package queue

import (
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
)

// MaxRetryAttempts is the number of retries before a job is dead-lettered.
const MaxRetryAttempts = 5

var backoffSchedule = [MaxRetryAttempts]time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

// Backoff returns the delay before retry number retry (1-based). ok is false
// when retry is outside the schedule, meaning no further retry is allowed.
func Backoff(retry int) (d time.Duration, ok bool) {
	if retry < 1 || retry > MaxRetryAttempts {
		return 0, false
	}
	return backoffSchedule[retry-1], true
}

// Outcome is the result of one processing attempt.
type Outcome struct {
	Success bool
	Err     error
}

// Succeeded is the outcome of an attempt that passed verification.
func Succeeded() Outcome {
	return Outcome{Success: true}
}

// Failed is the outcome of an attempt that did not pass verification.
func Failed(err error) Outcome {
	return Outcome{Err: err}
}

// NextState returns job after applying outcome at now. It does not touch job.
func NextState(job domain.DetectionJob, o Outcome, now time.Time) domain.DetectionJob {
	next := job
	next.UpdatedAt = now
	next.LastHeartbeatAt = nil

	if o.Success {
		next.Status = domain.JobStatusVerified
		next.CompletedAt = timePtr(now)
		next.NextRetryAt = nil
		next.LastError = ""
		return next
	}

	if o.Err != nil {
		next.LastError = o.Err.Error()
	}

	retry := job.AttemptCount + 1
	next.AttemptCount = retry

	delay, ok := Backoff(retry)
	if !ok {
		next.Status = domain.JobStatusDeadLetter
		next.ReviewStatus = domain.ReviewStatusAwaitingReview
		next.NextRetryAt = nil
		next.CompletedAt = timePtr(now)
		return next
	}

	next.Status = domain.JobStatusFailed
	next.NextRetryAt = timePtr(now.Add(delay))
	next.CompletedAt = nil
	return next
}

// ForceDeadLetter moves job to the dead-letter queue regardless of attempts.
func ForceDeadLetter(job domain.DetectionJob, reason string, now time.Time) domain.DetectionJob {
	next := job
	next.Status = domain.JobStatusDeadLetter
	next.ReviewStatus = domain.ReviewStatusAwaitingReview
	next.LastError = reason
	next.NextRetryAt = nil
	next.CompletedAt = timePtr(now)
	next.UpdatedAt = now
	return next
}

// Requeue returns a dead-lettered job to the queue with a fresh retry budget.
func Requeue(job domain.DetectionJob, now time.Time) domain.DetectionJob {
	next := job
	next.Status = domain.JobStatusQueued
	next.ReviewStatus = domain.ReviewStatusRequeued
	next.AttemptCount = 0
	next.ScheduledFor = now
	next.NextRetryAt = nil
	next.CompletedAt = nil
	next.StartedAt = nil
	next.LastHeartbeatAt = nil
	next.UpdatedAt = now
	return next
}

func timePtr(t time.Time) *time.Time {
	return &t
}
