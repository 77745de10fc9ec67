package worker

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
)

// selectJobs picks jobs to dispatch in priority then scheduledFor order
// without exceeding the global or per-user in-flight caps. Duplicate ids and
// ids in skip are ignored.
func selectJobs(candidates []domain.DetectionJob, inFlight int, perUser map[string]int, skip map[string]struct{}, maxGlobal, maxPerUser int) []domain.DetectionJob {
	ordered := append([]domain.DetectionJob(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return dueAt(ordered[i]).Before(dueAt(ordered[j]))
	})

	taken := make(map[string]int, len(perUser))
	for u, n := range perUser {
		taken[u] = n
	}
	seen := make(map[string]struct{}, len(ordered))

	var selected []domain.DetectionJob
	for _, job := range ordered {
		if inFlight+len(selected) >= maxGlobal {
			break
		}
		if _, ok := seen[job.ID]; ok {
			continue
		}
		seen[job.ID] = struct{}{}
		if _, ok := skip[job.ID]; ok {
			continue
		}
		if taken[job.UserID] >= maxPerUser {
			continue
		}
		taken[job.UserID]++
		selected = append(selected, job)
	}
	return selected
}

// dueAt is when a job became eligible: its retry time for failed jobs, else scheduledFor.
func dueAt(job domain.DetectionJob) time.Time {
	if job.Status == domain.JobStatusFailed && job.NextRetryAt != nil {
		return *job.NextRetryAt
	}
	return job.ScheduledFor
}

// dispatch starts a goroutine per selected job. Counters are taken before the
// goroutine starts and released when it returns.
func (e *Engine) dispatch(candidates []domain.DetectionJob) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	selected := selectJobs(candidates, e.inFlight, e.perUser, e.dispatched, e.cfg.MaxConcurrentJobs, e.cfg.MaxPerUserConcurrent)
	for _, job := range selected {
		e.inFlight++
		e.perUser[job.UserID]++
		e.dispatched[job.ID] = struct{}{}
		e.jobs.Add(1)
	}
	e.mu.Unlock()

	if len(selected) > 0 {
		e.logger.Debug("Dispatching jobs",
			slog.Int("count", len(selected)),
			slog.Int("candidates", len(candidates)),
		)
	}

	// Attempts are never canceled mid-flight; Stop waits for them instead.
	jobCtx := context.WithoutCancel(e.root)
	for _, job := range selected {
		go e.runJob(jobCtx, job)
	}
}

func (e *Engine) runJob(ctx context.Context, job domain.DetectionJob) {
	defer e.jobs.Done()
	defer e.release(job)

	if _, err := e.processor.Process(ctx, job.ID); err != nil {
		e.logger.Warn("Job attempt not completed",
			slog.String("job_id", job.ID),
			slog.String("user_id", job.UserID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) release(job domain.DetectionJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight--
	e.perUser[job.UserID]--
	if e.perUser[job.UserID] <= 0 {
		delete(e.perUser, job.UserID)
	}
	delete(e.dispatched, job.ID)
}
