package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a job's work. It receives the job's payload JSON and
// returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// ExhaustedHandler is called after a job's final attempt fails and the job
// has been marked failed. err is the error of that last attempt.
type ExhaustedHandler func(ctx context.Context, job Job, err error)

// BackoffFunc returns the delay before a job is retried after its attempt-th failure.
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff doubles a 30 second base per attempt: 30s, 60s, 120s.
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(30*(1<<attempt)) * time.Second
}

// JobRunner periodically claims due jobs from the database and dispatches them
// to registered handlers.
type JobRunner struct {
	repo         JobRepo
	handlers     map[string]JobHandler
	exhausted    map[string]ExhaustedHandler
	mu           sync.RWMutex
	pollInterval time.Duration
	claimLimit   int
	backoff      BackoffFunc
	now          func() time.Time
}

// RunnerOption configures a JobRunner.
type RunnerOption func(*JobRunner)

// WithBackoff overrides the retry delay policy.
func WithBackoff(b BackoffFunc) RunnerOption {
	return func(r *JobRunner) {
		if b != nil {
			r.backoff = b
		}
	}
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	r := &JobRunner{
		repo:         repo,
		handlers:     make(map[string]JobHandler),
		exhausted:    make(map[string]ExhaustedHandler),
		pollInterval: pollInterval,
		claimLimit:   10,
		backoff:      ExponentialBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RegisterExhaustedHandler registers a handler for jobs of kind that ran out of attempts.
func (r *JobRunner) RegisterExhaustedHandler(kind string, handler ExhaustedHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted[kind] = handler
}

// RecoverOrphanedJobs requeues every job left running by a previous process.
// Call it once at startup, before Run, while holding the state directory lock:
// with no other runner on the repository, any running job is orphaned.
func (r *JobRunner) RecoverOrphanedJobs(ctx context.Context) (int, error) {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverOrphanedJobs: requeued orphaned jobs", "count", n)
	}
	return n, nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *JobRunner) poll(ctx context.Context) {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
			nextRun := now.Add(time.Minute)
			if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, nextRun); err != nil {
				slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.poll: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := handler(ctx, job.PayloadJSON); err != nil {
			slog.Error("JobRunner.poll: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
			nextRun := now.Add(r.backoff(job.Attempt))
			if ferr := r.repo.FailJob(ctx, job.ID, err.Error(), nextRun); ferr != nil {
				slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", ferr)
				continue
			}
			if job.Attempt+1 >= job.MaxAttempts {
				r.onExhausted(ctx, job, err)
			}
			continue
		}
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.poll: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.poll: job completed", "id", job.ID, "kind", job.Kind)
	}
}

func (r *JobRunner) onExhausted(ctx context.Context, job Job, err error) {
	slog.Error("JobRunner.poll: job out of attempts", "id", job.ID, "kind", job.Kind, "attempts", job.Attempt+1, "payload", job.PayloadJSON, "error", err)
	r.mu.RLock()
	handler, ok := r.exhausted[job.Kind]
	r.mu.RUnlock()
	if ok {
		handler(ctx, job, err)
	}
}
