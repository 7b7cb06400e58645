package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func forEachJobRepo(t *testing.T, fn func(t *testing.T, r JobRepo)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
}

func TestJobRepo_EnqueueAndGet(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, r JobRepo) {
		ctx := context.Background()
		runAt := time.Now().Add(time.Hour)
		id, err := r.EnqueueJob(ctx, "finalize_session", runAt, `{"session_id":"s1"}`, "")
		if err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}
		if id == "" {
			t.Fatal("Expected non-empty job ID")
		}

		job, err := r.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Kind != "finalize_session" {
			t.Errorf("Expected kind 'finalize_session', got %q", job.Kind)
		}
		if job.Status != JobStatusQueued {
			t.Errorf("Expected status queued, got %q", job.Status)
		}
		if job.MaxAttempts != DefaultMaxAttempts {
			t.Errorf("Expected max attempts %d, got %d", DefaultMaxAttempts, job.MaxAttempts)
		}
		if job.PayloadJSON != `{"session_id":"s1"}` {
			t.Errorf("Unexpected payload %q", job.PayloadJSON)
		}

		if _, err := r.GetJob(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for missing job, got %v", err)
		}
	})
}

func TestJobRepo_DedupeKey(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, r JobRepo) {
		ctx := context.Background()
		runAt := time.Now().Add(time.Hour)
		id1, err := r.EnqueueJob(ctx, "finalize_session", runAt, "{}", "finalize:s1")
		if err != nil {
			t.Fatalf("first EnqueueJob failed: %v", err)
		}
		id2, err := r.EnqueueJob(ctx, "finalize_session", runAt, "{}", "finalize:s1")
		if err != nil {
			t.Fatalf("second EnqueueJob failed: %v", err)
		}
		if id1 != id2 {
			t.Errorf("Expected same ID for dedupe key, got %s and %s", id1, id2)
		}
	})
}

func TestJobRepo_DedupeKeyAfterComplete(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, r JobRepo) {
		ctx := context.Background()
		runAt := time.Now().Add(-time.Second)
		id1, _ := r.EnqueueJob(ctx, "finalize_session", runAt, "{}", "finalize:s2")
		if err := r.CompleteJob(ctx, id1); err != nil {
			t.Fatalf("CompleteJob failed: %v", err)
		}

		// A finished job no longer blocks its key.
		id2, err := r.EnqueueJob(ctx, "finalize_session", runAt, "{}", "finalize:s2")
		if err != nil {
			t.Fatalf("EnqueueJob after complete failed: %v", err)
		}
		if id1 == id2 {
			t.Error("Expected new job after completing the previous one")
		}
	})
}

func TestJobRepo_ClaimDueJobs(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, r JobRepo) {
		ctx := context.Background()
		now := time.Now()
		older, _ := r.EnqueueJob(ctx, "k", now.Add(-2*time.Minute), "{}", "")
		newer, _ := r.EnqueueJob(ctx, "k", now.Add(-time.Minute), "{}", "")
		future, _ := r.EnqueueJob(ctx, "k", now.Add(time.Hour), "{}", "")

		jobs, err := r.ClaimDueJobs(ctx, now, 10)
		if err != nil {
			t.Fatalf("ClaimDueJobs failed: %v", err)
		}
		if len(jobs) != 2 {
			t.Fatalf("Expected 2 due jobs, got %d", len(jobs))
		}
		if jobs[0].ID != older || jobs[1].ID != newer {
			t.Errorf("Expected jobs ordered by run_at")
		}
		for _, j := range jobs {
			if j.Status != JobStatusRunning {
				t.Errorf("Expected claimed job to be running, got %q", j.Status)
			}
		}

		again, err := r.ClaimDueJobs(ctx, now, 10)
		if err != nil {
			t.Fatalf("second ClaimDueJobs failed: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("Expected claimed jobs not to be claimed again, got %d", len(again))
		}

		f, _ := r.GetJob(ctx, future)
		if f.Status != JobStatusQueued {
			t.Errorf("Expected future job to stay queued, got %q", f.Status)
		}
	})
}

func TestJobRepo_ClaimRespectsLimit(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, r JobRepo) {
		ctx := context.Background()
		past := time.Now().Add(-time.Minute)
		for i := 0; i < 3; i++ {
			r.EnqueueJob(ctx, "k", past, "{}", "")
		}
		jobs, err := r.ClaimDueJobs(ctx, time.Now(), 2)
		if err != nil {
			t.Fatalf("ClaimDueJobs failed: %v", err)
		}
		if len(jobs) != 2 {
			t.Errorf("Expected 2 jobs, got %d", len(jobs))
		}
	})
}

func TestJobRepo_FailAndRetry(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, r JobRepo) {
		ctx := context.Background()
		id, _ := r.EnqueueJob(ctx, "k", time.Now().Add(-time.Second), "{}", "")
		r.ClaimDueJobs(ctx, time.Now(), 10)

		next := time.Now().Add(time.Hour)
		if err := r.FailJob(ctx, id, "boom", next); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
		job, _ := r.GetJob(ctx, id)
		if job.Status != JobStatusQueued {
			t.Errorf("Expected requeued job, got %q", job.Status)
		}
		if job.Attempt != 1 {
			t.Errorf("Expected attempt 1, got %d", job.Attempt)
		}
		if job.LastError != "boom" {
			t.Errorf("Expected last error 'boom', got %q", job.LastError)
		}
		if job.RunAt.Before(next.Add(-time.Second)) {
			t.Errorf("Expected run_at moved to %v, got %v", next, job.RunAt)
		}
	})
}

func TestJobRepo_FailMaxAttempts(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, r JobRepo) {
		ctx := context.Background()
		id, _ := r.EnqueueJob(ctx, "k", time.Now().Add(-time.Second), "{}", "finalize:s3")
		for i := 0; i < DefaultMaxAttempts; i++ {
			if err := r.FailJob(ctx, id, "boom", time.Now().Add(-time.Second)); err != nil {
				t.Fatalf("FailJob %d failed: %v", i, err)
			}
		}
		job, _ := r.GetJob(ctx, id)
		if job.Status != JobStatusFailed {
			t.Errorf("Expected failed after %d attempts, got %q", DefaultMaxAttempts, job.Status)
		}

		// Failed jobs do not block re-enqueueing the same key.
		id2, _ := r.EnqueueJob(ctx, "k", time.Now(), "{}", "finalize:s3")
		if id2 == id {
			t.Error("Expected a fresh job after permanent failure")
		}

		if err := r.FailJob(ctx, "nonexistent", "x", time.Now()); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestJobRepo_CancelJob(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, r JobRepo) {
		ctx := context.Background()
		id, _ := r.EnqueueJob(ctx, "k", time.Now().Add(-time.Second), "{}", "")
		if err := r.CancelJob(ctx, id); err != nil {
			t.Fatalf("CancelJob failed: %v", err)
		}
		jobs, _ := r.ClaimDueJobs(ctx, time.Now(), 10)
		if len(jobs) != 0 {
			t.Errorf("Expected canceled job not to be claimed")
		}
	})
}

func TestJobRepo_RequeueStale(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, r JobRepo) {
		ctx := context.Background()
		id, _ := r.EnqueueJob(ctx, "k", time.Now().Add(-time.Hour), "{}", "")
		claimedAt := time.Now().Add(-10 * time.Minute)
		r.ClaimDueJobs(ctx, claimedAt.Add(time.Minute), 10)

		n, err := r.RequeueStaleRunningJobs(ctx, time.Now().Add(-5*time.Minute))
		if err != nil {
			t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 requeued job, got %d", n)
		}
		job, _ := r.GetJob(ctx, id)
		if job.Status != JobStatusQueued {
			t.Errorf("Expected queued after requeue, got %q", job.Status)
		}
	})
}

func TestJobRunner_Poll(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	runner := NewJobRunner(s, time.Hour)
	var executed int32
	var gotPayload atomic.Value
	runner.RegisterHandler("finalize_session", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		gotPayload.Store(payload)
		return nil
	})

	id, _ := s.EnqueueJob(ctx, "finalize_session", time.Now().Add(-time.Second), `{"session_id":"abc"}`, "")
	runner.poll(ctx)

	if atomic.LoadInt32(&executed) != 1 {
		t.Fatalf("Expected 1 execution, got %d", executed)
	}
	if gotPayload.Load() != `{"session_id":"abc"}` {
		t.Errorf("Unexpected payload %v", gotPayload.Load())
	}
	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusDone {
		t.Errorf("Expected done, got %q", job.Status)
	}
}

func TestJobRunner_FailureBacksOff(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	runner := NewJobRunner(s, time.Hour)
	runner.now = func() time.Time { return base }
	runner.RegisterHandler("finalize_session", func(ctx context.Context, payload string) error {
		return errors.New("provider down")
	})

	id, _ := s.EnqueueJob(ctx, "finalize_session", base.Add(-time.Second), "{}", "")
	runner.poll(ctx)

	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusQueued || job.Attempt != 1 {
		t.Fatalf("Expected requeued job on attempt 1, got %q attempt %d", job.Status, job.Attempt)
	}
	if want := base.Add(30 * time.Second); !job.RunAt.Equal(want) {
		t.Errorf("Expected retry at %v, got %v", want, job.RunAt)
	}

	runner.now = func() time.Time { return base.Add(time.Minute) }
	runner.poll(ctx)
	job, _ = s.GetJob(ctx, id)
	if want := base.Add(time.Minute + 60*time.Second); !job.RunAt.Equal(want) {
		t.Errorf("Expected second retry at %v, got %v", want, job.RunAt)
	}
}

func TestJobRunner_UnknownKind(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	runner := NewJobRunner(s, time.Hour)

	id, _ := s.EnqueueJob(ctx, "mystery", time.Now().Add(-time.Second), "{}", "")
	runner.poll(ctx)

	job, _ := s.GetJob(ctx, id)
	if job.Attempt != 1 || job.LastError == "" {
		t.Errorf("Expected unknown kind to count as a failed attempt, got %+v", job)
	}
}

func TestExponentialBackoff(t *testing.T) {
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	for attempt, w := range want {
		if got := ExponentialBackoff(attempt); got != w {
			t.Errorf("ExponentialBackoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

// TestJobRunnerRestartRecovery simulates a crash while a job is running and
// verifies that a new runner on the same database executes it exactly once.
func TestJobRunnerRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "restart.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	jobID, err := s1.EnqueueJob(ctx, "finalize_session", time.Now().Add(-time.Hour), `{"session_id":"s9"}`, "finalize:s9")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	// Claim as if a worker picked it up ten minutes ago and then crashed.
	if _, err := s1.ClaimDueJobs(ctx, time.Now().Add(-10*time.Minute), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var executed int32
	runner := NewJobRunner(s2, time.Hour)
	runner.RegisterHandler("finalize_session", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	if n, err := runner.RecoverOrphanedJobs(ctx); err != nil || n != 1 {
		t.Fatalf("RecoverOrphanedJobs = %d, %v", n, err)
	}
	runner.poll(ctx)
	runner.poll(ctx)

	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("Expected exactly 1 execution after restart, got %d", executed)
	}
	job, err := s2.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusDone {
		t.Errorf("Expected done after recovery, got %q", job.Status)
	}
}

func TestJobRunner_RecoverOrphanedJobsRequeuesRecentClaims(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, r JobRepo) {
		ctx := context.Background()
		id, _ := r.EnqueueJob(ctx, "finalize_session", time.Now().Add(-time.Second), `{"session_id":"s1"}`, "finalize:s1")
		// Claimed moments before a crash, well inside any staleness window.
		if jobs, _ := r.ClaimDueJobs(ctx, time.Now(), 10); len(jobs) != 1 {
			t.Fatalf("Expected 1 claimed job, got %d", len(jobs))
		}

		runner := NewJobRunner(r, time.Hour)
		n, err := runner.RecoverOrphanedJobs(ctx)
		if err != nil {
			t.Fatalf("RecoverOrphanedJobs failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 requeued job, got %d", n)
		}
		job, _ := r.GetJob(ctx, id)
		if job.Status != JobStatusQueued {
			t.Errorf("Expected queued after recovery, got %q", job.Status)
		}

		// The requeued job is found again by dedupe and is claimable.
		again, _ := r.EnqueueJob(ctx, "finalize_session", time.Now(), `{"session_id":"s1"}`, "finalize:s1")
		if again != id {
			t.Errorf("Expected dedupe to return %s, got %s", id, again)
		}
		if jobs, _ := r.ClaimDueJobs(ctx, time.Now().Add(time.Second), 10); len(jobs) != 1 {
			t.Errorf("Expected the recovered job to be claimable, got %d", len(jobs))
		}
	})
}

func TestJobRunner_ExhaustedHandler(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	clock := time.Now()
	runner := NewJobRunner(s, time.Hour, WithBackoff(func(int) time.Duration { return time.Second }))
	runner.now = func() time.Time { return clock }
	runner.RegisterHandler("finalize_session", func(ctx context.Context, payload string) error {
		return errors.New("provider down")
	})
	var exhausted []Job
	var lastErr error
	runner.RegisterExhaustedHandler("finalize_session", func(ctx context.Context, job Job, err error) {
		exhausted = append(exhausted, job)
		lastErr = err
	})

	id, _ := s.EnqueueJob(ctx, "finalize_session", clock.Add(-time.Second), `{"session_id":"s1"}`, "")
	for i := 0; i < DefaultMaxAttempts; i++ {
		runner.poll(ctx)
		if i < DefaultMaxAttempts-1 && len(exhausted) != 0 {
			t.Fatalf("Exhausted handler called after attempt %d", i+1)
		}
		clock = clock.Add(time.Minute)
	}

	if len(exhausted) != 1 || exhausted[0].ID != id {
		t.Fatalf("Expected one exhausted call for %s, got %+v", id, exhausted)
	}
	if lastErr == nil || lastErr.Error() != "provider down" {
		t.Errorf("Expected the last attempt's error, got %v", lastErr)
	}
	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusFailed {
		t.Errorf("Expected failed, got %q", job.Status)
	}
}
