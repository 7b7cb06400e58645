package flow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/store"
)

func claimAll(t *testing.T, jobs store.JobRepo) []store.Job {
	t.Helper()
	claimed, err := jobs.ClaimDueJobs(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	return claimed
}

func TestFinalizerResumesAfterFailedDocument(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	h.sender.failDocuments = 1

	// The turn itself commits; the delivery failure happens in the background.
	if err := h.answerAll(t, "5", "4"); err != nil {
		t.Fatalf("final answer failed: %v", err)
	}

	cs := h.completed(t)
	if cs.Session.FinalizationStep != models.FinalizationNotified {
		t.Fatalf("expected step notified, got %q", cs.Session.FinalizationStep)
	}

	jobs := claimAll(t, h.jobs)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 retry job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Kind != JobKindFinalizeSession || job.DedupeKey != "finalize:"+cs.Session.ID {
		t.Errorf("unexpected job %+v", job)
	}
	var payload FinalizeSessionPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload.SessionID != cs.Session.ID {
		t.Errorf("payload session %q, want %q", payload.SessionID, cs.Session.ID)
	}

	if err := h.finalizer.HandleJob(context.Background(), job.PayloadJSON); err != nil {
		t.Fatalf("HandleJob failed: %v", err)
	}

	if n := h.sender.count(MsgReportStatus); n != 1 {
		t.Errorf("status message sent %d times", n)
	}
	if calls := h.gen.calls(); calls != 2 {
		t.Errorf("expected narrative to be generated once (2 calls), got %d", calls)
	}
	if got := h.sender.last().Body; got != MsgQualifiedUpsell {
		t.Errorf("expected closing upsell last, got %q", got)
	}
	docs := 0
	for _, it := range h.sender.sent() {
		if it.Document {
			docs++
		}
	}
	if docs != 1 {
		t.Errorf("expected one delivered document, got %d", docs)
	}

	cs = h.completed(t)
	if cs.Session.FinalizationStep != models.FinalizationDone {
		t.Errorf("expected done, got %q", cs.Session.FinalizationStep)
	}
	if cs.Session.ScoreTotal != 120 {
		t.Errorf("expected score 120, got %d", cs.Session.ScoreTotal)
	}
}

func TestFinalizerGenerationFailureKeepsPending(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	h.gen.err = errors.New("model overloaded")

	if err := h.answerAll(t, "2", "3"); err != nil {
		t.Fatalf("final answer failed: %v", err)
	}
	cs := h.completed(t)
	if cs.Session.FinalizationStep != models.FinalizationScored {
		t.Errorf("expected step scored, got %q", cs.Session.FinalizationStep)
	}
	if cs.Session.ScoreTotal != 90 {
		t.Errorf("score should be stored before narration, got %d", cs.Session.ScoreTotal)
	}
	for _, it := range h.sender.sent() {
		if it.Body == MsgReportStatus {
			t.Fatal("status message must not be sent before the report exists")
		}
	}

	// A second failure reuses the queued job.
	if err := h.finalizer.Finalize(context.Background(), cs.Session.ID); err == nil {
		t.Fatal("expected second attempt to fail")
	}
	if jobs := claimAll(t, h.jobs); len(jobs) != 1 {
		t.Errorf("expected a single deduplicated job, got %d", len(jobs))
	}

	h.gen.mu.Lock()
	h.gen.err = nil
	h.gen.mu.Unlock()
	if err := h.finalizer.Finalize(context.Background(), cs.Session.ID); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if got := h.completed(t).Session.FinalizationStep; got != models.FinalizationDone {
		t.Errorf("expected done, got %q", got)
	}
}

func TestRecoverPending(t *testing.T) {
	st := store.NewInMemoryStore()
	h := newHarness(t, st)
	// Without a finalizer the session completes with finalization still pending,
	// as after a crash right after the last answer.
	h.conv = NewConversation(st, h.sender, nil)
	if err := h.answerAll(t, "3", "1"); err != nil {
		t.Fatalf("final answer failed: %v", err)
	}
	if got := h.completed(t).Session.FinalizationStep; got != models.FinalizationPending {
		t.Fatalf("expected pending, got %q", got)
	}

	n, err := h.finalizer.RecoverPending(context.Background())
	if err != nil {
		t.Fatalf("RecoverPending failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered session, got %d", n)
	}
	jobs := claimAll(t, st)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if err := h.finalizer.HandleJob(context.Background(), jobs[0].PayloadJSON); err != nil {
		t.Fatalf("HandleJob failed: %v", err)
	}

	cs := h.completed(t)
	if cs.Session.FinalizationStep != models.FinalizationDone {
		t.Errorf("expected done, got %q", cs.Session.FinalizationStep)
	}
	if cs.Session.ScoreTotal != 30 || cs.Session.Profile != "Overloaded / Recovering" {
		t.Errorf("unexpected result %d / %q", cs.Session.ScoreTotal, cs.Session.Profile)
	}

	n, err = h.finalizer.RecoverPending(context.Background())
	if err != nil || n != 0 {
		t.Errorf("expected nothing left to recover, got %d, %v", n, err)
	}
}

func TestFinalizeIsNoOpWhenDone(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	if err := h.answerAll(t, "3", "3"); err != nil {
		t.Fatalf("final answer failed: %v", err)
	}
	before := len(h.sender.sent())
	id := h.completed(t).Session.ID
	if err := h.finalizer.Finalize(context.Background(), id); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if after := len(h.sender.sent()); after != before {
		t.Errorf("finalizing a done session sent %d more messages", after-before)
	}
}

func TestHandleJobPayloads(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	ctx := context.Background()

	if err := h.finalizer.HandleJob(ctx, "not json"); err == nil {
		t.Error("expected error for invalid payload")
	}
	if err := h.finalizer.HandleJob(ctx, `{}`); err == nil {
		t.Error("expected error for missing session id")
	}
	// Missing sessions are dropped rather than retried.
	if err := h.finalizer.HandleJob(ctx, `{"session_id":"missing"}`); err != nil {
		t.Errorf("expected missing session to be dropped, got %v", err)
	}

	h.say(t, "Hi")
	user, _ := h.store.GetOrCreateUser(ctx, testPhone)
	sess, _ := h.store.GetOrCreateActiveSession(ctx, user.ID)
	err := h.finalizer.Finalize(ctx, sess.ID)
	if !errors.Is(err, ErrNotFinalizable) {
		t.Errorf("expected ErrNotFinalizable for an in-progress session, got %v", err)
	}
	if jobs := claimAll(t, h.jobs); len(jobs) != 0 {
		t.Errorf("no retry should be scheduled for an in-progress session, got %d", len(jobs))
	}
}

func TestJobRunnerFinalizesRecoveredSession(t *testing.T) {
	st := store.NewInMemoryStore()
	h := newHarness(t, st)
	h.conv = NewConversation(st, h.sender, nil)
	if err := h.answerAll(t, "6", "2"); err != nil {
		t.Fatalf("final answer failed: %v", err)
	}
	if _, err := h.finalizer.RecoverPending(context.Background()); err != nil {
		t.Fatalf("RecoverPending failed: %v", err)
	}

	runner := store.NewJobRunner(st, 10*time.Millisecond)
	RegisterJobHandlers(runner, h.finalizer)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.completed(t).Session.FinalizationStep == models.FinalizationDone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job runner did not finalize the session")
}

func TestRecoverAfterCrashDuringFinalizeJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	h := newHarness(t, st)
	h.conv = NewConversation(st, h.sender, nil)
	if err := h.answerAll(t, "4", "4"); err != nil {
		t.Fatalf("final answer failed: %v", err)
	}
	ctx := context.Background()
	if _, err := h.finalizer.RecoverPending(ctx); err != nil {
		t.Fatalf("RecoverPending failed: %v", err)
	}
	// A runner claims the job and the process dies before it finishes.
	claimed, err := st.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDueJobs = %d jobs, %v", len(claimed), err)
	}

	// Restart right away, well within any staleness window.
	runner := store.NewJobRunner(st, 10*time.Millisecond)
	RegisterJobHandlers(runner, h.finalizer)
	n, err := h.finalizer.Recover(ctx, runner)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 unfinished session, got %d", n)
	}
	job, err := st.GetJob(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != store.JobStatusQueued {
		t.Fatalf("orphaned job should be queued again, got %q", job.Status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		runner.Run(runCtx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.completed(t).Session.FinalizationStep == models.FinalizationDone {
			if got := h.sender.count(MsgReportStatus); got != 1 {
				t.Errorf("status message sent %d times", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session was not finalized after restart")
}

func TestExhaustedFinalizeJobIsRescheduled(t *testing.T) {
	st := store.NewInMemoryStore()
	h := newHarness(t, st)
	h.conv = NewConversation(st, h.sender, nil)
	if err := h.answerAll(t, "3", "2"); err != nil {
		t.Fatalf("final answer failed: %v", err)
	}
	h.gen.err = errors.New("provider outage")
	ctx := context.Background()
	sessionID := h.completed(t).Session.ID

	jobID, err := h.finalizer.ScheduleRetry(ctx, sessionID, time.Now())
	if err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}
	runner := store.NewJobRunner(st, 10*time.Millisecond, store.WithBackoff(func(int) time.Duration { return 0 }))
	RegisterJobHandlers(runner, h.finalizer)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		runner.Run(runCtx)
		close(done)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, _ := st.GetJob(ctx, jobID); job.Status == store.JobStatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if job, _ := st.GetJob(ctx, jobID); job.Status != store.JobStatusFailed {
		t.Fatalf("expected the first job to run out of attempts, got %q", job.Status)
	}
	// The replacement job is queued, so scheduling again returns it.
	nextID, err := h.finalizer.ScheduleRetry(ctx, sessionID, time.Now())
	if err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}
	if nextID == jobID {
		t.Fatal("expected a new job after the first one failed")
	}
	next, err := st.GetJob(ctx, nextID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if next.Status != store.JobStatusQueued || next.RunAt.Before(time.Now().Add(ExhaustedRetryDelay-time.Minute)) {
		t.Errorf("expected a queued job about %v out, got %s at %v", ExhaustedRetryDelay, next.Status, next.RunAt)
	}
	if got := h.completed(t).Session.FinalizationStep; got != models.FinalizationScored {
		t.Errorf("expected step scored, got %q", got)
	}
}
