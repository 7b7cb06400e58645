package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ravenloper/score-de-riqueza-bot/internal/metrics"
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/report"
	"github.com/ravenloper/score-de-riqueza-bot/internal/scoring"
	"github.com/ravenloper/score-de-riqueza-bot/internal/store"
)

const (
	// JobKindFinalizeSession resumes a session's finalization from its last completed step.
	JobKindFinalizeSession = "finalize_session"
	// DefaultExternalCallTimeout bounds each AI, render and send call.
	DefaultExternalCallTimeout = 60 * time.Second
	// ReportDocumentName is the file name the user sees on the delivered PDF.
	ReportDocumentName = "Wealth_Score_Report.pdf"
	// ExhaustedRetryDelay is how long a session waits for a fresh job after
	// its finalize_session job ran out of attempts.
	ExhaustedRetryDelay = 30 * time.Minute
)

// ErrNotFinalizable is returned for sessions that were never completed.
var ErrNotFinalizable = errors.New("session is not completed")

// FinalizeSessionPayload is the JSON payload for finalize_session jobs.
type FinalizeSessionPayload struct {
	SessionID string `json:"session_id"`
}

// MessageSender is the outbound side of a messaging service.
type MessageSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendDocument(ctx context.Context, to string, path string, filename string) error
}

// ReportRenderer writes the PDF for a session and returns its path.
type ReportRenderer interface {
	Render(ctx context.Context, data report.Data) (string, error)
}

// Finalizer scores a completed session, generates its narrative and report,
// and delivers the result. Every step is persisted in the session's
// finalization_step once it succeeds, so a rerun starts at the first step
// that has not run yet.
type Finalizer struct {
	store       store.Store
	jobs        store.JobRepo
	sender      MessageSender
	narrator    *Narrator
	renderer    ReportRenderer
	callTimeout time.Duration
	now         func() time.Time
}

// FinalizerOption configures a Finalizer.
type FinalizerOption func(*Finalizer)

// WithCallTimeout overrides DefaultExternalCallTimeout.
func WithCallTimeout(d time.Duration) FinalizerOption {
	return func(f *Finalizer) {
		if d > 0 {
			f.callTimeout = d
		}
	}
}

// NewFinalizer creates a Finalizer. jobs receives retry jobs when a run fails.
func NewFinalizer(st store.Store, jobs store.JobRepo, sender MessageSender, narrator *Narrator, renderer ReportRenderer, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		store:       st,
		jobs:        jobs,
		sender:      sender,
		narrator:    narrator,
		renderer:    renderer,
		callTimeout: DefaultExternalCallTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Finalize runs the finalization of sessionID. When a step fails, a
// finalize_session job is scheduled to resume it and the error is returned.
func (f *Finalizer) Finalize(ctx context.Context, sessionID string) error {
	err := f.run(ctx, sessionID)
	if err == nil {
		metrics.Finalizations.WithLabelValues("done").Inc()
		return nil
	}
	if errors.Is(err, ErrNotFinalizable) || errors.Is(err, store.ErrNotFound) {
		metrics.Finalizations.WithLabelValues("failed").Inc()
		return err
	}

	metrics.Finalizations.WithLabelValues("retry").Inc()
	runAt := f.now().Add(store.ExponentialBackoff(0))
	if _, jerr := f.ScheduleRetry(context.WithoutCancel(ctx), sessionID, runAt); jerr != nil {
		slog.Error("Finalizer.Finalize: failed to schedule retry", "sessionID", sessionID, "error", jerr)
		return fmt.Errorf("finalize session %s: %w (retry not scheduled: %v)", sessionID, err, jerr)
	}
	slog.Warn("Finalizer.Finalize: step failed, retry scheduled", "sessionID", sessionID, "runAt", runAt, "error", err)
	return fmt.Errorf("finalize session %s: %w", sessionID, err)
}

// ScheduleRetry enqueues a finalize_session job. An already queued or running
// job for the same session is reused.
func (f *Finalizer) ScheduleRetry(ctx context.Context, sessionID string, runAt time.Time) (string, error) {
	payload, err := json.Marshal(FinalizeSessionPayload{SessionID: sessionID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal finalize payload: %w", err)
	}
	return f.jobs.EnqueueJob(ctx, JobKindFinalizeSession, runAt, string(payload), "finalize:"+sessionID)
}

// HandleJob is the store.JobHandler for finalize_session jobs. Errors make the
// runner retry with backoff.
func (f *Finalizer) HandleJob(ctx context.Context, payload string) error {
	var p FinalizeSessionPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid finalize_session payload: %w", err)
	}
	if p.SessionID == "" {
		return fmt.Errorf("finalize_session payload without session_id")
	}
	slog.Info("JobHandler.finalize_session: executing", "sessionID", p.SessionID)

	err := f.run(ctx, p.SessionID)
	switch {
	case err == nil:
		metrics.Finalizations.WithLabelValues("done").Inc()
		return nil
	case errors.Is(err, ErrNotFinalizable), errors.Is(err, store.ErrNotFound):
		slog.Error("JobHandler.finalize_session: giving up", "sessionID", p.SessionID, "error", err)
		metrics.Finalizations.WithLabelValues("failed").Inc()
		return nil
	default:
		metrics.Finalizations.WithLabelValues("retry").Inc()
		return err
	}
}

// HandleExhausted runs when a finalize_session job has failed its last
// attempt. The session stays unfinished, so a fresh job is scheduled after
// ExhaustedRetryDelay.
func (f *Finalizer) HandleExhausted(ctx context.Context, job store.Job, jobErr error) {
	var p FinalizeSessionPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil || p.SessionID == "" {
		slog.Error("JobHandler.finalize_session: exhausted job with unreadable payload", "jobID", job.ID, "payload", job.PayloadJSON)
		return
	}
	metrics.Finalizations.WithLabelValues("exhausted").Inc()
	runAt := f.now().Add(ExhaustedRetryDelay)
	slog.Error("JobHandler.finalize_session: retries exhausted, report not delivered",
		"sessionID", p.SessionID, "jobID", job.ID, "attempts", job.Attempt+1, "nextRunAt", runAt, "error", jobErr)
	if _, err := f.ScheduleRetry(ctx, p.SessionID, runAt); err != nil {
		slog.Error("JobHandler.finalize_session: failed to reschedule", "sessionID", p.SessionID, "error", err)
	}
}

// RegisterJobHandlers registers the finalize_session handlers with runner.
func RegisterJobHandlers(runner *store.JobRunner, f *Finalizer) {
	runner.RegisterHandler(JobKindFinalizeSession, f.HandleJob)
	runner.RegisterExhaustedHandler(JobKindFinalizeSession, f.HandleExhausted)
}

// Recover is the startup recovery: it requeues jobs orphaned by a crash and
// then schedules every unfinished finalization. Call it once before
// runner.Run. It returns how many sessions were scheduled.
func (f *Finalizer) Recover(ctx context.Context, runner *store.JobRunner) (int, error) {
	if _, err := runner.RecoverOrphanedJobs(ctx); err != nil {
		return 0, fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	return f.RecoverPending(ctx)
}

// RecoverPending schedules a finalize_session job for every completed session
// whose finalization has not reached done. It returns how many were scheduled.
func (f *Finalizer) RecoverPending(ctx context.Context) (int, error) {
	sessions, err := f.store.ListUnfinishedFinalizations(ctx)
	if err != nil {
		return 0, err
	}
	now := f.now()
	for _, s := range sessions {
		if _, err := f.ScheduleRetry(ctx, s.ID, now); err != nil {
			return 0, fmt.Errorf("failed to schedule recovery for session %s: %w", s.ID, err)
		}
	}
	if len(sessions) > 0 {
		slog.Info("Finalizer.RecoverPending: scheduled unfinished finalizations", "count", len(sessions))
	}
	return len(sessions), nil
}

// call runs one external call under the call timeout and records its duration.
func (f *Finalizer) call(ctx context.Context, name string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	metrics.ObserveCall(name, start, err)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (f *Finalizer) advance(ctx context.Context, sess *models.Session, step models.FinalizationStep) error {
	sess.FinalizationStep = step
	if err := f.store.SaveFinalization(ctx, sess); err != nil {
		return fmt.Errorf("failed to record step %s: %w", step, err)
	}
	slog.Debug("Finalizer: step complete", "sessionID", sess.ID, "step", step)
	return nil
}

func (f *Finalizer) run(ctx context.Context, sessionID string) error {
	sess, err := f.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionStatusCompleted {
		return fmt.Errorf("%w: %s is %s", ErrNotFinalizable, sessionID, sess.Status)
	}
	if sess.FinalizationStep.Reached(models.FinalizationDone) {
		return nil
	}
	user, err := f.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return err
	}

	var totals models.PillarTotals
	if !sess.FinalizationStep.Reached(models.FinalizationScored) {
		answers, err := f.store.ListAnswers(ctx, sess.ID)
		if err != nil {
			return err
		}
		if len(answers) != scoring.QuestionCount {
			slog.Warn("Finalizer: unexpected answer count", "sessionID", sess.ID, "answers", len(answers))
		}
		totals = scoring.Aggregate(answers)
		if err := f.store.SavePillarTotals(ctx, sess.ID, totals); err != nil {
			return err
		}
		sess.ScoreTotal = scoring.TotalScore(totals)
		sess.Profile = scoring.Profile(sess.ScoreTotal)
		sess.DominantPillar, sess.WeakestPillar = scoring.DominantAndWeakest(totals)
		if sess.CompletedAt == nil {
			now := f.now().UTC()
			sess.CompletedAt = &now
		}
		if err := f.advance(ctx, sess, models.FinalizationScored); err != nil {
			return err
		}
		slog.Info("Finalizer: session scored", "sessionID", sess.ID, "score", sess.ScoreTotal, "profile", sess.Profile)
	} else if totals, err = f.store.GetPillarTotals(ctx, sess.ID); err != nil {
		return err
	}

	if !sess.FinalizationStep.Reached(models.FinalizationNarrated) {
		// The invitation is always generated; the report only prints it for qualified users.
		err := f.call(ctx, "interpretation", func(cctx context.Context) error {
			text, err := f.narrator.Interpretation(cctx, sess.Profile, sess.DominantPillar, sess.WeakestPillar)
			sess.Interpretation = text
			return err
		})
		if err != nil {
			return err
		}
		err = f.call(ctx, "invitation", func(cctx context.Context) error {
			text, err := f.narrator.Invitation(cctx, sess.Profile, sess.WeakestPillar)
			sess.Invitation = text
			return err
		})
		if err != nil {
			return err
		}
		if err := f.advance(ctx, sess, models.FinalizationNarrated); err != nil {
			return err
		}
	}

	if !sess.FinalizationStep.Reached(models.FinalizationRendered) {
		data := report.NewData(user, sess, totals)
		err := f.call(ctx, "render", func(cctx context.Context) error {
			path, err := f.renderer.Render(cctx, data)
			sess.ReportPath = path
			return err
		})
		if err != nil {
			return err
		}
		if err := f.advance(ctx, sess, models.FinalizationRendered); err != nil {
			return err
		}
	}

	to := user.WhatsAppID
	if !sess.FinalizationStep.Reached(models.FinalizationNotified) {
		err := f.call(ctx, "send_status", func(cctx context.Context) error {
			return f.sender.SendMessage(cctx, to, MsgReportStatus)
		})
		if err != nil {
			return err
		}
		if err := f.advance(ctx, sess, models.FinalizationNotified); err != nil {
			return err
		}
	}

	if !sess.FinalizationStep.Reached(models.FinalizationDocumentSent) {
		err := f.call(ctx, "send_document", func(cctx context.Context) error {
			return f.sender.SendDocument(cctx, to, sess.ReportPath, ReportDocumentName)
		})
		if err != nil {
			return err
		}
		if err := f.advance(ctx, sess, models.FinalizationDocumentSent); err != nil {
			return err
		}
	}

	err = f.call(ctx, "send_closing", func(cctx context.Context) error {
		return f.sender.SendMessage(cctx, to, ClosingMessage(sess.Qualified))
	})
	if err != nil {
		return err
	}
	if err := f.advance(ctx, sess, models.FinalizationDone); err != nil {
		return err
	}
	slog.Info("Finalizer: session finalized", "sessionID", sess.ID, "qualified", sess.Qualified)
	return nil
}
