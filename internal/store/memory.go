package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/util"
)

// InMemoryStore is a mutex-guarded Store and JobRepo with the same
// semantics as the SQL stores. Data is lost when the process exits.
type InMemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*models.User // by id
	byWA     map[string]string       // whatsapp id -> user id
	sessions map[string]*models.Session
	answers  map[string]map[int]models.Answer
	totals   map[string]models.PillarTotals
	jobs     map[string]*Job
}

var (
	_ Store   = (*InMemoryStore)(nil)
	_ JobRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]*models.User),
		byWA:     make(map[string]string),
		sessions: make(map[string]*models.Session),
		answers:  make(map[string]map[int]models.Answer),
		totals:   make(map[string]models.PillarTotals),
		jobs:     make(map[string]*Job),
	}
}

func (s *InMemoryStore) GetOrCreateUser(_ context.Context, whatsappID string) (*models.User, error) {
	if whatsappID == "" {
		return nil, models.ErrEmptySender
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byWA[whatsappID]; ok {
		u := *s.users[id]
		return &u, nil
	}
	now := time.Now().UTC()
	u := &models.User{ID: util.NewULID(), WhatsAppID: whatsappID, CreatedAt: now, UpdatedAt: now}
	s.users[u.ID] = u
	s.byWA[whatsappID] = u.ID
	out := *u
	return &out, nil
}

func (s *InMemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

func (s *InMemoryStore) GetOrCreateActiveSession(_ context.Context, userID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Status == models.SessionStatusInProgress {
			out := *sess
			return &out, nil
		}
	}
	now := time.Now().UTC()
	sess := &models.Session{
		ID:        util.NewULID(),
		UserID:    userID,
		Status:    models.SessionStatusInProgress,
		State:     models.InitialState,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	out := *sess
	return &out, nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sess
	return &out, nil
}

func (s *InMemoryStore) ApplyTurn(_ context.Context, update TurnUpdate) error {
	if update.Session == nil {
		return fmt.Errorf("turn update without session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[update.Session.ID]
	if !ok || cur.Status != models.SessionStatusInProgress || cur.State != update.Expected {
		return ErrStateConflict
	}
	if a := update.Answer; a != nil {
		if _, dup := s.answers[a.SessionID][a.QuestionNumber]; dup {
			return ErrStateConflict
		}
	}

	now := time.Now().UTC()
	cur.Status = update.Session.Status
	cur.State = update.Session.State
	cur.Qualified = update.Session.Qualified
	cur.FinalizationStep = update.Session.FinalizationStep
	cur.UpdatedAt = now

	if u := update.User; u != nil {
		if existing, ok := s.users[u.ID]; ok {
			existing.Name = u.Name
			existing.Instagram = u.Instagram
			existing.IncomeBracket = u.IncomeBracket
			existing.UpdatedAt = now
		}
	}
	if a := update.Answer; a != nil {
		if s.answers[a.SessionID] == nil {
			s.answers[a.SessionID] = make(map[int]models.Answer)
		}
		rec := *a
		rec.CreatedAt = now
		s.answers[a.SessionID][a.QuestionNumber] = rec
	}
	return nil
}

func (s *InMemoryStore) SaveFinalization(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	cur.ScoreTotal = sess.ScoreTotal
	cur.Profile = sess.Profile
	cur.DominantPillar = sess.DominantPillar
	cur.WeakestPillar = sess.WeakestPillar
	cur.Interpretation = sess.Interpretation
	cur.Invitation = sess.Invitation
	cur.ReportPath = sess.ReportPath
	cur.FinalizationStep = sess.FinalizationStep
	if sess.CompletedAt != nil {
		t := sess.CompletedAt.UTC()
		cur.CompletedAt = &t
	} else {
		cur.CompletedAt = nil
	}
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) ListAnswers(_ context.Context, sessionID string) ([]models.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Answer
	for _, a := range s.answers[sessionID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionNumber < out[j].QuestionNumber })
	return out, nil
}

func (s *InMemoryStore) SavePillarTotals(_ context.Context, sessionID string, totals models.PillarTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.totals[sessionID]; ok {
		return nil
	}
	s.totals[sessionID] = copyTotals(totals)
	return nil
}

func (s *InMemoryStore) GetPillarTotals(_ context.Context, sessionID string) (models.PillarTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.totals[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTotals(t), nil
}

func copyTotals(in models.PillarTotals) models.PillarTotals {
	out := make(models.PillarTotals, len(models.PillarOrder))
	for _, code := range models.PillarOrder {
		out[code] = in[code]
	}
	return out
}

func (s *InMemoryStore) ListUnfinishedFinalizations(_ context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status == models.SessionStatusCompleted && sess.FinalizationStep != models.FinalizationDone {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListCompletedSessions(_ context.Context) ([]CompletedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CompletedSession
	for _, sess := range s.sessions {
		if sess.Status != models.SessionStatusCompleted {
			continue
		}
		totals, ok := s.totals[sess.ID]
		if !ok {
			continue
		}
		out = append(out, CompletedSession{User: *s.users[sess.UserID], Session: *sess, Totals: copyTotals(totals)})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Session.CompletedAt, out[j].Session.CompletedAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// --- JobRepo ---

func (s *InMemoryStore) EnqueueJob(_ context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				return j.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	j := &Job{
		ID:          util.GenerateRandomID("job_", 32),
		Kind:        kind,
		RunAt:       runAt.UTC(),
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		locked := now.UTC()
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = locked
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) setJobStatus(id string, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) CompleteJob(_ context.Context, id string) error {
	return s.setJobStatus(id, JobStatusDone)
}

func (s *InMemoryStore) CancelJob(_ context.Context, id string) error {
	return s.setJobStatus(id, JobStatusCanceled)
}

func (s *InMemoryStore) FailJob(_ context.Context, id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
		return nil
	}
	j.Status = JobStatusQueued
	j.RunAt = nextRunAt.UTC()
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *j
	return &out, nil
}
