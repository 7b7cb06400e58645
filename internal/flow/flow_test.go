package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ravenloper/score-de-riqueza-bot/internal/genai"
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/report"
	"github.com/ravenloper/score-de-riqueza-bot/internal/store"
)

const testPhone = "5511999990000"

type sentItem struct {
	To       string
	Body     string
	Path     string
	Filename string
	Document bool
}

// recordingSender records every outbound message. failDocuments makes the
// next n SendDocument calls fail.
type recordingSender struct {
	mu            sync.Mutex
	items         []sentItem
	failDocuments int
}

func (s *recordingSender) SendMessage(_ context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, sentItem{To: to, Body: body})
	return nil
}

func (s *recordingSender) SendDocument(_ context.Context, to, path, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDocuments > 0 {
		s.failDocuments--
		return errors.New("upload rejected")
	}
	s.items = append(s.items, sentItem{To: to, Path: path, Filename: filename, Document: true})
	return nil
}

func (s *recordingSender) sent() []sentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentItem, len(s.items))
	copy(out, s.items)
	return out
}

func (s *recordingSender) last() sentItem {
	items := s.sent()
	if len(items) == 0 {
		return sentItem{}
	}
	return items[len(items)-1]
}

func (s *recordingSender) count(body string) int {
	n := 0
	for _, it := range s.sent() {
		if it.Body == body {
			n++
		}
	}
	return n
}

type fakeGenerator struct {
	mu       sync.Mutex
	requests []genai.GenerationRequest
	err      error
}

func (g *fakeGenerator) Generate(_ context.Context, req genai.GenerationRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	if req.System == invitationSystem {
		return "Book your session.", nil
	}
	return "A focused reading of your profile.", nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type fakeRenderer struct {
	mu   sync.Mutex
	data []report.Data
}

func (r *fakeRenderer) Render(_ context.Context, data report.Data) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, data)
	return filepath.Join("/var/reports", report.FileName(data.SessionID)), nil
}

type harness struct {
	store     store.Store
	jobs      store.JobRepo
	sender    *recordingSender
	gen       *fakeGenerator
	renderer  *fakeRenderer
	finalizer *Finalizer
	conv      *Conversation
}

type storeWithJobs interface {
	store.Store
	store.JobRepo
}

func newHarness(t *testing.T, st storeWithJobs) *harness {
	t.Helper()
	h := &harness{
		store:    st,
		jobs:     st,
		sender:   &recordingSender{},
		gen:      &fakeGenerator{},
		renderer: &fakeRenderer{},
	}
	h.finalizer = NewFinalizer(st, st, h.sender, NewNarrator(h.gen), h.renderer)
	h.conv = NewConversation(st, h.sender, h.finalizer)
	t.Cleanup(func() { h.conv.Close() })
	return h
}

func (h *harness) say(t *testing.T, body string) {
	t.Helper()
	if err := h.conv.HandleMessage(context.Background(), models.Response{From: testPhone, Body: body}); err != nil {
		t.Fatalf("HandleMessage(%q) failed: %v", body, err)
	}
}

// answerAll walks a fresh conversation through the last question, waits for
// the background finalization, and returns the error of the final turn.
func (h *harness) answerAll(t *testing.T, income, answer string) error {
	t.Helper()
	h.say(t, "Hi")
	h.say(t, "Jane Doe")
	h.say(t, "@jane")
	h.say(t, income)
	for i := 1; i < 30; i++ {
		h.say(t, answer)
	}
	err := h.conv.HandleMessage(context.Background(), models.Response{From: testPhone, Body: answer})
	h.conv.Wait()
	return err
}

func (h *harness) activeState(t *testing.T) models.State {
	t.Helper()
	ctx := context.Background()
	user, err := h.store.GetOrCreateUser(ctx, testPhone)
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	sess, err := h.store.GetOrCreateActiveSession(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetOrCreateActiveSession failed: %v", err)
	}
	return sess.State
}

func (h *harness) completed(t *testing.T) store.CompletedSession {
	t.Helper()
	sessions, err := h.store.ListCompletedSessions(context.Background())
	if err != nil {
		t.Fatalf("ListCompletedSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 completed session, got %d", len(sessions))
	}
	return sessions[0]
}

func newTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "flow_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFullSurvey(t *testing.T) {
	backends := map[string]func(t *testing.T) storeWithJobs{
		"memory": func(*testing.T) storeWithJobs { return store.NewInMemoryStore() },
		"sqlite": func(t *testing.T) storeWithJobs { return newTestSQLiteStore(t) },
	}
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, newStore(t))

			h.say(t, "Hi")
			if got := h.sender.last().Body; got != MsgAskName {
				t.Fatalf("after greeting got %q", got)
			}
			h.say(t, "Jane Doe")
			if got := h.sender.last().Body; got != AskInstagram("Jane Doe") {
				t.Fatalf("after name got %q", got)
			}
			h.say(t, "@jane")
			if got := h.sender.last().Body; got != MsgIncomeMenu {
				t.Fatalf("after instagram got %q", got)
			}
			h.say(t, "3")
			if got := h.sender.last().Body; got != msgQuestionsIntro+QuestionPrompt(1) {
				t.Fatalf("after income got %q", got)
			}
			for i := 1; i < 30; i++ {
				h.say(t, "3")
				if got := h.sender.last().Body; got != QuestionPrompt(i+1) {
					t.Fatalf("after answer %d got %q", i, got)
				}
			}
			h.say(t, "3")
			h.conv.Wait()

			items := h.sender.sent()
			if len(items) != 36 {
				t.Fatalf("expected 36 outbound messages, got %d", len(items))
			}
			tail := items[len(items)-3:]
			if tail[0].Body != MsgReportStatus {
				t.Errorf("expected status message, got %q", tail[0].Body)
			}
			if !tail[1].Document || tail[1].Filename != ReportDocumentName {
				t.Errorf("expected report document, got %+v", tail[1])
			}
			if tail[2].Body != MsgQualifiedUpsell {
				t.Errorf("expected qualified upsell, got %q", tail[2].Body)
			}
			for _, it := range items {
				if it.To != testPhone {
					t.Fatalf("message sent to %q", it.To)
				}
			}

			cs := h.completed(t)
			if cs.Session.ScoreTotal != 90 {
				t.Errorf("expected score 90, got %d", cs.Session.ScoreTotal)
			}
			if cs.Session.Profile != "Evolving Operator" {
				t.Errorf("expected Evolving Operator, got %q", cs.Session.Profile)
			}
			if !cs.Session.Qualified {
				t.Error("expected qualified session")
			}
			if cs.Session.FinalizationStep != models.FinalizationDone {
				t.Errorf("expected finalization done, got %q", cs.Session.FinalizationStep)
			}
			if cs.Session.CompletedAt == nil {
				t.Error("expected completed_at to be set")
			}
			if cs.Session.DominantPillar != models.PillarTime || cs.Session.WeakestPillar != models.PillarTime {
				t.Errorf("tie should resolve to the first pillar, got %q/%q", cs.Session.DominantPillar, cs.Session.WeakestPillar)
			}
			if cs.User.Name != "Jane Doe" || cs.User.Instagram != "@jane" {
				t.Errorf("unexpected user fields: %+v", cs.User)
			}
			if cs.User.IncomeBracket != "R$ 10,001–20,000" {
				t.Errorf("unexpected income bracket %q", cs.User.IncomeBracket)
			}
			for _, code := range models.PillarOrder {
				if cs.Totals[code] != 9 {
					t.Errorf("pillar %s: expected 9, got %d", code, cs.Totals[code])
				}
			}
			if cs.Session.Interpretation == "" || cs.Session.Invitation == "" {
				t.Error("expected narrative fields to be stored")
			}
			if !strings.HasSuffix(cs.Session.ReportPath, report.FileName(cs.Session.ID)) {
				t.Errorf("unexpected report path %q", cs.Session.ReportPath)
			}

			answers, err := h.store.ListAnswers(context.Background(), cs.Session.ID)
			if err != nil {
				t.Fatalf("ListAnswers failed: %v", err)
			}
			if len(answers) != 30 {
				t.Errorf("expected 30 answers, got %d", len(answers))
			}
		})
	}
}

func TestUnqualifiedClosing(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	if err := h.answerAll(t, "1", "5"); err != nil {
		t.Fatalf("final answer failed: %v", err)
	}
	if got := h.sender.last().Body; got != MsgClosingGeneric {
		t.Errorf("expected generic closing, got %q", got)
	}
	cs := h.completed(t)
	if cs.Session.Qualified {
		t.Error("income option 1 must not qualify")
	}
	if cs.Session.ScoreTotal != 150 || cs.Session.Profile != "Visionary Achiever" {
		t.Errorf("unexpected score %d / %q", cs.Session.ScoreTotal, cs.Session.Profile)
	}
}

func TestInvalidInputDoesNotAdvance(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	h.say(t, "Hi")
	h.say(t, "Jane")
	h.say(t, "@jane")

	for _, in := range []string{"7", "0", "", "one"} {
		h.say(t, in)
		if got := h.sender.last().Body; got != MsgInvalidIncome {
			t.Errorf("income %q: got %q", in, got)
		}
		if st := h.activeState(t); st.Stage != models.StageCollectIncome {
			t.Fatalf("income %q moved state to %s", in, st)
		}
	}

	h.say(t, "2")
	for _, in := range []string{"0", "6", "33", "abc", "3.0"} {
		h.say(t, in)
		if got := h.sender.last().Body; got != MsgInvalidAnswer {
			t.Errorf("answer %q: got %q", in, got)
		}
		if st := h.activeState(t); st != models.QuestionState(1) {
			t.Fatalf("answer %q moved state to %s", in, st)
		}
	}

	h.say(t, " 4 ")
	if st := h.activeState(t); st != models.QuestionState(2) {
		t.Errorf("expected QUESTION_2, got %s", st)
	}
}

func TestNewSessionAfterCompletion(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	if err := h.answerAll(t, "4", "2"); err != nil {
		t.Fatalf("final answer failed: %v", err)
	}
	h.say(t, "hello again")
	if got := h.sender.last().Body; got != MsgAskName {
		t.Errorf("expected a new survey to start, got %q", got)
	}
	if st := h.activeState(t); st.Stage != models.StageAwaitName {
		t.Errorf("expected AWAIT_NAME, got %s", st)
	}
}

// conflictStore rejects every turn as if another worker committed first.
type conflictStore struct {
	*store.InMemoryStore
}

func (conflictStore) ApplyTurn(context.Context, store.TurnUpdate) error {
	return store.ErrStateConflict
}

func TestStateConflictDropsTurn(t *testing.T) {
	st := conflictStore{store.NewInMemoryStore()}
	sender := &recordingSender{}
	conv := NewConversation(st, sender, nil)

	err := conv.HandleMessage(context.Background(), models.Response{From: testPhone, Body: "Hi"})
	if err != nil {
		t.Fatalf("conflict should not be reported as an error, got %v", err)
	}
	if n := len(sender.sent()); n != 0 {
		t.Errorf("expected no reply on conflict, got %d messages", n)
	}
}

func TestEmptySenderIgnored(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	if err := h.conv.HandleMessage(context.Background(), models.Response{Body: "Hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(h.sender.sent()); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
}

// gatedGenerator blocks every call until release is closed.
type gatedGenerator struct {
	fakeGenerator
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedGenerator) Generate(ctx context.Context, req genai.GenerationRequest) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.fakeGenerator.Generate(ctx, req)
}

func TestFinalizationRunsOffTheTurn(t *testing.T) {
	st := store.NewInMemoryStore()
	h := newHarness(t, st)
	gen := &gatedGenerator{started: make(chan struct{}), release: make(chan struct{})}
	h.finalizer = NewFinalizer(st, st, h.sender, NewNarrator(gen), h.renderer)
	h.conv = NewConversation(st, h.sender, h.finalizer)
	t.Cleanup(func() { h.conv.Close() })

	h.say(t, "Hi")
	h.say(t, "Jane Doe")
	h.say(t, "@jane")
	h.say(t, "3")
	for i := 1; i < 30; i++ {
		h.say(t, "3")
	}

	turnDone := make(chan error, 1)
	go func() {
		turnDone <- h.conv.HandleMessage(context.Background(), models.Response{From: testPhone, Body: "3"})
	}()
	select {
	case err := <-turnDone:
		if err != nil {
			t.Fatalf("final answer failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(gen.release)
		t.Fatal("last answer waited for finalization")
	}

	<-gen.started
	// Another user is served while the report is still being generated.
	const other = "5511988880000"
	if err := h.conv.HandleMessage(context.Background(), models.Response{From: other, Body: "Hi"}); err != nil {
		t.Fatalf("other sender failed: %v", err)
	}
	if last := h.sender.last(); last.To != other || last.Body != MsgAskName {
		t.Errorf("expected the other sender to be greeted, got %+v", last)
	}
	if h.sender.count(MsgReportStatus) != 0 {
		t.Error("status message sent before the narrative was generated")
	}

	close(gen.release)
	h.conv.Wait()
	if got := h.completed(t).Session.FinalizationStep; got != models.FinalizationDone {
		t.Errorf("expected done, got %q", got)
	}
}
