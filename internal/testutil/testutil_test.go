package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/store"
)

// mockTestingT records failures instead of failing the enclosing test.
type mockTestingT struct {
	testing.TB
	failed   bool
	messages []string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.messages = append(m.messages, fmt.Sprintf(format, args...))
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.Errorf(format, args...)
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{TB: t}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%v)", mockT.failed, tt.shouldFail, mockT.messages)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		expected   string
		shouldFail bool
	}{
		{"matching status", `{"status":"ok","message":"fine"}`, "ok", false},
		{"different status", `{"status":"error"}`, "ok", true},
		{"missing status", `{"message":"x"}`, "ok", true},
		{"invalid json", `not json`, "ok", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{TB: t}
			AssertJSONResponse(mockT, strings.NewReader(tt.body), tt.expected)
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%v)", mockT.failed, tt.shouldFail, mockT.messages)
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/webhook/whatsapp", map[string]string{"from": "123", "text": "hi"})
	if req.Method != http.MethodPost {
		t.Errorf("method = %s", req.Method)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var decoded map[string]string
	MustUnmarshalJSON(t, body, &decoded)
	if decoded["from"] != "123" || decoded["text"] != "hi" {
		t.Errorf("unexpected body %s", body)
	}

	empty := CreateHTTPRequest(t, http.MethodGet, "/health", nil)
	if empty.Header.Get("Content-Type") != "" {
		t.Error("GET without body should not set a content type")
	}
}

func TestMustMarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, models.Error("boom"))
	if string(data) != `{"status":"error","message":"boom"}` {
		t.Errorf("unexpected JSON %s", data)
	}
}

func TestSeedCompletedSession(t *testing.T) {
	st := store.NewInMemoryStore()
	sess := SeedCompletedSession(t, st, "5511988887777", "Ana", 4)

	if sess.Status != models.SessionStatusCompleted || sess.FinalizationStep != models.FinalizationDone {
		t.Errorf("unexpected session state %s/%s", sess.Status, sess.FinalizationStep)
	}
	if sess.ScoreTotal != 120 || sess.Profile != "Visionary Achiever" {
		t.Errorf("unexpected score %d / %q", sess.ScoreTotal, sess.Profile)
	}

	completed, err := st.ListCompletedSessions(context.Background())
	if err != nil {
		t.Fatalf("ListCompletedSessions: %v", err)
	}
	if len(completed) != 1 || completed[0].User.Name != "Ana" {
		t.Fatalf("unexpected completed sessions %+v", completed)
	}
	if got := completed[0].Totals[models.PillarLegacy]; got != 12 {
		t.Errorf("legacy total = %d, want 12", got)
	}
}

func TestNewTestServerHealth(t *testing.T) {
	srv := NewTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	AssertHTTPStatus(t, http.StatusOK, resp.StatusCode, "health")
	AssertJSONResponse(t, resp.Body, "ok")
}
