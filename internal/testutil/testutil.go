// Package testutil provides common test utilities and helpers for the bot's tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ravenloper/score-de-riqueza-bot/internal/api"
	"github.com/ravenloper/score-de-riqueza-bot/internal/messaging"
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/scoring"
	"github.com/ravenloper/score-de-riqueza-bot/internal/store"
)

// NewTestServer starts an httptest server around api.Server. It is closed
// when the test ends.
func NewTestServer(t testing.TB, webhooks messaging.WebhookRoutes, opts ...api.Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(api.NewServer(webhooks, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON body and validates its status field.
func AssertJSONResponse(t testing.TB, body io.Reader, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// SeedCompletedSession writes a fully finalized session for whatsappID in
// which every question was answered with value. It goes through the same
// store calls a live conversation makes.
func SeedCompletedSession(t testing.TB, st store.Store, whatsappID, name string, value int) *models.Session {
	t.Helper()
	ctx := context.Background()

	user, err := st.GetOrCreateUser(ctx, whatsappID)
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	sess, err := st.GetOrCreateActiveSession(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetOrCreateActiveSession: %v", err)
	}

	u := *user
	u.Name = name
	u.Instagram = "@" + whatsappID
	u.IncomeBracket = "R$ 20,001–50,000"
	next := *sess
	next.State = models.QuestionState(1)
	next.Qualified = true
	if err := st.ApplyTurn(ctx, store.TurnUpdate{Expected: sess.State, Session: &next, User: &u}); err != nil {
		t.Fatalf("ApplyTurn(profile): %v", err)
	}

	for n := 1; n <= scoring.QuestionCount; n++ {
		pillar, _ := scoring.PillarFor(n)
		expected := next.State
		if n == scoring.QuestionCount {
			next.State = models.State{Stage: models.StageFinalized}
			next.Status = models.SessionStatusCompleted
			next.FinalizationStep = models.FinalizationPending
		} else {
			next.State = models.QuestionState(n + 1)
		}
		answer := &models.Answer{SessionID: sess.ID, QuestionNumber: n, PillarCode: pillar, Value: value}
		if err := st.ApplyTurn(ctx, store.TurnUpdate{Expected: expected, Session: &next, Answer: answer}); err != nil {
			t.Fatalf("ApplyTurn(question %d): %v", n, err)
		}
	}

	answers, err := st.ListAnswers(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	totals := scoring.Aggregate(answers)
	if err := st.SavePillarTotals(ctx, sess.ID, totals); err != nil {
		t.Fatalf("SavePillarTotals: %v", err)
	}

	completedAt := time.Now().UTC()
	next.ScoreTotal = scoring.TotalScore(totals)
	next.Profile = scoring.Profile(next.ScoreTotal)
	next.DominantPillar, next.WeakestPillar = scoring.DominantAndWeakest(totals)
	next.Interpretation = "Seeded interpretation."
	next.Invitation = "Seeded invitation."
	next.FinalizationStep = models.FinalizationDone
	next.CompletedAt = &completedAt
	if err := st.SaveFinalization(ctx, &next); err != nil {
		t.Fatalf("SaveFinalization: %v", err)
	}

	out, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return out
}
