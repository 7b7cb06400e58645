package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatus(t *testing.T) {
	if Status(nil) != "ok" {
		t.Error("nil error should be ok")
	}
	if Status(errors.New("x")) != "error" {
		t.Error("non-nil error should be error")
	}
}

func TestObserveCall(t *testing.T) {
	before := testutil.CollectAndCount(ExternalCallDuration)
	ObserveCall("metrics_test_call", time.Now().Add(-time.Second), nil)
	if after := testutil.CollectAndCount(ExternalCallDuration); after != before+1 {
		t.Errorf("expected a new series, got %d -> %d", before, after)
	}
}

func TestCounters(t *testing.T) {
	Turns.WithLabelValues("QUESTION", "metrics_test").Inc()
	if got := testutil.ToFloat64(Turns.WithLabelValues("QUESTION", "metrics_test")); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
}
