package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	h := parseHolder(string(content))
	if h.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", h.PID, os.Getpid())
	}
	if time.Since(h.StartedAt) > time.Minute {
		t.Errorf("unexpected start time %v", h.StartedAt)
	}
}

func TestSecondInstanceRefused(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("refusal should report the holder, got %+v", lockErr.Holder)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another wealth score bot instance") || !strings.Contains(msg, dir) {
		t.Errorf("unhelpful error message: %s", msg)
	}
	if !strings.Contains(msg, "(running)") {
		t.Errorf("holder should be reported as running: %s", msg)
	}

	// The refused attempt must not clobber the holder record.
	content, _ := os.ReadFile(first.Path())
	if parseHolder(string(content)).PID != os.Getpid() {
		t.Errorf("lock file was overwritten: %q", content)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Second release should be a no-op: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should create directory and acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory should have been created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Holder
	}{
		{"full record", fmt.Sprintf("pid=4321\nstarted=%s\n", started.Format(time.RFC3339)), Holder{PID: 4321, StartedAt: started}},
		{"pid only", "pid=77\n", Holder{PID: 77}},
		{"bad pid", "pid=abc\n", Holder{}},
		{"negative pid", "pid=-5\n", Holder{}},
		{"bad time", "pid=9\nstarted=yesterday\n", Holder{PID: 9}},
		{"empty", "", Holder{}},
		{"no separator", "pid12345", Holder{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseHolder(tt.content)
			if got.PID != tt.want.PID || !got.StartedAt.Equal(tt.want.StartedAt) {
				t.Errorf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("zero holder = %q", got)
	}
	if got := (Holder{PID: os.Getpid()}).String(); !strings.HasSuffix(got, "(running)") {
		t.Errorf("own process should be running: %q", got)
	}
}
