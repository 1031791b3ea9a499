package cron

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomrelay/loomrelay/internal/gatewayerr"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestMissingFileIsEmptyList(t *testing.T) {
	s, path := newTestStore(t)
	if got := len(s.List()); got != 0 {
		t.Fatalf("fresh store has %d jobs", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("store file created before first mutation")
	}

	// First mutation creates the file.
	if err := s.Add(&Job{Name: "j", Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000}, Payload: Payload{Message: "hi"}, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store file missing after mutation: %v", err)
	}
}

func TestAddPersistsAndReloads(t *testing.T) {
	s, path := newTestStore(t)
	job := &Job{
		Name:     "status",
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000},
		Payload:  Payload{Message: "status?", Deliver: true, To: "42", Channel: "telegram"},
		Enabled:  true,
	}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	if job.ID == "" {
		t.Fatal("Add did not assign an ID")
	}
	if job.State.NextRunAtMs == 0 {
		t.Fatal("Add did not compute initial next run")
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "status" || !got.Payload.Deliver || got.Payload.To != "42" || got.Payload.Channel != "telegram" {
		t.Fatalf("reloaded job mismatch: %+v", got)
	}
}

func TestAddRejectsInvalidSchedule(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Add(&Job{Name: "bad", Schedule: Schedule{Kind: KindCron, Expr: "bogus"}})
	if err == nil {
		t.Fatal("invalid schedule accepted")
	}
}

// After any firing, next_run strictly exceeds the previous value.
func TestMarkFiredMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	job := &Job{Name: "j", Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000}, Payload: Payload{Message: "m"}, Enabled: true}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}

	prev := job.State.NextRunAtMs
	fireAt := time.UnixMilli(prev)
	for i := 0; i < 3; i++ {
		if err := s.MarkFired(job.ID, fireAt); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State.NextRunAtMs <= prev {
			t.Fatalf("fire %d: next_run %d did not advance past %d", i, got.State.NextRunAtMs, prev)
		}
		if got.State.RunCount != int64(i+1) {
			t.Fatalf("fire %d: run_count = %d", i, got.State.RunCount)
		}
		prev = got.State.NextRunAtMs
		fireAt = time.UnixMilli(prev)
	}
}

func TestMarkFiredDisablesOneShot(t *testing.T) {
	s, _ := newTestStore(t)
	job := &Job{Name: "once", Schedule: Schedule{Kind: KindAt, AtMs: time.Now().UnixMilli()}, Payload: Payload{Message: "m"}, Enabled: true}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFired(job.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(job.ID)
	if got.Enabled || got.State.NextRunAtMs != 0 {
		t.Fatalf("one-shot still scheduled after firing: %+v", got.State)
	}
	if len(s.Due(time.Now().Add(time.Hour))) != 0 {
		t.Fatal("fired one-shot still reported due")
	}
}

func TestDueFiltersDisabledAndFuture(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now()

	due := &Job{Name: "due", Schedule: Schedule{Kind: KindEvery, EveryMs: 1000}, Enabled: true,
		State: JobState{NextRunAtMs: now.Add(-time.Second).UnixMilli()}}
	future := &Job{Name: "future", Schedule: Schedule{Kind: KindEvery, EveryMs: 1000}, Enabled: true,
		State: JobState{NextRunAtMs: now.Add(time.Hour).UnixMilli()}}
	disabled := &Job{Name: "disabled", Schedule: Schedule{Kind: KindEvery, EveryMs: 1000}, Enabled: false,
		State: JobState{NextRunAtMs: now.Add(-time.Second).UnixMilli()}}
	for _, j := range []*Job{due, future, disabled} {
		if err := s.Add(j); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Due(now)
	if len(got) != 1 || got[0].Name != "due" {
		t.Fatalf("Due returned %d jobs: %+v", len(got), got)
	}
}

func TestRemoveAndNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	job := &Job{Name: "j", Schedule: Schedule{Kind: KindEvery, EveryMs: 1000}, Enabled: true}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(job.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(job.ID); !errors.Is(err, gatewayerr.ErrNotFound) {
		t.Fatalf("second remove: %v, want ErrNotFound", err)
	}
	if _, err := s.Get(job.ID); !errors.Is(err, gatewayerr.ErrNotFound) {
		t.Fatalf("get after remove: %v, want ErrNotFound", err)
	}
}

// Re-enabling recomputes next_run so a long-disabled job doesn't fire off a
// stale instant.
func TestSetEnabledRecomputesNextRun(t *testing.T) {
	s, _ := newTestStore(t)
	job := &Job{Name: "j", Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000}, Enabled: true,
		State: JobState{NextRunAtMs: time.Now().Add(-time.Hour).UnixMilli()}}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEnabled(job.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEnabled(job.ID, true); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(job.ID)
	if got.State.NextRunAtMs <= time.Now().UnixMilli() {
		t.Fatalf("re-enabled job still due in the past: %d", got.State.NextRunAtMs)
	}
}
