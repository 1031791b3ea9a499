package cron

import (
	"testing"
	"time"
)

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"every valid", Schedule{Kind: KindEvery, EveryMs: 60_000}, false},
		{"every zero", Schedule{Kind: KindEvery}, true},
		{"cron valid", Schedule{Kind: KindCron, Expr: "0 9 * * 1-5"}, false},
		{"cron garbage", Schedule{Kind: KindCron, Expr: "not a cron"}, true},
		{"at valid", Schedule{Kind: KindAt, AtMs: time.Now().UnixMilli()}, false},
		{"at zero", Schedule{Kind: KindAt}, true},
		{"unknown kind", Schedule{Kind: "weekly"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextRunEveryAnchorsOnLastRun(t *testing.T) {
	s := Schedule{Kind: KindEvery, EveryMs: 60_000}
	now := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)

	// No prior run: next is now+interval.
	next, err := s.NextRun(JobState{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// Recent run: anchored on last_run.
	last := now.Add(-20 * time.Second)
	next, err = s.NextRun(JobState{LastRunAtMs: last.UnixMilli()}, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := last.Add(time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

// A skewed anchor (process slept past several intervals) clamps to
// now+interval instead of queuing a catch-up storm.
func TestNextRunEveryClampsSkew(t *testing.T) {
	s := Schedule{Kind: KindEvery, EveryMs: 60_000}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-3 * time.Hour)

	next, err := s.NextRun(JobState{LastRunAtMs: last.UnixMilli()}, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want clamp to %v", next, want)
	}
}

func TestNextRunCronMinuteGranularity(t *testing.T) {
	s := Schedule{Kind: KindCron, Expr: "30 9 * * *"}
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.Local)
	next, err := s.NextRun(JobState{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if next.Hour() != 9 || next.Minute() != 30 {
		t.Fatalf("next = %v, want 09:30", next)
	}
	if !next.After(now) {
		t.Fatalf("next %v not after now %v", next, now)
	}
}

func TestNextRunAtOneShot(t *testing.T) {
	at := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	s := Schedule{Kind: KindAt, AtMs: at.UnixMilli()}

	next, err := s.NextRun(JobState{}, at.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(at) {
		t.Fatalf("next = %v, want %v", next, at)
	}

	// After firing once, the job never reschedules.
	next, err = s.NextRun(JobState{RunCount: 1}, at.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !next.IsZero() {
		t.Fatalf("next after fire = %v, want zero", next)
	}
}
