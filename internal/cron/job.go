// Package cron holds the scheduled-job model and its file-backed store. The
// tick loop that fires jobs lives in internal/scheduler.
package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// ScheduleKind tags the three schedule variants.
type ScheduleKind string

const (
	KindEvery ScheduleKind = "every" // fixed interval
	KindCron  ScheduleKind = "cron"  // minute-granularity cron expression
	KindAt    ScheduleKind = "at"    // one-shot at an instant
)

// Schedule is the tagged variant over {every(duration), cron(expr), at(instant)}.
type Schedule struct {
	Kind    ScheduleKind `json:"kind"`
	EveryMs int64        `json:"every_ms,omitempty"`
	Expr    string       `json:"expr,omitempty"`
	AtMs    int64        `json:"at_ms,omitempty"`
}

// Payload describes what a firing injects and where the reply goes.
type Payload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver,omitempty"`
	To      string `json:"to,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// JobState tracks execution bookkeeping, persisted with the job.
type JobState struct {
	LastRunAtMs int64 `json:"last_run_at_ms,omitempty"`
	NextRunAtMs int64 `json:"next_run_at_ms,omitempty"`
	RunCount    int64 `json:"run_count,omitempty"`
}

// Job is one persisted scheduled job.
type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Schedule    Schedule `json:"schedule"`
	Payload     Payload  `json:"payload"`
	Enabled     bool     `json:"enabled"`
	State       JobState `json:"state"`
	CreatedAtMs int64    `json:"created_at_ms,omitempty"`
	UpdatedAtMs int64    `json:"updated_at_ms,omitempty"`
}

// Validate checks the schedule variant is well-formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive interval")
		}
	case KindCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires an instant")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// NextRun computes the next firing instant strictly after now.
//
// For KindEvery the result is anchored on the last run when one exists; a
// skewed anchor (the process slept past one or more intervals) clamps to
// now+interval so a backlog never fires as a catch-up storm. KindAt returns
// the instant itself until it has fired, then zero.
func (s Schedule) NextRun(state JobState, now time.Time) (time.Time, error) {
	switch s.Kind {
	case KindEvery:
		interval := time.Duration(s.EveryMs) * time.Millisecond
		if state.LastRunAtMs <= 0 {
			return now.Add(interval), nil
		}
		next := time.UnixMilli(state.LastRunAtMs).Add(interval)
		if !next.After(now) {
			next = now.Add(interval)
		}
		return next, nil
	case KindCron:
		next, err := gronx.NextTickAfter(s.Expr, now, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron next tick: %w", err)
		}
		return next, nil
	case KindAt:
		if state.RunCount > 0 {
			return time.Time{}, nil
		}
		return time.UnixMilli(s.AtMs), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
}

// Describe renders the schedule for CLI listings.
func (s Schedule) Describe() string {
	switch s.Kind {
	case KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case KindCron:
		return "cron " + s.Expr
	case KindAt:
		return "at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	}
	return string(s.Kind)
}
