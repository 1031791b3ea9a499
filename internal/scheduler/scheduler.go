// Package scheduler drives the cron store's jobs and the periodic heartbeat.
// Both inject synthetic turns into the agent, bypassing any transport; a job
// whose payload requests delivery additionally publishes the agent's reply as
// an outbound message.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomrelay/loomrelay/internal/agent"
	"github.com/loomrelay/loomrelay/internal/bus"
	"github.com/loomrelay/loomrelay/internal/cron"
	"github.com/loomrelay/loomrelay/internal/sessions"
)

// RunFunc executes one synthetic agent turn.
type RunFunc func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)

// Scheduler fires due cron jobs from a single 1s tick loop. Jobs firing in
// the same tick run concurrently and never block one another; the next run
// is recomputed and persisted before the job's turn executes, so a job fires
// at most once per due instant even if its turn is slow.
type Scheduler struct {
	store *cron.Store
	run   RunFunc
	bus   *bus.MessageBus

	wg sync.WaitGroup
}

// New creates a scheduler over store.
func New(store *cron.Store, run RunFunc, msgBus *bus.MessageBus) *Scheduler {
	return &Scheduler{store: store, run: run, bus: msgBus}
}

// Start launches the tick loop. Jobs that came due while the process was
// down fire once immediately. Blocks until ctx is cancelled and all in-flight
// firings return.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("scheduler started", "jobs", len(s.store.List()))

	// Overdue catch-up: each missed job fires exactly once, never replayed
	// per missed interval.
	s.fireDue(ctx, time.Now())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for _, job := range s.store.Due(now) {
		if err := s.store.MarkFired(job.ID, now); err != nil {
			slog.Error("cron: mark fired failed", "job", job.ID, "error", err)
			continue
		}
		s.wg.Add(1)
		go func(job *cron.Job) {
			defer s.wg.Done()
			s.fire(ctx, job)
		}(job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job *cron.Job) {
	slog.Info("cron: firing job", "job", job.ID, "name", job.Name, "schedule", job.Schedule.Describe())

	channel := job.Payload.Channel
	if channel == "" {
		channel = "cron"
	}
	result, err := s.run(ctx, agent.RunRequest{
		SessionKey: sessions.BuildCronSessionKey(job.ID),
		Message:    job.Payload.Message,
		Channel:    channel,
		ChatID:     job.Payload.To,
		RunID:      "cron-" + job.ID,
	})
	if err != nil {
		slog.Error("cron: job run failed", "job", job.ID, "error", err)
		return
	}

	if job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "" && result.Content != "" {
		s.bus.PublishOutbound(bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: result.Content,
		})
	}
}

// RunNow fires a job immediately, outside its schedule. Used by the CLI's
// `cron run` subcommand. Bookkeeping still advances so the next scheduled
// instant moves forward.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	job, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if err := s.store.MarkFired(job.ID, time.Now()); err != nil {
		return err
	}
	s.fire(ctx, job)
	return nil
}
