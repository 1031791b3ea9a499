package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Outcome is one completed dispatch.
type Outcome struct {
	Result *RunResult
	Err    error
}

// Dispatcher serializes turns per session key: at most one in-flight turn
// per key, with concurrent messages for the same key queued in arrival
// order. Distinct keys run in parallel up to a global cap.
type Dispatcher struct {
	loop     *Loop
	semGlobal chan struct{}

	mu     sync.Mutex
	queues map[string]*sessionQueue
	wg     sync.WaitGroup
}

type sessionQueue struct {
	pending []dispatchItem
	active  bool
}

type dispatchItem struct {
	ctx    context.Context
	req    RunRequest
	result chan Outcome
}

// NewDispatcher creates a dispatcher over loop with the given global
// concurrency cap.
func NewDispatcher(loop *Loop, maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Dispatcher{
		loop:      loop,
		semGlobal: make(chan struct{}, maxConcurrent),
		queues:    make(map[string]*sessionQueue),
	}
}

// Submit enqueues a turn and returns a channel delivering its outcome.
func (d *Dispatcher) Submit(ctx context.Context, req RunRequest) <-chan Outcome {
	item := dispatchItem{ctx: ctx, req: req, result: make(chan Outcome, 1)}

	d.mu.Lock()
	q, ok := d.queues[req.SessionKey]
	if !ok {
		q = &sessionQueue{}
		d.queues[req.SessionKey] = q
	}
	q.pending = append(q.pending, item)
	if !q.active {
		q.active = true
		d.wg.Add(1)
		go d.drainQueue(req.SessionKey)
	}
	d.mu.Unlock()

	return item.result
}

// RunSync submits and blocks until the outcome.
func (d *Dispatcher) RunSync(ctx context.Context, req RunRequest) (*RunResult, error) {
	outcome := <-d.Submit(ctx, req)
	return outcome.Result, outcome.Err
}

// drainQueue works one session's queue in arrival order.
func (d *Dispatcher) drainQueue(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q.pending) == 0 {
			q.active = false
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		if item.ctx.Err() != nil {
			item.result <- Outcome{Err: item.ctx.Err()}
			continue
		}

		select {
		case d.semGlobal <- struct{}{}:
		case <-item.ctx.Done():
			item.result <- Outcome{Err: item.ctx.Err()}
			continue
		}
		result, err := d.loop.Run(item.ctx, item.req)
		<-d.semGlobal
		item.result <- Outcome{Result: result, Err: err}
	}
}

// Drain waits for all queued and in-flight turns to finish, up to the
// deadline, then returns whether everything completed.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		slog.Warn("dispatcher drain deadline reached")
		return false
	}
}
