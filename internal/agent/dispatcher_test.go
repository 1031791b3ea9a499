package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomrelay/loomrelay/internal/providers"
	"github.com/loomrelay/loomrelay/internal/sessions"
	"github.com/loomrelay/loomrelay/internal/store/file"
	"github.com/loomrelay/loomrelay/internal/tools"
)

// concurrencyProbe is a provider that tracks in-flight calls per session so
// tests can assert serialization.
type concurrencyProbe struct {
	delay time.Duration

	mu       sync.Mutex
	inFlight map[string]int
	maxByKey map[string]int
	order    []string

	totalActive atomic.Int32
	maxActive   atomic.Int32
}

func newConcurrencyProbe(delay time.Duration) *concurrencyProbe {
	return &concurrencyProbe{
		delay:    delay,
		inFlight: make(map[string]int),
		maxByKey: make(map[string]int),
	}
}

func (p *concurrencyProbe) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	// The user message is last; it encodes "key/seq" for ordering checks.
	label := req.Messages[len(req.Messages)-1].Content
	key := label
	if i := len(label) - 2; i > 0 {
		key = label[:i]
	}

	p.mu.Lock()
	p.inFlight[key]++
	if p.inFlight[key] > p.maxByKey[key] {
		p.maxByKey[key] = p.inFlight[key]
	}
	p.order = append(p.order, label)
	p.mu.Unlock()

	cur := p.totalActive.Add(1)
	for {
		max := p.maxActive.Load()
		if cur <= max || p.maxActive.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(p.delay)
	p.totalActive.Add(-1)

	p.mu.Lock()
	p.inFlight[key]--
	p.mu.Unlock()

	return &providers.ChatResponse{Content: "ok: " + label, FinishReason: "stop"}, nil
}

func (p *concurrencyProbe) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *concurrencyProbe) DefaultModel() string { return "probe" }
func (p *concurrencyProbe) Name() string         { return "probe" }

func newDispatcherUnderTest(p providers.Provider, maxConcurrent int) *Dispatcher {
	loop := NewLoop(LoopConfig{
		Provider: p, Model: "probe", MaxIterations: 2,
		Sessions: file.NewFileSessionStore(sessions.NewManager("")),
		Tools:    tools.NewRegistry(),
	})
	return NewDispatcher(loop, maxConcurrent)
}

// At most one in-flight turn per session key, with same-key messages
// processed strictly in arrival order.
func TestDispatcherSerializesPerKey(t *testing.T) {
	p := newConcurrencyProbe(20 * time.Millisecond)
	d := newDispatcherUnderTest(p, 8)

	var outcomes []<-chan Outcome
	for i := 0; i < 5; i++ {
		outcomes = append(outcomes, d.Submit(context.Background(), RunRequest{
			SessionKey: "telegram:42",
			Message:    fmt.Sprintf("telegram:42/%d", i),
		}))
	}
	for i, ch := range outcomes {
		out := <-ch
		if out.Err != nil {
			t.Fatalf("turn %d: %v", i, out.Err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxByKey["telegram:42"] > 1 {
		t.Fatalf("same key had %d concurrent turns", p.maxByKey["telegram:42"])
	}
	for i, label := range p.order {
		if want := fmt.Sprintf("telegram:42/%d", i); label != want {
			t.Fatalf("turn %d processed as %q, want %q", i, label, want)
		}
	}
}

// Distinct keys proceed in parallel, bounded by the global cap.
func TestDispatcherParallelAcrossKeys(t *testing.T) {
	p := newConcurrencyProbe(50 * time.Millisecond)
	d := newDispatcherUnderTest(p, 4)

	start := time.Now()
	var outcomes []<-chan Outcome
	for i := 0; i < 4; i++ {
		outcomes = append(outcomes, d.Submit(context.Background(), RunRequest{
			SessionKey: fmt.Sprintf("telegram:%d", i),
			Message:    fmt.Sprintf("telegram:%d/0", i),
		}))
	}
	for _, ch := range outcomes {
		if out := <-ch; out.Err != nil {
			t.Fatal(out.Err)
		}
	}

	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("4 independent keys took %v; they did not run in parallel", elapsed)
	}
	if got := p.maxActive.Load(); got < 2 {
		t.Fatalf("peak concurrency %d, want ≥ 2", got)
	}
}

func TestDispatcherGlobalCap(t *testing.T) {
	p := newConcurrencyProbe(30 * time.Millisecond)
	d := newDispatcherUnderTest(p, 2)

	var outcomes []<-chan Outcome
	for i := 0; i < 6; i++ {
		outcomes = append(outcomes, d.Submit(context.Background(), RunRequest{
			SessionKey: fmt.Sprintf("k%d", i),
			Message:    fmt.Sprintf("k%d/0", i),
		}))
	}
	for _, ch := range outcomes {
		if out := <-ch; out.Err != nil {
			t.Fatal(out.Err)
		}
	}
	if got := p.maxActive.Load(); got > 2 {
		t.Fatalf("peak concurrency %d exceeded cap 2", got)
	}
}

// Session histories never cross-contaminate between keys, even with
// interleaved concurrent turns.
func TestDispatcherSessionIsolation(t *testing.T) {
	p := newConcurrencyProbe(5 * time.Millisecond)
	mgr := sessions.NewManager("")
	loop := NewLoop(LoopConfig{
		Provider: p, Model: "probe", MaxIterations: 2,
		Sessions: file.NewFileSessionStore(mgr),
		Tools:    tools.NewRegistry(),
	})
	d := NewDispatcher(loop, 8)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				<-d.Submit(context.Background(), RunRequest{
					SessionKey: fmt.Sprintf("chan:%d", i),
					Message:    fmt.Sprintf("chan:%d/%d", i, j),
				})
			}(i, j)
		}
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("chan:%d", i)
		for _, msg := range mgr.GetHistory(key) {
			if msg.Role != "user" {
				continue
			}
			if !strings.HasPrefix(msg.Content, key) {
				t.Fatalf("session %s contains foreign message %q", key, msg.Content)
			}
		}
		if got := len(mgr.GetHistory(key)); got != 6 {
			t.Fatalf("session %s has %d messages, want 6", key, got)
		}
	}
}

func TestDispatcherDrainCompletes(t *testing.T) {
	p := newConcurrencyProbe(20 * time.Millisecond)
	d := newDispatcherUnderTest(p, 4)
	for i := 0; i < 3; i++ {
		d.Submit(context.Background(), RunRequest{SessionKey: "k", Message: fmt.Sprintf("k/%d", i)})
	}
	if !d.Drain(2 * time.Second) {
		t.Fatal("drain timed out with finishable work")
	}
}

func TestDispatcherCancelledContext(t *testing.T) {
	p := newConcurrencyProbe(10 * time.Millisecond)
	d := newDispatcherUnderTest(p, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := <-d.Submit(ctx, RunRequest{SessionKey: "k", Message: "k/0"})
	if out.Err == nil {
		t.Fatal("cancelled submit succeeded")
	}
}
