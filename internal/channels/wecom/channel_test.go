package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomrelay/loomrelay/internal/bus"
	"github.com/loomrelay/loomrelay/internal/config"
)

// fakeTransport answers the WeCom token and send endpoints in-process.
type fakeTransport struct {
	tokenFetches atomic.Int32
	sends        atomic.Int32
	tokenDelay   time.Duration

	mu        sync.Mutex
	lastSend  map[string]interface{}
	sendErrNo int
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	respond := func(v interface{}) *http.Response {
		data, _ := json.Marshal(v)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(data)),
			Header:     http.Header{"Content-Type": []string{"application/json"}},
		}
	}
	switch {
	case strings.Contains(req.URL.Path, "gettoken"):
		f.tokenFetches.Add(1)
		if f.tokenDelay > 0 {
			time.Sleep(f.tokenDelay)
		}
		return respond(map[string]interface{}{"errcode": 0, "access_token": "tok-1", "expires_in": 7200}), nil
	case strings.Contains(req.URL.Path, "message/send"):
		f.sends.Add(1)
		var body map[string]interface{}
		json.NewDecoder(req.Body).Decode(&body)
		f.mu.Lock()
		f.lastSend = body
		errNo := f.sendErrNo
		f.mu.Unlock()
		return respond(map[string]interface{}{"errcode": errNo, "errmsg": "ok"}), nil
	}
	return respond(map[string]interface{}{"errcode": 404}), nil
}

func newTestChannel(t *testing.T, ft *fakeTransport) *Channel {
	t.Helper()
	ch, err := New(config.WeComConfig{CorpID: "corp", AgentID: 1000002, Secret: "s3cret"}, bus.NewMessageBus())
	if err != nil {
		t.Fatal(err)
	}
	ch.client = &http.Client{Transport: ft}
	return ch
}

func TestSendFetchesAndCachesToken(t *testing.T) {
	ft := &fakeTransport{}
	ch := newTestChannel(t, ft)

	for i := 0; i < 3; i++ {
		if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "user1", Content: "hello"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := ft.tokenFetches.Load(); got != 1 {
		t.Fatalf("token fetched %d times across 3 sends, want 1", got)
	}
	if got := ft.sends.Load(); got != 3 {
		t.Fatalf("sends = %d", got)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.lastSend["touser"] != "user1" || ft.lastSend["msgtype"] != "text" {
		t.Fatalf("send body: %v", ft.lastSend)
	}
}

// Concurrent senders with no cached token collapse into one in-flight fetch.
func TestTokenFetchSingleFlight(t *testing.T) {
	ft := &fakeTransport{tokenDelay: 50 * time.Millisecond}
	ch := newTestChannel(t, ft)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ch.getToken(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := ft.tokenFetches.Load(); got != 1 {
		t.Fatalf("concurrent callers triggered %d fetches, want 1", got)
	}
}

// A token invalidated server-side drops the cache so the next send refreshes.
func TestInvalidTokenDropsCache(t *testing.T) {
	ft := &fakeTransport{}
	ch := newTestChannel(t, ft)

	ft.sendErrNo = 42001 // expired token
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "u", Content: "x"}); err == nil {
		t.Fatal("send with expired token should error")
	}
	ft.sendErrNo = 0
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "u", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if got := ft.tokenFetches.Load(); got != 2 {
		t.Fatalf("token fetches = %d, want 2 (cache dropped after 42001)", got)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(config.WeComConfig{}, bus.NewMessageBus()); err == nil {
		t.Fatal("missing corp_id/secret accepted")
	}
}
