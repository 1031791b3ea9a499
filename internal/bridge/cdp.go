package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/loomrelay/loomrelay/internal/gatewayerr"
)

const (
	evalTimeout     = 10 * time.Second
	sendEvalTimeout = 15 * time.Second
)

// CDPClient attaches to the Electron app's remote-debugging endpoint, finds
// the renderer hosting the chat view, and evaluates scripts in it.
type CDPClient struct {
	host          string
	port          int
	mutationNames []string

	browser *rod.Browser
	page    *rod.Page
	cancel  context.CancelFunc
	hooked  bool
}

// NewCDPClient creates a client for host:port.
func NewCDPClient(host string, port int, mutationNames []string) *CDPClient {
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 9222
	}
	return &CDPClient{host: host, port: port, mutationNames: mutationNames}
}

// Connected reports whether a target page is attached.
func (c *CDPClient) Connected() bool { return c.page != nil }

// Hooked reports whether the in-page hook is installed.
func (c *CDPClient) Hooked() bool { return c.hooked }

// Connect discovers the debuggable targets, scores them (chat-view URLs
// first, then named pages, then anything), and attaches to the first
// candidate whose #app element carries a reactive root. The others are left
// untouched.
func (c *CDPClient) Connect(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s:%d", c.host, c.port)
	controlURL, err := launcher.ResolveURL(endpoint)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v (is the app started with --remote-debugging-port=%d?)",
			gatewayerr.ErrBridgeDisconnected, endpoint, err, c.port)
	}

	browserCtx, cancel := context.WithCancel(ctx)
	browser := rod.New().ControlURL(controlURL).Context(browserCtx)
	if err := browser.Connect(); err != nil {
		cancel()
		return fmt.Errorf("%w: connect %s: %v", gatewayerr.ErrBridgeDisconnected, endpoint, err)
	}

	pages, err := browser.Pages()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: list targets: %v", gatewayerr.ErrBridgeDisconnected, err)
	}

	type candidate struct {
		page  *rod.Page
		score int
		title string
		url   string
	}
	var candidates []candidate
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			page:  p,
			score: scoreTarget(string(info.Type), info.Title, info.URL),
			title: info.Title,
			url:   info.URL,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	slog.Info("cdp targets discovered", "count", len(candidates))
	for _, cand := range candidates {
		slog.Debug("trying target", "title", cand.title, "url", truncate(cand.url, 80), "score", cand.score)
		obj, err := cand.page.Timeout(evalTimeout).Evaluate(rod.Eval(detectScript))
		if err != nil {
			continue
		}
		if obj.Value.Str() != "" {
			slog.Info("im page found", "title", cand.title, "reactive", obj.Value.Str())
			c.browser = browser
			c.page = cand.page
			c.cancel = cancel
			return nil
		}
	}

	cancel()
	return fmt.Errorf("%w: no target with a reactive chat view; is the chat interface open?", gatewayerr.ErrHookUnavailable)
}

func scoreTarget(targetType, title, url string) int {
	switch {
	case strings.Contains(url, "im-view"):
		return 0
	case targetType == "page" && title != "" && title != "index.html":
		return 1
	case targetType == "page":
		return 2
	}
	return 9
}

// Disconnect drops the attachment. The app itself is left running.
func (c *CDPClient) Disconnect() {
	c.hooked = false
	c.page = nil
	c.browser = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// evaluate runs a script in the attached page. Connection loss surfaces as
// ErrBridgeDisconnected so the caller reconnects on the next poll.
func (c *CDPClient) evaluate(script string, byPromise bool, timeout time.Duration) (string, error) {
	if c.page == nil {
		return "", gatewayerr.ErrBridgeDisconnected
	}
	eval := rod.Eval(script)
	if byPromise {
		eval = eval.ByPromise()
	}
	obj, err := c.page.Timeout(timeout).Evaluate(eval)
	if err != nil {
		c.Disconnect()
		return "", fmt.Errorf("%w: evaluate: %v", gatewayerr.ErrBridgeDisconnected, err)
	}
	return obj.Value.Str(), nil
}

// InjectHook installs the message hook. Idempotent; returns the strategies
// that took effect.
func (c *CDPClient) InjectHook() ([]string, error) {
	raw, err := c.evaluate(buildHookScript(c.mutationNames), false, evalTimeout)
	if err != nil {
		return nil, err
	}
	var result struct {
		OK      bool     `json:"ok"`
		Methods []string `json:"methods"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("hook result: %w", err)
	}
	if !result.OK {
		c.hooked = false
		return nil, fmt.Errorf("%w: no hook strategy succeeded", gatewayerr.ErrHookUnavailable)
	}
	c.hooked = true
	slog.Info("hook installed", "methods", result.Methods)
	return result.Methods, nil
}

// ClearHook forces the next poll tick to re-inject.
func (c *CDPClient) ClearHook() { c.hooked = false }

// PollMessages drains the in-page queue.
func (c *CDPClient) PollMessages() ([]IncomingEvent, error) {
	if !c.hooked {
		return nil, nil
	}
	raw, err := c.evaluate(pollScript, false, evalTimeout)
	if err != nil {
		return nil, err
	}
	return parseEvents(raw), nil
}

// SendResult is the outcome of a SendText call.
type SendResult struct {
	OK       bool   `json:"ok"`
	IDClient string `json:"idClient"`
	Error    string `json:"error"`
}

// SendText drives the located send-callable.
func (c *CDPClient) SendText(chatID, text string) (*SendResult, error) {
	raw, err := c.evaluate(buildSendScript(chatID, text), true, sendEvalTimeout)
	if err != nil {
		return nil, err
	}
	var result SendResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("send result: %w", err)
	}
	return &result, nil
}

// MyID returns the logged-in account id, or "".
func (c *CDPClient) MyID() (string, error) {
	return c.evaluate(myIDScript, false, evalTimeout)
}

// SessionInfo snapshots the current session and recent session list.
func (c *CDPClient) SessionInfo() (string, error) {
	return c.evaluate(sessionInfoScript, false, evalTimeout)
}

// FetchCurrentChat extracts the open session's full message list.
func (c *CDPClient) FetchCurrentChat() (string, error) {
	return c.evaluate(fetchChatScript, false, evalTimeout)
}

// PageFetch downloads a URL inside the page (session cookies apply) and
// returns the base64 payload.
func (c *CDPClient) PageFetch(url string) (string, error) {
	raw, err := c.evaluate(buildPageFetchScript(url), true, sendEvalTimeout)
	if err != nil {
		return "", err
	}
	var result struct {
		OK    bool   `json:"ok"`
		Data  string `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return "", fmt.Errorf("page fetch result: %w", err)
	}
	if !result.OK {
		return "", fmt.Errorf("page fetch: %s", result.Error)
	}
	return result.Data, nil
}

// ClickDownload simulates the message's click-to-download affordance.
func (c *CDPClient) ClickDownload(idClient string) error {
	raw, err := c.evaluate(buildClickDownloadScript(idClient), false, evalTimeout)
	if err != nil {
		return err
	}
	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("click download: %s", result.Error)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
