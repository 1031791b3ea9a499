// Package wecom implements the WeCom (企业微信) transport adapter: stateless
// HTTP sends through a corp application, with a cached access token.
// Receiving requires a callback URL configured in the WeCom console and is
// not part of this adapter.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loomrelay/loomrelay/internal/bus"
	"github.com/loomrelay/loomrelay/internal/channels"
	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/gatewayerr"
)

const (
	tokenURL = "https://qyapi.weixin.qq.com/cgi-bin/gettoken"
	sendURL  = "https://qyapi.weixin.qq.com/cgi-bin/message/send"

	// Tokens are valid for 2h; refresh 5 minutes early.
	tokenLifetime     = 7200 * time.Second
	tokenRefreshEarly = 300 * time.Second
)

// Channel sends text messages through a WeCom corp application.
type Channel struct {
	*channels.BaseChannel
	config config.WeComConfig
	client *http.Client

	mu             sync.Mutex
	accessToken    string
	tokenExpiresAt time.Time
	tokenFlight    singleflight.Group
}

// New creates a WeCom channel from config.
func New(cfg config.WeComConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.CorpID == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("wecom: %w: corp_id and secret are required", gatewayerr.ErrConfigMissing)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("wecom", msgBus, cfg.AllowFrom),
		config:      cfg,
		client:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Start marks the channel ready; there is no long-lived connection to hold.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	slog.Info("wecom channel ready", "corp_id", c.config.CorpID)
	return nil
}

// Stop clears the cached token.
func (c *Channel) Stop(_ context.Context) error {
	c.mu.Lock()
	c.accessToken = ""
	c.tokenExpiresAt = time.Time{}
	c.mu.Unlock()
	c.SetRunning(false)
	return nil
}

// Send delivers a text message. chat_id is the member UserID, or "@all".
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	token, err := c.getToken(ctx)
	if err != nil {
		return fmt.Errorf("wecom send: %w", err)
	}

	body := map[string]interface{}{
		"touser":  msg.ChatID,
		"msgtype": "text",
		"agentid": c.config.AgentID,
		"text":    map[string]string{"content": msg.Content},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wecom send: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL+"?access_token="+url.QueryEscape(token), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wecom send: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("wecom send: decode response: %w", err)
	}
	if out.ErrCode != 0 {
		// Token invalidated server-side (e.g. secret rotated): drop the cache
		// so the next send refreshes.
		if out.ErrCode == 40014 || out.ErrCode == 42001 {
			c.mu.Lock()
			c.accessToken = ""
			c.mu.Unlock()
		}
		return fmt.Errorf("wecom send: errcode %d: %s", out.ErrCode, out.ErrMsg)
	}
	return nil
}

// getToken returns a valid access token, refreshing when within the early
// window. Concurrent callers with an expired token collapse into a single
// in-flight fetch.
func (c *Channel) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiresAt) {
		token := c.accessToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.tokenFlight.Do("token", func() (interface{}, error) {
		// Re-check under the flight: the winner may have refreshed while we
		// queued.
		c.mu.Lock()
		if c.accessToken != "" && time.Now().Before(c.tokenExpiresAt) {
			token := c.accessToken
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()

		token, expiresIn, err := c.fetchToken(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.accessToken = token
		c.tokenExpiresAt = time.Now().Add(expiresIn - tokenRefreshEarly)
		c.mu.Unlock()
		slog.Info("wecom access token refreshed", "expires_in", expiresIn)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Channel) fetchToken(ctx context.Context) (string, time.Duration, error) {
	u := fmt.Sprintf("%s?corpid=%s&corpsecret=%s", tokenURL, url.QueryEscape(c.config.CorpID), url.QueryEscape(c.config.Secret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: gettoken: %v", gatewayerr.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	var out struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("gettoken: decode: %w", err)
	}
	if out.ErrCode != 0 || out.AccessToken == "" {
		return "", 0, fmt.Errorf("gettoken: errcode %d: %s", out.ErrCode, out.ErrMsg)
	}
	expiresIn := time.Duration(out.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = tokenLifetime
	}
	return out.AccessToken, expiresIn, nil
}
