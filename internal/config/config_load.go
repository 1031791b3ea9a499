package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:           "~/.loomrelay/workspace",
			RestrictToWorkspace: true,
			Provider:            "anthropic",
			Model:               "claude-sonnet-4-5-20250929",
			MaxTokens:           8192,
			Temperature:         0.7,
			MaxToolIterations:   20,
			ContextWindow:       200000,
			HistoryWindow:       100,
			TurnTimeoutSec:      120,
			LLMTimeoutSec:       90,
			ToolTimeoutSec:      60,
		},
		Gateway: GatewayConfig{
			MaxMessageChars:    32000,
			RateLimitRPM:       20,
			MaxConcurrentTurns: 8,
			DrainTimeoutSec:    10,
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
			Browser: BrowserToolConfig{
				Enabled:  true,
				Headless: true,
			},
			ExecTimeoutSec: 60,
		},
		Sessions: SessionsConfig{
			Storage:        "~/.loomrelay/sessions",
			IdleTimeoutMin: 720,
		},
		Knowledge: KnowledgeConfig{
			ChunkSize:     512,
			ChunkOverlap:  200,
			TopK:          5,
			RetentionDays: 7,
			Embedding: EmbeddingConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "text-embedding-3-small",
			},
		},
		Cron: CronConfig{
			StorePath: "~/.loomrelay/cron.json",
		},
		Heartbeat: HeartbeatConfig{
			Every: "30m",
		},
	}
}

// Load reads config from a JSON5 file (comments and trailing commas
// tolerated), then overlays env vars. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars carry the
// secrets that are never persisted back to the file, and take precedence
// over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("LOOMRELAY_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("LOOMRELAY_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("LOOMRELAY_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("LOOMRELAY_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("LOOMRELAY_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("LOOMRELAY_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("LOOMRELAY_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("LOOMRELAY_DASHSCOPE_API_KEY", &c.Providers.DashScope.APIKey)
	envStr("LOOMRELAY_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("LOOMRELAY_STT_API_KEY", &c.Channels.Telegram.STTAPIKey)
	envStr("LOOMRELAY_WECOM_SECRET", &c.Channels.WeCom.Secret)
	envStr("LOOMRELAY_EMBEDDING_API_KEY", &c.Knowledge.Embedding.APIKey)

	// Auto-enable channels when credentials arrive via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.WeCom.CorpID != "" && c.Channels.WeCom.Secret != "" {
		c.Channels.WeCom.Enabled = true
	}

	// Allow overriding default provider/model and paths
	envStr("LOOMRELAY_PROVIDER", &c.Agent.Provider)
	envStr("LOOMRELAY_MODEL", &c.Agent.Model)
	envStr("LOOMRELAY_WORKSPACE", &c.Agent.Workspace)
	envStr("LOOMRELAY_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("LOOMRELAY_CRON_STORE", &c.Cron.StorePath)

	// Telemetry
	envStr("LOOMRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("LOOMRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("LOOMRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("LOOMRELAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("LOOMRELAY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Owner IDs from env (comma-separated)
	if v := os.Getenv("LOOMRELAY_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call after mutating config to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secrets tagged json:"-" never land
// on disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

// Watch reloads the config file on change and swaps it into cfg via
// ReplaceFrom. Debounces editor write bursts; runs until the returned stop
// function is called. onReload (optional) is invoked after each successful
// swap.
func Watch(path string, cfg *Config, onReload func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watcher: %w", err)
	}

	go func() {
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(300 * time.Millisecond)
			case <-pending:
				pending = nil
				fresh, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed, keeping current", "error", err)
					continue
				}
				cfg.ReplaceFrom(fresh)
				slog.Info("config reloaded", "hash", cfg.Hash())
				if onReload != nil {
					onReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
