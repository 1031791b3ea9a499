package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gateway.
type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Channels    ChannelsConfig    `json:"channels"`
	Providers   ProvidersConfig   `json:"providers"`
	Gateway     GatewayConfig     `json:"gateway"`
	Tools       ToolsConfig       `json:"tools"`
	Sessions    SessionsConfig    `json:"sessions"`
	Knowledge   KnowledgeConfig   `json:"knowledge,omitempty"`
	Cron        CronConfig        `json:"cron,omitempty"`
	Heartbeat   HeartbeatConfig   `json:"heartbeat,omitempty"`
	ChatHistory ChatHistoryConfig `json:"chat_history,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	mu          sync.RWMutex
}

// AgentConfig configures the single conversational agent the gateway drives.
type AgentConfig struct {
	Workspace           string  `json:"workspace"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace"`
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	MaxToolIterations   int     `json:"max_tool_iterations"`
	ContextWindow       int     `json:"context_window"`
	HistoryWindow       int     `json:"history_window,omitempty"`   // max messages kept per session (default 100)
	ThinkingLevel       string  `json:"thinking_level,omitempty"`   // "off", "low", "medium", "high"
	TurnTimeoutSec      int     `json:"turn_timeout_sec,omitempty"` // soft deadline per inbound turn (default 120)
	LLMTimeoutSec       int     `json:"llm_timeout_sec,omitempty"`  // per-LLM-call deadline (default 90)
	ToolTimeoutSec      int     `json:"tool_timeout_sec,omitempty"` // per-tool-call deadline (default 60)
}

// GatewayConfig controls the gateway runtime.
type GatewayConfig struct {
	OwnerIDs           []string `json:"owner_ids,omitempty"`            // sender IDs considered "owner"
	MaxMessageChars    int      `json:"max_message_chars,omitempty"`    // max user message characters (default 32000)
	RateLimitRPM       int      `json:"rate_limit_rpm,omitempty"`       // outbound rate limit per chat (default 20, 0 = disabled)
	MaxConcurrentTurns int      `json:"max_concurrent_turns,omitempty"` // global cap on parallel sessions (default 8)
	DrainTimeoutSec    int      `json:"drain_timeout_sec,omitempty"`    // shutdown drain deadline (default 10)
}

// SessionsConfig controls session storage and eviction.
type SessionsConfig struct {
	Storage        string `json:"storage"`                    // directory for session files
	IdleTimeoutMin int    `json:"idle_timeout_min,omitempty"` // evict sessions idle longer than this (default 720)
}

// KnowledgeConfig tunes the RAG store.
type KnowledgeConfig struct {
	ChunkSize     int             `json:"chunk_size,omitempty"`     // tokens per chunk (default 512)
	ChunkOverlap  int             `json:"chunk_overlap,omitempty"`  // tokens shared between chunks (default 200)
	TopK          int             `json:"top_k,omitempty"`          // default search depth (default 5)
	RetentionDays int             `json:"retention_days,omitempty"` // short-term document retention (default 7)
	AutoContext   bool            `json:"auto_context,omitempty"`   // prepend top hits to question-like messages
	Embedding     EmbeddingConfig `json:"embedding"`
}

// EmbeddingConfig points at the embedding model endpoint (OpenAI-compatible).
// The API key comes from env only and is never persisted.
type EmbeddingConfig struct {
	BaseURL string `json:"base_url,omitempty"` // default "https://api.openai.com/v1"
	Model   string `json:"model,omitempty"`    // default "text-embedding-3-small"
	APIKey  string `json:"-"`                  // from env LOOMRELAY_EMBEDDING_API_KEY only
}

// CronConfig configures the scheduled-job store.
type CronConfig struct {
	StorePath string `json:"store_path,omitempty"` // default "~/.loomrelay/cron.json"
}

// HeartbeatConfig configures the periodic maintenance heartbeat.
type HeartbeatConfig struct {
	Every   string `json:"every,omitempty"`   // duration string, "0m" disables (default "30m")
	Prompt  string `json:"prompt,omitempty"`  // custom heartbeat prompt
	Channel string `json:"channel,omitempty"` // optional delivery channel for non-ack replies
	To      string `json:"to,omitempty"`      // optional delivery chat ID
}

// Interval parses Every with the 30m default. "0m" disables.
func (h HeartbeatConfig) Interval() time.Duration {
	if h.Every == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(h.Every)
	if err != nil || d < 0 {
		return 30 * time.Minute
	}
	return d
}

// ChatHistoryConfig configures transcript role labelling.
type ChatHistoryConfig struct {
	AdminNames FlexibleStringSlice `json:"admin_names,omitempty"`
	AdminIDs   FlexibleStringSlice `json:"admin_ids,omitempty"`
}

// TelemetryConfig configures OpenTelemetry OTLP span export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "loomrelay-gateway"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher to swap a reloaded config atomically.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Knowledge = src.Knowledge
	c.Cron = src.Cron
	c.Heartbeat = src.Heartbeat
	c.ChatHistory = src.ChatHistory
	c.Telemetry = src.Telemetry
}
