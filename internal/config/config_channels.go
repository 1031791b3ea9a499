package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	WeCom     WeComConfig     `json:"wecom"`
	Shangwang ShangwangConfig `json:"shangwang"`
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	Proxy          string              `json:"proxy,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	MediaMaxBytes  int64               `json:"media_max_bytes,omitempty"` // max media download size in bytes (default 20MB)
	LinkPreview    *bool               `json:"link_preview,omitempty"`    // enable URL previews in messages (default true)

	// Optional speech-to-text proxy for voice messages.
	STTProxyURL       string `json:"stt_proxy_url,omitempty"`
	STTTimeoutSeconds int    `json:"stt_timeout_seconds,omitempty"` // default 30
	STTTenantID       string `json:"stt_tenant_id,omitempty"`
	STTAPIKey         string `json:"-"` // from env LOOMRELAY_STT_API_KEY only
}

type WhatsAppConfig struct {
	Enabled     bool                `json:"enabled"`
	BridgeURL   string              `json:"bridge_url"`
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`    // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
}

// WeComConfig configures the WeCom (企业微信) send-only channel.
// Secret comes from env LOOMRELAY_WECOM_SECRET only.
type WeComConfig struct {
	Enabled   bool                `json:"enabled"`
	CorpID    string              `json:"corp_id"`
	AgentID   int64               `json:"agent_id"`
	Secret    string              `json:"-"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

// ShangwangConfig configures the 商网 CDP-IM bridge channel.
type ShangwangConfig struct {
	Enabled             bool                `json:"enabled"`
	BridgeURL           string              `json:"bridge_url"` // ws://localhost:18791
	AllowFrom           FlexibleStringSlice `json:"allow_from"`
	MentionNames        FlexibleStringSlice `json:"mention_names,omitempty"`          // group messages must @-mention one of these
	SkipShortReplies    bool                `json:"skip_short_replies,omitempty"`     // drop very short DMs ("ok", "1", emoji)
	ShortReplyMaxLength int                 `json:"short_reply_max_length,omitempty"` // default 4 runes
	GroupReplyMaxLength int                 `json:"group_reply_max_length,omitempty"` // truncate group replies (default 500 runes)
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	Gemini     ProviderConfig `json:"gemini"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	DashScope  ProviderConfig `json:"dashscope"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" ||
		p.OpenAI.APIKey != "" ||
		p.OpenRouter.APIKey != "" ||
		p.Groq.APIKey != "" ||
		p.Gemini.APIKey != "" ||
		p.DeepSeek.APIKey != "" ||
		p.DashScope.APIKey != ""
}

// ToolsConfig controls tool availability and the web/browser tool settings.
type ToolsConfig struct {
	Allow          []string          `json:"allow,omitempty"` // allow list (empty = all registered tools)
	Deny           []string          `json:"deny,omitempty"`  // deny list (wins over allow)
	Web            WebToolsConfig    `json:"web"`
	Browser        BrowserToolConfig `json:"browser"`
	ExecTimeoutSec int               `json:"exec_timeout_sec,omitempty"` // shell_exec deadline (default 60)
}

// BrowserToolConfig controls the browser automation tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`            // enable the browser_automate tool
	Headless bool `json:"headless,omitempty"` // run Chrome in headless mode
}

type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
}

type BraveConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key"`
	MaxResults int    `json:"max_results"`
}

type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"max_results"`
}
