package bridge

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Config tunes the bridge side-car. All fields have working defaults; a
// config file is optional.
type Config struct {
	CDPHost string `json:"cdp_host,omitempty"` // default 127.0.0.1
	CDPPort int    `json:"cdp_port,omitempty"` // default 9222
	WSHost  string `json:"ws_host,omitempty"`  // default 127.0.0.1
	WSPort  int    `json:"ws_port,omitempty"`  // default 18791

	PollIntervalSec int `json:"poll_interval_sec,omitempty"` // default 3
	HookRetryTicks  int `json:"hook_retry_ticks,omitempty"`  // re-inject every N ticks while unhooked (default 5 ≈ 15s)
	DedupWindowSec  int `json:"dedup_window_sec,omitempty"`  // default 5

	// MutationNames overrides the store mutation names treated as incoming
	// messages; the upstream app renames these across releases.
	MutationNames []string `json:"mutation_names,omitempty"`

	DownloadDir   string `json:"download_dir,omitempty"`    // where fetched attachments land
	LocalCacheDir string `json:"local_cache_dir,omitempty"` // the IM's own download dir, last-resort copy source
}

func (c *Config) withDefaults() {
	if c.CDPHost == "" {
		c.CDPHost = "127.0.0.1"
	}
	if c.CDPPort == 0 {
		c.CDPPort = 9222
	}
	if c.WSHost == "" {
		c.WSHost = "127.0.0.1"
	}
	if c.WSPort == 0 {
		c.WSPort = 18791
	}
	if c.PollIntervalSec <= 0 {
		c.PollIntervalSec = 3
	}
	if c.HookRetryTicks <= 0 {
		c.HookRetryTicks = 5
	}
	if c.DedupWindowSec <= 0 {
		c.DedupWindowSec = 5
	}
	if len(c.MutationNames) == 0 {
		c.MutationNames = DefaultMutationNames
	}
}

// PollInterval returns the poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// DedupWindow returns the duplicate-suppression window.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSec) * time.Second
}

// LoadConfig reads an optional JSON5 config file and overlays env vars
// (SHANGWANG_BRIDGE_CDP_PORT, SHANGWANG_BRIDGE_WS_PORT).
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read bridge config: %w", err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse bridge config: %w", err)
		}
	}
	if v := os.Getenv("SHANGWANG_BRIDGE_CDP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.CDPPort = port
		}
	}
	if v := os.Getenv("SHANGWANG_BRIDGE_WS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.WSPort = port
		}
	}
	cfg.withDefaults()
	return cfg, nil
}
