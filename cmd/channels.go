package cmd

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/store/file"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect and connect chat transports",
	}
	cmd.AddCommand(channelsStatusCmd())
	cmd.AddCommand(channelsLoginCmd())
	cmd.AddCommand(channelsApproveCmd())
	return cmd
}

func channelsApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pending pairing code",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fatal("load config: %v", err)
			}
			store, err := file.NewPairingStore(filepath.Join(filepath.Dir(config.ExpandHome(cfg.Cron.StorePath)), "pairing.json"))
			if err != nil {
				fatal("open pairing store: %v", err)
			}
			if err := store.Approve(args[0]); err != nil {
				fatal("approve: %v", err)
			}
			fmt.Printf("pairing %s approved\n", args[0])
		},
	}
}

func channelsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which channels are enabled and reachable",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fatal("load config: %v", err)
			}

			printStatus := func(name string, enabled bool, detail string) {
				state := "disabled"
				if enabled {
					state = "enabled"
				}
				fmt.Printf("  %-10s %-9s %s\n", name, state, detail)
			}

			fmt.Println("Channels:")
			printStatus("telegram", cfg.Channels.Telegram.Enabled, describeToken(cfg.Channels.Telegram.Token != "", "token"))
			printStatus("whatsapp", cfg.Channels.WhatsApp.Enabled, probeWebSocket(cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL))
			printStatus("wecom", cfg.Channels.WeCom.Enabled, describeToken(cfg.Channels.WeCom.Secret != "", "secret"))
			printStatus("shangwang", cfg.Channels.Shangwang.Enabled, probeWebSocket(cfg.Channels.Shangwang.Enabled, cfg.Channels.Shangwang.BridgeURL))
		},
	}
}

func channelsLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [channel]",
		Short: "Connect a channel that needs an external login step",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fatal("load config: %v", err)
			}
			target := "whatsapp"
			if len(args) > 0 {
				target = args[0]
			}
			switch target {
			case "whatsapp":
				if cfg.Channels.WhatsApp.BridgeURL == "" {
					fatal("whatsapp bridge_url not configured")
				}
				fmt.Printf("Connect to the WhatsApp bridge at %s and scan the QR code it displays.\n", cfg.Channels.WhatsApp.BridgeURL)
				fmt.Println(probeWebSocket(true, cfg.Channels.WhatsApp.BridgeURL))
			case "shangwang":
				if cfg.Channels.Shangwang.BridgeURL == "" {
					fatal("shangwang bridge_url not configured")
				}
				fmt.Println("Start the desktop IM with remote debugging enabled, then run `shangwang-bridge`.")
				fmt.Println(probeWebSocket(true, cfg.Channels.Shangwang.BridgeURL))
			case "telegram", "wecom":
				fmt.Printf("%s needs no login step; set its credentials in the config file or environment.\n", target)
			default:
				fatal("unknown channel %q", target)
			}
		},
	}
}

func describeToken(present bool, what string) string {
	if present {
		return what + " set"
	}
	return what + " missing"
}

// probeWebSocket attempts a short-lived connection to a bridge URL and
// reports reachability. Disabled channels skip the probe.
func probeWebSocket(enabled bool, url string) string {
	if !enabled || url == "" {
		return ""
	}
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Sprintf("bridge unreachable (%v)", err)
	}
	conn.Close()
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Sprintf("bridge answered with status %d", resp.StatusCode)
	}
	return "bridge reachable"
}
