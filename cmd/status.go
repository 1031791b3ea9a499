package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/cron"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway configuration at a glance",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fatal("load config: %v", err)
			}

			fmt.Printf("loomrelay %s\n\n", Version)
			fmt.Printf("config:    %s (hash %s)\n", cfgPath, cfg.Hash())
			fmt.Printf("workspace: %s\n", cfg.WorkspacePath())
			fmt.Printf("provider:  %s (model %s)\n", cfg.Agent.Provider, cfg.Agent.Model)

			reg := buildProviderRegistry(cfg)
			if names := reg.List(); len(names) > 0 {
				fmt.Printf("usable:    %s\n", strings.Join(names, ", "))
			} else {
				fmt.Println("usable:    none — run `loomrelay onboard`")
			}

			enabled := []string{}
			for name, on := range map[string]bool{
				"telegram":  cfg.Channels.Telegram.Enabled,
				"whatsapp":  cfg.Channels.WhatsApp.Enabled,
				"wecom":     cfg.Channels.WeCom.Enabled,
				"shangwang": cfg.Channels.Shangwang.Enabled,
			} {
				if on {
					enabled = append(enabled, name)
				}
			}
			if len(enabled) == 0 {
				fmt.Println("channels:  none enabled")
			} else {
				fmt.Printf("channels:  %s\n", strings.Join(enabled, ", "))
			}

			if store, err := cron.NewStore(config.ExpandHome(cfg.Cron.StorePath)); err == nil {
				jobs := store.List()
				active := 0
				for _, j := range jobs {
					if j.Enabled {
						active++
					}
				}
				fmt.Printf("cron:      %d job(s), %d enabled\n", len(jobs), active)
			}

			sessionDir := config.ExpandHome(cfg.Sessions.Storage)
			if entries, err := os.ReadDir(sessionDir); err == nil {
				count := 0
				for _, e := range entries {
					if strings.HasSuffix(e.Name(), ".json") {
						count++
					}
				}
				fmt.Printf("sessions:  %d on disk\n", count)
			}

			fmt.Printf("heartbeat: every %s\n", cfg.Heartbeat.Interval().Round(time.Minute))
		},
	}
}
