package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomrelay/loomrelay/internal/agent"
	"github.com/loomrelay/loomrelay/internal/bus"
	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/cron"
	"github.com/loomrelay/loomrelay/internal/scheduler"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronEnableCmd())
	cmd.AddCommand(cronRunCmd())
	return cmd
}

func openCronStore() (*config.Config, *cron.Store) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fatal("load config: %v", err)
	}
	store, err := cron.NewStore(config.ExpandHome(cfg.Cron.StorePath))
	if err != nil {
		fatal("open cron store: %v", err)
	}
	return cfg, store
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			_, store := openCronStore()
			jobs := store.List()
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return
			}
			for _, job := range jobs {
				state := "disabled"
				if job.Enabled {
					state = "enabled"
				}
				next := "-"
				if job.State.NextRunAtMs > 0 {
					next = time.UnixMilli(job.State.NextRunAtMs).Format(time.RFC3339)
				}
				fmt.Printf("%s  %-20s %-24s %-8s runs=%d next=%s\n",
					job.ID, job.Name, job.Schedule.Describe(), state, job.State.RunCount, next)
			}
		},
	}
}

func cronAddCmd() *cobra.Command {
	var name, every, expr, at, message, to, channel string
	var deliver bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Run: func(cmd *cobra.Command, args []string) {
			if message == "" {
				fatal("--message is required")
			}
			schedule, err := parseScheduleFlags(every, expr, at)
			if err != nil {
				fatal("%v", err)
			}
			if deliver && (to == "" || channel == "") {
				fatal("--deliver requires --to and --channel")
			}

			_, store := openCronStore()
			job := &cron.Job{
				ID:       uuid.NewString()[:8],
				Name:     name,
				Schedule: schedule,
				Payload:  cron.Payload{Message: message, Deliver: deliver, To: to, Channel: channel},
				Enabled:  true,
			}
			if job.Name == "" {
				job.Name = job.ID
			}
			if err := store.Add(job); err != nil {
				fatal("add job: %v", err)
			}
			fmt.Printf("added job %s (%s)\n", job.ID, job.Schedule.Describe())
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&every, "every", "", "fixed interval, e.g. 30m or 24h")
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression, e.g. \"0 9 * * 1-5\"")
	cmd.Flags().StringVar(&at, "at", "", "one-shot instant, RFC3339")
	cmd.Flags().StringVar(&message, "message", "", "prompt injected into the agent when the job fires")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "deliver the agent's reply to a channel")
	cmd.Flags().StringVar(&to, "to", "", "delivery chat ID")
	cmd.Flags().StringVar(&channel, "channel", "", "delivery channel name")
	return cmd
}

// parseScheduleFlags builds the tagged schedule variant from exactly one of
// the three mutually exclusive flags.
func parseScheduleFlags(every, expr, at string) (cron.Schedule, error) {
	set := 0
	for _, v := range []string{every, expr, at} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return cron.Schedule{}, fmt.Errorf("exactly one of --every, --cron, --at is required")
	}
	switch {
	case every != "":
		d, err := time.ParseDuration(every)
		if err != nil || d <= 0 {
			return cron.Schedule{}, fmt.Errorf("invalid --every duration %q", every)
		}
		return cron.Schedule{Kind: cron.KindEvery, EveryMs: d.Milliseconds()}, nil
	case expr != "":
		s := cron.Schedule{Kind: cron.KindCron, Expr: expr}
		return s, s.Validate()
	default:
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --at instant %q (want RFC3339)", at)
		}
		return cron.Schedule{Kind: cron.KindAt, AtMs: t.UnixMilli()}, nil
	}
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, store := openCronStore()
			if err := store.Remove(args[0]); err != nil {
				fatal("remove job: %v", err)
			}
			fmt.Printf("removed job %s\n", args[0])
		},
	}
}

func cronEnableCmd() *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable (or with --disable, disable) a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, store := openCronStore()
			if err := store.SetEnabled(args[0], !disable); err != nil {
				fatal("update job: %v", err)
			}
			state := "enabled"
			if disable {
				state = "disabled"
			}
			fmt.Printf("job %s %s\n", args[0], state)
		},
	}
	cmd.Flags().BoolVar(&disable, "disable", false, "disable instead of enable")
	return cmd
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Fire a job immediately, outside its schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, store := openCronStore()
			loop, err := buildLocalLoop(cfg)
			if err != nil {
				fatal("%v", err)
			}
			// A throwaway bus: the CLI prints the reply instead of delivering
			// it to a live transport.
			msgBus := bus.NewMessageBus()
			sched := scheduler.New(store, func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
				result, err := loop.Run(ctx, req)
				if err == nil && result.Content != "" {
					fmt.Println(result.Content)
				}
				return result, err
			}, msgBus)
			if err := sched.RunNow(context.Background(), args[0]); err != nil {
				fatal("run job: %v", err)
			}
		},
	}
}
