// shangwang-bridge is the side-car that attaches to the 商网 desktop IM over
// the Chrome DevTools Protocol and exposes a local WebSocket to the gateway.
//
// The IM client must be started with --remote-debugging-port=<cdp_port> and
// be logged in with the chat view open.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomrelay/loomrelay/internal/bridge"
)

func main() {
	configPath := flag.String("config", "", "path to bridge config file (JSON5, optional)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	slog.Info("shangwang bridge starting",
		"ws", fmt.Sprintf("ws://%s:%d", cfg.WSHost, cfg.WSPort),
		"cdp", fmt.Sprintf("http://%s:%d", cfg.CDPHost, cfg.CDPPort),
		"poll_interval_sec", cfg.PollIntervalSec,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := bridge.NewBridgeServer(cfg)
	if err := server.Run(ctx); err != nil {
		slog.Error("bridge server failed", "error", err)
		os.Exit(1)
	}
}
