package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomrelay/loomrelay/internal/agent"
	"github.com/loomrelay/loomrelay/internal/bootstrap"
	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/knowledge"
	"github.com/loomrelay/loomrelay/internal/sessions"
	"github.com/loomrelay/loomrelay/internal/store/file"
	"github.com/loomrelay/loomrelay/internal/transcript"
)

func agentCmd() *cobra.Command {
	var message string
	var sessionKey string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a single agent turn locally, without any transport",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			if message == "" {
				fatal("a message is required: agent -m <msg>")
			}

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fatal("load config: %v", err)
			}
			loop, err := buildLocalLoop(cfg)
			if err != nil {
				fatal("%v", err)
			}

			if sessionKey == "" {
				sessionKey = sessions.BuildSessionKey("cli", "local")
			}
			result, err := loop.Run(context.Background(), agent.RunRequest{
				SessionKey: sessionKey,
				Message:    message,
				Channel:    "cli",
				ChatID:     "local",
				RunID:      "cli-" + time.Now().Format("150405"),
			})
			if err != nil {
				fatal("agent run: %v", err)
			}
			fmt.Println(result.Content)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to send to the agent")
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default cli:local)")
	return cmd
}

// buildLocalLoop assembles the agent stack for one-shot CLI turns: provider,
// tools, sessions, knowledge, transcripts — everything the gateway wires,
// minus the bus and transports.
func buildLocalLoop(cfg *config.Config) (*agent.Loop, error) {
	if !cfg.HasAnyProvider() {
		return nil, fmt.Errorf("no LLM provider configured; run `loomrelay onboard`")
	}
	providerReg := buildProviderRegistry(cfg)
	provider, err := providerReg.Get(cfg.Agent.Provider)
	if err != nil {
		names := providerReg.List()
		if len(names) == 0 {
			return nil, fmt.Errorf("no usable LLM provider")
		}
		provider, _ = providerReg.Get(names[0])
	}

	workspace := cfg.WorkspacePath()
	if _, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		return nil, fmt.Errorf("seed workspace: %w", err)
	}

	var kb *knowledge.Store
	if embed := buildEmbeddingFunc(cfg); embed != nil {
		kb = knowledge.NewStore(workspace, embed, knowledge.Options{
			ChunkSize:    cfg.Knowledge.ChunkSize,
			ChunkOverlap: cfg.Knowledge.ChunkOverlap,
			TopK:         cfg.Knowledge.TopK,
		})
	}

	sessionMgr := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))
	return agent.NewLoop(agent.LoopConfig{
		Provider:        provider,
		Model:           cfg.Agent.Model,
		MaxTokens:       cfg.Agent.MaxTokens,
		Temperature:     cfg.Agent.Temperature,
		ContextWindow:   cfg.Agent.ContextWindow,
		MaxIterations:   cfg.Agent.MaxToolIterations,
		Workspace:       workspace,
		ThinkingLevel:   cfg.Agent.ThinkingLevel,
		Sessions:        file.NewFileSessionStore(sessionMgr),
		Tools:           buildToolRegistry(cfg, workspace, kb),
		ToolPolicy:      buildToolPolicy(cfg),
		Knowledge:       kb,
		AutoContext:     cfg.Knowledge.AutoContext,
		Transcripts:     transcript.NewRecorder(workspace, cfg.ChatHistory.AdminNames, cfg.ChatHistory.AdminIDs),
		ContextFiles:    bootstrap.LoadWorkspaceFiles(workspace),
		MaxMessageChars: cfg.Gateway.MaxMessageChars,
		TurnTimeout:     time.Duration(cfg.Agent.TurnTimeoutSec) * time.Second,
		LLMTimeout:      time.Duration(cfg.Agent.LLMTimeoutSec) * time.Second,
		ToolTimeout:     time.Duration(cfg.Agent.ToolTimeoutSec) * time.Second,
	}), nil
}
