package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/loomrelay/loomrelay/internal/bootstrap"
	"github.com/loomrelay/loomrelay/internal/config"
)

// providerEnvKeys maps provider name to its API-key env var, in auto-detect
// priority order. First env var found wins.
var providerEnvKeys = []struct {
	name   string
	envKey string
	model  string
}{
	{"anthropic", "LOOMRELAY_ANTHROPIC_API_KEY", "claude-sonnet-4-5-20250929"},
	{"openai", "LOOMRELAY_OPENAI_API_KEY", "gpt-4o"},
	{"openrouter", "LOOMRELAY_OPENROUTER_API_KEY", "anthropic/claude-sonnet-4-5-20250929"},
	{"groq", "LOOMRELAY_GROQ_API_KEY", "llama-3.3-70b-versatile"},
	{"gemini", "LOOMRELAY_GEMINI_API_KEY", "gemini-2.0-flash"},
	{"deepseek", "LOOMRELAY_DEEPSEEK_API_KEY", "deepseek-chat"},
	{"dashscope", "LOOMRELAY_DASHSCOPE_API_KEY", "qwen-max"},
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "First-run setup: pick a provider, seed the workspace, write config",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfgPath := resolveConfigPath()
			if canAutoOnboard() {
				runAutoOnboard(cfgPath)
				return
			}
			runInteractiveOnboard(cfgPath)
		},
	}
}

// canAutoOnboard reports whether any provider API key is present in the
// environment, indicating non-interactive setup (e.g. Docker).
func canAutoOnboard() bool {
	for _, p := range providerEnvKeys {
		if os.Getenv(p.envKey) != "" {
			return true
		}
	}
	return false
}

// runAutoOnboard performs non-interactive setup from environment variables.
func runAutoOnboard(cfgPath string) {
	fmt.Println("Auto-onboard: environment variables detected, running non-interactive setup...")

	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	provider := ""
	for _, p := range providerEnvKeys {
		if os.Getenv(p.envKey) != "" {
			provider = p.name
			if cfg.Agent.Model == config.Default().Agent.Model && p.name != "anthropic" {
				cfg.Agent.Model = p.model
			}
			break
		}
	}
	cfg.Agent.Provider = provider
	fmt.Printf("  Provider:  %s (model: %s)\n", provider, cfg.Agent.Model)

	finishOnboard(cfgPath, cfg)
}

// runInteractiveOnboard walks the user through provider and channel setup.
func runInteractiveOnboard(cfgPath string) {
	cfg := config.Default()

	var provider, apiKey, telegramToken string
	workspace := cfg.Agent.Workspace

	options := make([]huh.Option[string], 0, len(providerEnvKeys))
	for _, p := range providerEnvKeys {
		options = append(options, huh.NewOption(p.name, p.name))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Description("The model endpoint the agent talks to.").
				Options(options...).
				Value(&provider),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Persona files, knowledge base, and transcripts live here.").
				Value(&workspace),
			huh.NewInput().
				Title("Telegram bot token (optional)").
				Description("Leave empty to skip Telegram.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
		),
	)
	if err := form.Run(); err != nil {
		fatal("onboard aborted: %v", err)
	}
	if provider == "" || apiKey == "" {
		fatal("a provider and API key are required")
	}

	cfg.Agent.Provider = provider
	cfg.Agent.Workspace = workspace
	for _, p := range providerEnvKeys {
		if p.name == provider && provider != "anthropic" {
			cfg.Agent.Model = p.model
		}
	}
	switch provider {
	case "anthropic":
		cfg.Providers.Anthropic.APIKey = apiKey
	case "openai":
		cfg.Providers.OpenAI.APIKey = apiKey
	case "openrouter":
		cfg.Providers.OpenRouter.APIKey = apiKey
	case "groq":
		cfg.Providers.Groq.APIKey = apiKey
	case "gemini":
		cfg.Providers.Gemini.APIKey = apiKey
	case "deepseek":
		cfg.Providers.DeepSeek.APIKey = apiKey
	case "dashscope":
		cfg.Providers.DashScope.APIKey = apiKey
	}
	if telegramToken != "" {
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = telegramToken
	}

	finishOnboard(cfgPath, cfg)
}

func finishOnboard(cfgPath string, cfg *config.Config) {
	if err := config.Save(cfgPath, cfg); err != nil {
		fatal("write config: %v", err)
	}
	fmt.Printf("  Config:    %s\n", cfgPath)

	workspace := cfg.WorkspacePath()
	created, err := bootstrap.EnsureWorkspaceFiles(workspace)
	if err != nil {
		fatal("seed workspace: %v", err)
	}
	fmt.Printf("  Workspace: %s (%d files seeded)\n", workspace, len(created))
	fmt.Println("\nDone. Start the gateway with `loomrelay gateway`, or talk to the agent with `loomrelay agent -m \"hello\"`.")
}
