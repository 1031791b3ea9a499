package agent

import (
	"fmt"
	"strings"

	"github.com/loomrelay/loomrelay/internal/bootstrap"
)

// PromptMode selects how much context the system prompt carries.
type PromptMode int

const (
	// PromptFull includes every workspace context file.
	PromptFull PromptMode = iota
	// PromptMinimal skips persona files for synthetic turns (cron, heartbeat).
	PromptMinimal
)

// SystemPromptConfig feeds BuildSystemPrompt.
type SystemPromptConfig struct {
	Model        string
	Workspace    string
	Channel      string
	Mode         PromptMode
	ToolNames    []string
	ContextFiles []bootstrap.ContextFile
	ExtraPrompt  string
}

// minimalModeFiles are the context files still injected for synthetic turns.
var minimalModeFiles = map[string]bool{
	bootstrap.AgentsFile:    true,
	bootstrap.ToolsFile:     true,
	bootstrap.HeartbeatFile: true,
}

// BuildSystemPrompt assembles the system message: a short runtime preamble
// followed by the workspace context files.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var sb strings.Builder

	sb.WriteString("You are a personal assistant reachable over chat.\n\n")
	fmt.Fprintf(&sb, "Runtime: model %s", cfg.Model)
	if cfg.Channel != "" {
		fmt.Fprintf(&sb, ", channel %s", cfg.Channel)
	}
	if cfg.Workspace != "" {
		fmt.Fprintf(&sb, ", workspace %s", cfg.Workspace)
	}
	sb.WriteString(".\n")
	if len(cfg.ToolNames) > 0 {
		fmt.Fprintf(&sb, "Available tools: %s.\n", strings.Join(cfg.ToolNames, ", "))
	}

	for _, cf := range cfg.ContextFiles {
		if cfg.Mode == PromptMinimal && !minimalModeFiles[cf.Path] {
			continue
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", cf.Path, cf.Content)
	}

	if cfg.ExtraPrompt != "" {
		sb.WriteString("\n")
		sb.WriteString(cfg.ExtraPrompt)
		sb.WriteString("\n")
	}

	return strings.TrimSpace(sb.String())
}
