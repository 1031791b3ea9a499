// Package bootstrap seeds and loads the workspace context files that shape
// the agent's persona, user profile, and tool usage notes.
package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
)

// Workspace context file names, injected into the system prompt in this order.
const (
	AgentsFile    = "AGENTS.md"    // operating instructions
	SoulFile      = "SOUL.md"      // persona and tone
	ToolsFile     = "TOOLS.md"     // tool usage notes
	IdentityFile  = "IDENTITY.md"  // who the assistant is
	UserFile      = "USER.md"      // who the user is
	HeartbeatFile = "HEARTBEAT.md" // heartbeat duties
	BootstrapFile = "BOOTSTRAP.md" // first-run ritual, removed after onboarding
)

// loadOrder fixes the injection order of context files.
var loadOrder = []string{
	AgentsFile,
	SoulFile,
	ToolsFile,
	IdentityFile,
	UserFile,
	HeartbeatFile,
	BootstrapFile,
}

// ContextFile is one loaded workspace context file.
type ContextFile struct {
	Path    string
	Content string
}

// perFileMaxChars truncates any single oversized context file.
const perFileMaxChars = 20000

// LoadWorkspaceFiles reads the known context files present in the workspace.
// Missing files are skipped; oversized ones are truncated.
func LoadWorkspaceFiles(workspaceDir string) []ContextFile {
	var files []ContextFile
	for _, name := range loadOrder {
		data, err := os.ReadFile(filepath.Join(workspaceDir, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		if len(content) > perFileMaxChars {
			content = content[:perFileMaxChars] + "\n[truncated]"
		}
		files = append(files, ContextFile{Path: name, Content: content})
	}
	return files
}
