package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxExecOutput = 64 * 1024

// ExecTool runs a shell command in the workspace with a deadline.
type ExecTool struct {
	workspace string
	timeout   time.Duration
}

func NewExecTool(workspace string, timeout time.Duration) *ExecTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExecTool{workspace: workspace, timeout: timeout}
}

func (t *ExecTool) Name() string        { return "shell_exec" }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Working directory (default: workspace root)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}
	cwd := t.workspace
	if ws := ToolWorkspaceFromCtx(ctx); ws != "" {
		cwd = ws
	}
	if wd, _ := args["working_dir"].(string); wd != "" {
		cwd = wd
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var sb strings.Builder
	if out := strings.TrimSpace(stdout.String()); out != "" {
		sb.WriteString(out)
	}
	if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[stderr]\n")
		sb.WriteString(errOut)
	}
	output := sb.String()
	if len(output) > maxExecOutput {
		output = output[:maxExecOutput] + "\n[output truncated]"
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", t.timeout, output))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, output))
	}
	if output == "" {
		return NewResult("(no output)")
	}
	return NewResult(output)
}
