package tools

import (
	"log/slog"

	"github.com/loomrelay/loomrelay/internal/providers"
)

// PolicyEngine filters the tool manifest sent to the LLM by the configured
// allow/deny lists. An empty allow list admits every registered tool; deny
// wins over allow.
type PolicyEngine struct {
	allow map[string]bool
	deny  map[string]bool
}

// NewPolicyEngine creates a policy engine from allow/deny lists.
func NewPolicyEngine(allow, deny []string) *PolicyEngine {
	e := &PolicyEngine{}
	if len(allow) > 0 {
		e.allow = make(map[string]bool, len(allow))
		for _, name := range allow {
			e.allow[name] = true
		}
	}
	if len(deny) > 0 {
		e.deny = make(map[string]bool, len(deny))
		for _, name := range deny {
			e.deny[name] = true
		}
	}
	return e
}

// Allowed reports whether a tool passes the policy.
func (e *PolicyEngine) Allowed(name string) bool {
	if e == nil {
		return true
	}
	if e.deny[name] {
		return false
	}
	if e.allow != nil && !e.allow[name] {
		return false
	}
	return true
}

// FilterTools returns the registry's manifest with policy applied.
func (e *PolicyEngine) FilterTools(reg *Registry) []providers.ToolDefinition {
	defs := reg.ProviderDefs()
	if e == nil || (e.allow == nil && e.deny == nil) {
		return defs
	}
	filtered := make([]providers.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		if e.Allowed(def.Function.Name) {
			filtered = append(filtered, def)
		} else {
			slog.Debug("tool filtered by policy", "tool", def.Function.Name)
		}
	}
	return filtered
}
