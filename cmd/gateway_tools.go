package cmd

import (
	"time"

	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/knowledge"
	"github.com/loomrelay/loomrelay/internal/tools"
)

// buildToolPolicy builds the allow/deny filter for the tool manifest; nil
// when neither list is configured (all registered tools exposed).
func buildToolPolicy(cfg *config.Config) *tools.PolicyEngine {
	if len(cfg.Tools.Allow) == 0 && len(cfg.Tools.Deny) == 0 {
		return nil
	}
	return tools.NewPolicyEngine(cfg.Tools.Allow, cfg.Tools.Deny)
}

// buildToolRegistry assembles the fixed tool set: knowledge (RAG), browser
// automation, web search/fetch, shell, and workspace file access. kb may be
// nil when no embedding endpoint is configured; the knowledge tools are then
// omitted.
func buildToolRegistry(cfg *config.Config, workspace string, kb *knowledge.Store) *tools.Registry {
	registry := tools.NewRegistry()

	if kb != nil {
		registry.Register(tools.NewKnowledgeSearchTool(kb))
		registry.Register(tools.NewKnowledgeListTool(kb))
		registry.Register(tools.NewKnowledgeIngestTool(kb))
		registry.Register(tools.NewKnowledgeGetDocumentTool(kb))
	}

	if cfg.Tools.Browser.Enabled {
		registry.Register(tools.NewBrowserTool(cfg.Tools.Browser.Headless))
	}

	if webSearch := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:     cfg.Tools.Web.Brave.APIKey,
		BraveEnabled:    cfg.Tools.Web.Brave.Enabled,
		BraveMaxResults: cfg.Tools.Web.Brave.MaxResults,
		DDGEnabled:      cfg.Tools.Web.DuckDuckGo.Enabled,
		DDGMaxResults:   cfg.Tools.Web.DuckDuckGo.MaxResults,
	}); webSearch != nil {
		if kb != nil {
			webSearch.SetKnowledgeSink(kb.AddToWebCache)
		}
		registry.Register(webSearch)
	}

	webFetch := tools.NewWebFetchTool(tools.WebFetchConfig{})
	if kb != nil {
		webFetch.SetKnowledgeSink(kb.AddToWebCache)
	}
	registry.Register(webFetch)

	execTimeout := time.Duration(cfg.Tools.ExecTimeoutSec) * time.Second
	registry.Register(tools.NewExecTool(workspace, execTimeout))
	restrict := cfg.Agent.RestrictToWorkspace
	registry.Register(tools.NewReadFileTool(workspace, restrict))
	registry.Register(tools.NewWriteFileTool(workspace, restrict))
	registry.Register(tools.NewListFilesTool(workspace, restrict))

	return registry
}
