// Package tools holds the process-wide tool registry the agent loop exposes
// to the model: RAG search over the local knowledge store, browser
// automation, web search/fetch, shell execution, and workspace file access.
// Tools are stateless with respect to invocations; long-lived resources
// (workspace path, knowledge store, HTTP clients) are held by the tool value
// and per-call routing data travels in the context.
package tools

import "context"

// Tool is one callable capability advertised to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers a late result from a tool that returned Async.
type AsyncCallback func(content string)
