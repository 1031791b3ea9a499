package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomrelay/loomrelay/internal/knowledge"
)

// KnowledgeSearchTool retrieves relevant chunks from the knowledge store.
type KnowledgeSearchTool struct {
	store *knowledge.Store
}

func NewKnowledgeSearchTool(store *knowledge.Store) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{store: store}
}

func (t *KnowledgeSearchTool) Name() string { return "knowledge_search" }
func (t *KnowledgeSearchTool) Description() string {
	return "Search the local knowledge base for relevant document chunks. Use for questions about policies, manuals, and other ingested documents."
}
func (t *KnowledgeSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
			"top_k": map[string]interface{}{
				"type":        "number",
				"description": "Number of chunks to return (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *KnowledgeSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	topK := 0
	if k, ok := args["top_k"].(float64); ok && k > 0 {
		topK = int(k)
	}

	results, err := t.store.Search(ctx, query, topK)
	if err != nil {
		return ErrorResult(fmt.Sprintf("knowledge search failed: %v", err))
	}
	if len(results) == 0 {
		return NewResult("No relevant documents found.")
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] %s (chunk %d, distance %.3f)\n%s\n\n", i+1, r.Source, r.Chunk, r.Distance, r.Content)
	}
	return NewResult(strings.TrimSpace(sb.String()))
}

// KnowledgeListTool lists the ingested sources.
type KnowledgeListTool struct {
	store *knowledge.Store
}

func NewKnowledgeListTool(store *knowledge.Store) *KnowledgeListTool {
	return &KnowledgeListTool{store: store}
}

func (t *KnowledgeListTool) Name() string { return "knowledge_list" }
func (t *KnowledgeListTool) Description() string {
	return "List the documents currently in the knowledge base"
}
func (t *KnowledgeListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *KnowledgeListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sources := t.store.ListSources()
	if len(sources) == 0 {
		return NewResult("Knowledge base is empty.")
	}
	return NewResult(fmt.Sprintf("%d sources, %d chunks:\n%s",
		len(sources), t.store.Count(), strings.Join(sources, "\n")))
}

// KnowledgeIngestTool ingests files or directories into the knowledge base.
type KnowledgeIngestTool struct {
	store *knowledge.Store
}

func NewKnowledgeIngestTool(store *knowledge.Store) *KnowledgeIngestTool {
	return &KnowledgeIngestTool{store: store}
}

func (t *KnowledgeIngestTool) Name() string { return "knowledge_ingest" }
func (t *KnowledgeIngestTool) Description() string {
	return "Ingest a file or directory (txt, md, pdf, docx, xlsx) into the knowledge base"
}
func (t *KnowledgeIngestTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File or directory to ingest",
			},
		},
		"required": []string{"path"},
	}
}

func (t *KnowledgeIngestTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	res := t.store.AddPaths(ctx, []string{path})
	var sb strings.Builder
	fmt.Fprintf(&sb, "added %d chunks", res.Added)
	if len(res.Skipped) > 0 {
		fmt.Fprintf(&sb, ", skipped %d empty files", len(res.Skipped))
	}
	for _, e := range res.Errors {
		sb.WriteString("\nerror: " + e)
	}
	if res.Added == 0 && len(res.Errors) > 0 {
		return ErrorResult(sb.String())
	}
	return NewResult(sb.String())
}

// KnowledgeGetDocumentTool returns the full text of one ingested source.
type KnowledgeGetDocumentTool struct {
	store *knowledge.Store
}

func NewKnowledgeGetDocumentTool(store *knowledge.Store) *KnowledgeGetDocumentTool {
	return &KnowledgeGetDocumentTool{store: store}
}

func (t *KnowledgeGetDocumentTool) Name() string { return "knowledge_get_document" }
func (t *KnowledgeGetDocumentTool) Description() string {
	return "Read the full text of a document in the knowledge base by its source path (as returned by knowledge_search or knowledge_list)"
}
func (t *KnowledgeGetDocumentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"source": map[string]interface{}{
				"type":        "string",
				"description": "Source path, e.g. \"long_term/handbook.md\"",
			},
		},
		"required": []string{"source"},
	}
}

func (t *KnowledgeGetDocumentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	source, _ := args["source"].(string)
	if source == "" {
		return ErrorResult("source is required")
	}
	text, err := t.store.GetDocument(source)
	if err != nil {
		return ErrorResult(fmt.Sprintf("get document %s: %v", source, err))
	}
	const maxDocChars = 100_000
	if len(text) > maxDocChars {
		text = text[:maxDocChars] + "\n[truncated]"
	}
	return NewResult(text)
}
