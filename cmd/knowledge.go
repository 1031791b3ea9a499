package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/knowledge"
)

func knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the local RAG knowledge base",
	}
	cmd.AddCommand(knowledgeIngestCmd())
	cmd.AddCommand(knowledgeStatusCmd())
	cmd.AddCommand(knowledgeClearWebCacheCmd())
	return cmd
}

// openKnowledgeStore builds the store from config, failing when no embedding
// endpoint is available (every knowledge operation needs one).
func openKnowledgeStore() *knowledge.Store {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fatal("load config: %v", err)
	}
	embed := buildEmbeddingFunc(cfg)
	if embed == nil {
		fatal("no embedding endpoint configured; set LOOMRELAY_EMBEDDING_API_KEY or an OpenAI key")
	}
	return knowledge.NewStore(cfg.WorkspacePath(), embed, knowledge.Options{
		ChunkSize:    cfg.Knowledge.ChunkSize,
		ChunkOverlap: cfg.Knowledge.ChunkOverlap,
		TopK:         cfg.Knowledge.TopK,
	})
}

func knowledgeIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Ingest files or directories into the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			kb := openKnowledgeStore()
			result := kb.AddPaths(context.Background(), args)
			fmt.Printf("added %d chunks\n", result.Added)
			for _, s := range result.Skipped {
				fmt.Printf("skipped: %s\n", s)
			}
			for _, e := range result.Errors {
				fmt.Printf("error: %s\n", e)
			}
			if len(result.Errors) > 0 {
				fatal("%d file(s) failed", len(result.Errors))
			}
		},
	}
}

func knowledgeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show chunk count and ingested sources",
		Run: func(cmd *cobra.Command, args []string) {
			kb := openKnowledgeStore()
			fmt.Printf("chunks: %d\n", kb.Count())
			sources := kb.ListSources()
			fmt.Printf("sources: %d\n", len(sources))
			for _, s := range sources {
				fmt.Printf("  %s\n", s)
			}
		},
	}
}

func knowledgeClearWebCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-web-cache",
		Short: "Evict the TTL web cache collection and its files",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			kb := openKnowledgeStore()
			if err := kb.ClearWebCache(); err != nil {
				fatal("clear web cache: %v", err)
			}
			fmt.Println("web cache cleared")
		},
	}
}
