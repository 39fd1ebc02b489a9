package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/room4-2/docsrelay/config"
	"github.com/room4-2/docsrelay/rag"
)

var rebuildIndex bool

func init() {
	indexCmd.Flags().BoolVar(&rebuildIndex, "rebuild", false, "discard the persisted index and rebuild it")
	rootCmd.AddCommand(indexCmd, queryCmd)
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build the document index from the downloads directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		cfg, docs, err := offlineRetrieval(ctx)
		if err != nil {
			return err
		}

		if rebuildIndex {
			if err := docs.Rebuild(ctx); err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
		}
		idx, err := docs.BuildOrLoad(ctx)
		if err != nil {
			return fmt.Errorf("build index: %w", err)
		}

		fmt.Printf("Index in %s: %d chunk(s) from %d document(s), embedded with %s\n",
			cfg.StorageDir, len(idx.Chunks), len(idx.Sources), idx.EmbeddingModel)
		for _, src := range idx.Sources {
			fmt.Printf("  %s\n", src)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Answer a question from the indexed documents, as the query_docs tool does",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		_, docs, err := offlineRetrieval(ctx)
		if err != nil {
			return err
		}

		answer, err := docs.Query(ctx, strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		fmt.Println(answer)
		return nil
	},
}

// offlineRetrieval builds the retrieval service outside of a running relay
func offlineRetrieval(ctx context.Context) (*config.Config, *rag.Service, error) {
	cfg, err := config.LoadConfig(config.ModeLive)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := newGenAIClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newRetrieval(cfg, client, nil), nil
}
