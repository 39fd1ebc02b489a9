package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/room4-2/docsrelay/config"
	"github.com/room4-2/docsrelay/gemini"
	"github.com/room4-2/docsrelay/metrics"
	"github.com/room4-2/docsrelay/rag"
)

var rootCmd = &cobra.Command{
	Use:          "docsrelay",
	Short:        "Websocket relay between browser clients and Gemini, with answers from uploaded documents",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newGenAIClient creates the Gemini client shared by every component of the process
func newGenAIClient(ctx context.Context, cfg *config.Config) (*genai.Client, error) {
	client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	return client, nil
}

// newRetrieval wires the document index to Gemini embeddings and answers
func newRetrieval(cfg *config.Config, client *genai.Client, m *metrics.Metrics) *rag.Service {
	svc := rag.NewService(
		rag.Config{
			DocumentsDir: cfg.DownloadsDir,
			StorageDir:   cfg.StorageDir,
			ChunkTokens:  cfg.ChunkTokens,
			ChunkOverlap: cfg.ChunkOverlap,
			TopK:         cfg.TopK,
		},
		rag.NewGeminiEmbedder(client, cfg.EmbeddingModel),
		rag.NewGeminiSynthesizer(client, cfg.AnswerModel),
		rag.NewTokenCounter(),
	)
	if m != nil {
		svc.OnRebuild = m.RecordIndexRebuild
	}
	return svc
}
