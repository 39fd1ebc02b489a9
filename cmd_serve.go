package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/room4-2/docsrelay/audio"
	"github.com/room4-2/docsrelay/config"
	"github.com/room4-2/docsrelay/gemini"
	"github.com/room4-2/docsrelay/metrics"
	"github.com/room4-2/docsrelay/server"
	"github.com/room4-2/docsrelay/session"
	"github.com/room4-2/docsrelay/transcription"
)

func init() {
	rootCmd.AddCommand(liveCmd, chatCmd)
}

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run the relay on a Gemini Live session (default port 9085)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(config.ModeLive)
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run the relay on a Gemini chat session (default port 9083)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(config.ModeChat)
	},
}

func serve(mode string) error {
	cfg, err := config.LoadConfig(mode)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := newGenAIClient(ctx, cfg)
	if err != nil {
		return err
	}
	m := metrics.NewMetrics(cfg.Mode)

	docs := newRetrieval(cfg, client, m)
	if _, err := docs.BuildOrLoad(ctx); err != nil {
		// Queries retry the build, so the relay can still start
		log.Printf("⚠️ Initial index build failed: %v", err)
	}

	var connector session.Connector
	switch cfg.Mode {
	case config.ModeLive:
		connector = session.LiveConnector(&gemini.LiveConnector{Client: client, DefaultModel: cfg.LiveModel})
	case config.ModeChat:
		connector = session.ChatConnector(&gemini.ChatConnector{
			Client:       client,
			DefaultModel: cfg.ChatModel,
			SampleRate:   cfg.SampleRate,
			MaxAudioSize: cfg.MaxBufferSize,
		})
	}

	sessionManager, err := session.NewManager(cfg, session.Dependencies{
		Connector:   connector,
		Retriever:   docs,
		Transcriber: transcription.NewClient(client.Models, cfg.TranscriptionModel),
		Encoder:     audio.NewTranscoder(cfg.SampleRate, cfg.Channels),
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	go sessionManager.StartCleanupRoutine(ctx)

	srv := server.NewServerWebsocket(cfg, sessionManager, m)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("\nReceived shutdown signal...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Println("Server stopped")
	return nil
}
