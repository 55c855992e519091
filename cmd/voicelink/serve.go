package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/voicelink/audio"
	"github.com/room4-2/voicelink/metrics"
	"github.com/room4-2/voicelink/server"
	"github.com/room4-2/voicelink/session"
)

const shutdownTimeout = 10 * time.Second

var (
	serveNoAudio    bool
	serveMaxClients int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the assistant to a desktop UI over WebSocket",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoAudio, "no-audio", false, "do not open the local microphone and speaker")
	serveCmd.Flags().IntVar(&serveMaxClients, "max-clients", 0, "maximum concurrent UI connections (0 uses the default)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry, err := newRegistry(logger)
	if err != nil {
		return err
	}

	opts := session.Options{
		Functions:         registry,
		AutoToolResponses: true,
		Logger:            logger,
		Metrics:           m,
	}
	if !serveNoAudio {
		sink := audio.NewPlaybackSink(&audio.SoxOutput{}, logger)
		sink.OnDrop = m.PlaybackDropped
		opts.Player = sink
		opts.Recorder = audio.NewCaptureSource(&audio.SoxInput{}, logger)
	}

	archive, err := openArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if archive != nil {
		defer archive.Close()
		opts.Archive = archive
	}

	assistant := session.New(opts)
	if archive != nil {
		if _, err := assistant.RestoreHistory(ctx); err != nil {
			logger.Warn("failed to restore conversation history", "error", err)
		}
	}

	if err := assistant.Initialize(ctx, cfg); err != nil {
		shutdownAssistant(assistant, logger)
		return fmt.Errorf("start assistant: %w", err)
	}

	srv := server.NewServerWebsocket(cfg, assistant, server.Options{
		Gatherer:   reg,
		MaxClients: serveMaxClients,
		Logger:     logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		shutdownAssistant(assistant, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func shutdownAssistant(a *session.Orchestrator, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		logger.Error("assistant shutdown error", "error", err)
	}
}
