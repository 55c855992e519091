package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/room4-2/voicelink/config"
	"github.com/room4-2/voicelink/functions"
	"github.com/room4-2/voicelink/store"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "voicelink",
	Short: "Real-time voice assistant on the Gemini Live API",
	Long: `voicelink - talk to Gemini in real time.

Commands:
  chat   Talk from the terminal with the local microphone and speaker
  serve  Run the assistant behind a local WebSocket for a desktop UI
  ask    Ask a single question without a live session
  remote Drive a running server from the terminal

Configuration comes from the environment (and a .env file):
  GEMINI_API_KEY      required
  VOICELINK_SETTINGS  optional YAML file holding user settings
  REDIS_URL           optional conversation archive`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(remoteCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Settings.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	return cfg, nil
}

func newRegistry(logger *slog.Logger) (*functions.Registry, error) {
	r := functions.NewRegistry(logger)
	if err := functions.RegisterBuiltins(r, time.Now); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	return r, nil
}

// openArchive returns nil when no Redis address is configured.
func openArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.RedisArchive, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	a, err := store.NewRedisArchive(ctx, store.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		TTL:      cfg.HistoryTTL,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("conversation archive enabled", "addr", cfg.RedisURL)
	return a, nil
}
