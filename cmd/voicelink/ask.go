package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/room4-2/voicelink/config"
	"github.com/room4-2/voicelink/fallback"
	"github.com/room4-2/voicelink/functions"
	"github.com/room4-2/voicelink/session"
)

var askBaseURL string

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask one question through the request/response API",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry, err := newRegistry(slog.Default())
		if err != nil {
			return err
		}
		client, err := newFallback(cmd, cfg, registry)
		if err != nil {
			return err
		}

		answer, err := client.Ask(cmd.Context(), nil, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), answer)
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askBaseURL, "base-url", "", "override the API endpoint")
}

func newFallback(cmd *cobra.Command, cfg *config.Config, registry *functions.Registry) (*fallback.Client, error) {
	return fallback.New(cmd.Context(), fallback.Options{
		APIKey:            cfg.Settings.APIKey,
		Model:             cfg.FallbackModel,
		SystemInstruction: session.SystemInstruction(cfg.SystemInstruction, cfg.Settings.SpeechRate),
		BaseURL:           askBaseURL,
		Functions:         registry,
		Logger:            slog.Default(),
	})
}
