package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/room4-2/voicelink/audio"
	"github.com/room4-2/voicelink/config"
	"github.com/room4-2/voicelink/conversation"
	"github.com/room4-2/voicelink/functions"
	"github.com/room4-2/voicelink/metrics"
	"github.com/room4-2/voicelink/session"
)

var (
	chatTextOnly  bool
	chatInputFile string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant from the terminal",
	Long: `Start a live session using the default microphone and speaker (SoX
rec/play). Typed lines are sent as text. Commands:

  /listen      start streaming the microphone
  /mute        stop streaming the microphone
  /interrupt   stop the current reply
  /new         start a new conversation
  /history     list conversations
  /volume <v>  set playback volume (0 to 1)
  /quit        exit`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatTextOnly, "text-only", false, "do not open audio devices")
	chatCmd.Flags().StringVar(&chatInputFile, "input-file", "", "replay a raw 16 kHz PCM file instead of the microphone")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.NewRegistry())
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
	if !chatTextOnly {
		sink := audio.NewPlaybackSink(&audio.SoxOutput{}, logger)
		sink.OnDrop = m.PlaybackDropped
		opts.Player = sink

		var input audio.InputDevice = &audio.SoxInput{}
		if chatInputFile != "" {
			input = &audio.FileInput{Path: chatInputFile, Realtime: true}
		}
		opts.Recorder = audio.NewCaptureSource(input, logger)
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
	defer shutdownAssistant(assistant, logger)

	out := cmd.OutOrStdout()
	if err := assistant.Initialize(ctx, cfg); err != nil {
		logger.Warn("live session unavailable, answering one request at a time", "error", err)
		return runFallbackChat(ctx, cmd, cfg, registry)
	}
	go printEvents(out, assistant.Events())

	if opts.Recorder != nil && cfg.Settings.VoiceActivationEnabled {
		if err := assistant.StartListening(); err != nil {
			logger.Warn("microphone unavailable", "error", err)
		} else {
			fmt.Fprintln(out, "listening... type /mute to stop")
		}
	}

	return chatLoop(ctx, cmd.InOrStdin(), out, assistant)
}

func printEvents(out io.Writer, events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.EventMessage:
			msg := ev.Message
			if !msg.Complete || msg.Text == "" {
				continue
			}
			switch msg.Role {
			case conversation.RoleAssistant:
				fmt.Fprintf(out, "assistant: %s\n", msg.Text)
			case conversation.RoleSystem:
				fmt.Fprintf(out, "! %s\n", msg.Text)
			}
		case session.EventToolCall:
			for _, c := range ev.ToolCalls {
				fmt.Fprintf(out, "[tool] %s\n", c.Name)
			}
		case session.EventConnection:
			if !ev.Connected {
				if ev.Err != nil {
					fmt.Fprintf(out, "disconnected: %v\n", ev.Err)
				} else {
					fmt.Fprintln(out, "disconnected")
				}
			}
		case session.EventError:
			fmt.Fprintf(out, "error: %v\n", ev.Err)
		}
	}
}

// parseCommand splits a slash command into its name and argument. ok is
// false for plain text.
func parseCommand(line string) (name, arg string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, a *session.Orchestrator) error {
	lines := readLines(in)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		name, arg, isCommand := parseCommand(line)
		if !isCommand {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := a.SendText(line); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			continue
		}

		var err error
		switch name {
		case "quit", "exit":
			return nil
		case "listen":
			err = a.StartListening()
			if err == nil {
				fmt.Fprintln(out, "listening")
			}
		case "mute":
			a.StopListening()
			fmt.Fprintln(out, "microphone off")
		case "interrupt":
			err = a.Interrupt()
		case "new":
			var c *conversation.Conversation
			if c, err = a.StartNewConversation(); err == nil {
				fmt.Fprintf(out, "new conversation %s\n", c.ID)
			}
		case "history":
			for _, s := range a.Conversations() {
				fmt.Fprintf(out, "%s  %-40s %3d messages  %s\n", s.ID, s.Title, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"))
			}
		case "volume":
			var v float64
			if v, err = strconv.ParseFloat(arg, 64); err == nil {
				a.SetVolume(v)
			}
		default:
			err = fmt.Errorf("unknown command /%s", name)
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

// runFallbackChat keeps a text conversation going through single requests.
func runFallbackChat(ctx context.Context, cmd *cobra.Command, cfg *config.Config, registry *functions.Registry) error {
	client, err := newFallback(cmd, cfg, registry)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "live session unavailable; text only")

	var history []*conversation.Message
	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if name, _, isCommand := parseCommand(line); isCommand {
				if name == "quit" || name == "exit" {
					return nil
				}
				fmt.Fprintln(out, "commands are unavailable without a live session")
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			answer, err := client.Ask(ctx, history, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			history = append(history,
				conversation.NewTextMessage(conversation.RoleUser, line),
				conversation.NewTextMessage(conversation.RoleAssistant, answer),
			)
			fmt.Fprintf(out, "assistant: %s\n", answer)
		}
	}
}
