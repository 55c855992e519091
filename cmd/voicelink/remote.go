package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/room4-2/voicelink/audio"
	"github.com/room4-2/voicelink/messages"
)

var json = sonic.ConfigStd

// remoteChunk is the pace at which --file audio is streamed.
const remoteChunk = 100 * time.Millisecond

var (
	remoteURL  string
	remoteFile string
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Drive a running 'voicelink serve' from the terminal",
	Long: `Connect to the WebSocket of a running server, print what the assistant
says and send typed lines as text. With --file, a raw 16 kHz PCM or WAV
file is streamed first as if it were the microphone.`,
	RunE: runRemote,
}

func init() {
	remoteCmd.Flags().StringVar(&remoteURL, "server", "ws://localhost:8080/ws", "WebSocket server URL")
	remoteCmd.Flags().StringVar(&remoteFile, "file", "", "PCM or WAV file to stream before reading stdin")
}

func runRemote(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	logger := slog.Default()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, remoteURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", remoteURL, err)
	}
	defer conn.Close()
	logger.Info("connected", "server", remoteURL)

	out := cmd.OutOrStdout()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
					logger.Warn("read error", "error", err)
				}
				return
			}
			printServerMessage(out, data)
		}
	}()

	if remoteFile != "" {
		pcm, err := loadAudioFile(remoteFile)
		if err != nil {
			return err
		}
		if err := streamAudio(ctx, conn, pcm); err != nil {
			return err
		}
		logger.Info("audio sent", "bytes", len(pcm))
	}

	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return closeRemote(conn)
		case <-done:
			return nil
		case line, ok := <-lines:
			if !ok {
				return closeRemote(conn)
			}
			msg, err := remoteMessage(line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if msg == nil {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

func closeRemote(conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// remoteMessage turns a typed line into a client message. Slash commands
// map to control actions; anything else is text.
func remoteMessage(line string) (*messages.ClientMessage, error) {
	name, _, isCommand := parseCommand(line)
	if !isCommand {
		if strings.TrimSpace(line) == "" {
			return nil, nil
		}
		return newClientMessage(messages.TypeText, messages.TextPayload{Text: line})
	}

	var action string
	switch name {
	case "interrupt":
		action = messages.ActionInterrupt
	case "listen":
		action = messages.ActionStartListening
	case "mute":
		action = messages.ActionStopListening
	case "new":
		action = messages.ActionNewConversation
	case "status":
		action = messages.ActionStatus
	case "ping":
		action = messages.ActionPing
	case "history":
		return newClientMessage(messages.TypeConversation, messages.ConversationPayload{Action: messages.ConversationList})
	default:
		return nil, fmt.Errorf("unknown command /%s", name)
	}
	return newClientMessage(messages.TypeControl, messages.ControlPayload{Action: action})
}

func newClientMessage(typ string, payload any) (*messages.ClientMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &messages.ClientMessage{Type: typ, Payload: raw}, nil
}

type serverEnvelope struct {
	Type    string `json:"type"`
	Payload struct {
		Message *struct {
			Role     string `json:"role"`
			Text     string `json:"text"`
			Complete bool   `json:"complete"`
		} `json:"message"`
		Status        string `json:"status"`
		Code          string `json:"code"`
		Speaking      bool   `json:"speaking"`
		Conversations []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"conversations"`
	} `json:"payload"`
}

func printServerMessage(out io.Writer, data []byte) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		fmt.Fprintf(out, "unreadable message: %v\n", err)
		return
	}
	p := env.Payload
	switch env.Type {
	case messages.TypeMessage:
		if p.Message != nil && p.Message.Complete && p.Message.Text != "" && p.Message.Role != "user" {
			fmt.Fprintf(out, "%s: %s\n", p.Message.Role, p.Message.Text)
		}
	case messages.TypeStatus:
		fmt.Fprintf(out, "[%s]\n", p.Status)
	case messages.TypeConversations:
		for _, c := range p.Conversations {
			fmt.Fprintf(out, "%s  %s\n", c.ID, c.Title)
		}
	case messages.TypeError:
		fmt.Fprintf(out, "error: %s\n", data)
	}
}

func streamAudio(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	size := audio.CaptureFormat.BytesInDuration(remoteChunk)
	ticker := time.NewTicker(remoteChunk)
	defer ticker.Stop()
	for i := 0; i < len(pcm); i += size {
		end := min(i+size, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[i:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// loadAudioFile returns raw PCM, skipping a standard 44-byte WAV header.
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		return data[44:], nil
	}
	return data, nil
}
