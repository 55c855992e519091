// Package server exposes an assistant to UI clients over WebSocket. Every
// client sees the same assistant: transcript updates, speaking and
// connection changes are broadcast, and any client may send commands.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/room4-2/voicelink/config"
	"github.com/room4-2/voicelink/conversation"
	"github.com/room4-2/voicelink/messages"
	"github.com/room4-2/voicelink/protocol"
	"github.com/room4-2/voicelink/session"
)

var json = sonic.ConfigStd

const defaultMaxClients = 8

// Assistant is the part of *session.Orchestrator the server drives.
type Assistant interface {
	Events() <-chan session.Event
	SessionID() string
	IsConnected() bool
	IsSpeaking() bool
	IsListening() bool

	SendText(text string) error
	SendAudio(data []byte) error
	SendScreenImage(data []byte) error
	Interrupt() error
	StartListening() error
	StopListening()
	SendToolResponse(responses []protocol.FunctionResponse) error

	StartNewConversation() (*conversation.Conversation, error)
	LoadConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	DeleteConversation(id string) error
	Conversations() []conversation.Summary

	Settings() config.UserSettings
	UpdateSettings(ctx context.Context, cfg *config.Config) error
}

// Options configure a Server. Zero values select defaults.
type Options struct {
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer   prometheus.Gatherer
	MaxClients int
	Logger     *slog.Logger
}

type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	assistant  Assistant
	clients    *hub
	logger     *slog.Logger

	cfgMu  sync.Mutex
	config *config.Config

	done         chan struct{}
	forwardDone  chan struct{}
	shutdownOnce sync.Once
}

// NewServerWebsocket creates the server and starts forwarding assistant
// events to clients. The server must be the only reader of
// assistant.Events().
func NewServerWebsocket(cfg *config.Config, assistant Assistant, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxClients := opts.MaxClients
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}

	s := &Server{
		assistant:   assistant,
		clients:     newHub(maxClients),
		logger:      logger.With("component", "server"),
		config:      cfg,
		done:        make(chan struct{}),
		forwardDone: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024,
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.forwardEvents()
	return s
}

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("websocket server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects every client and stops the HTTP server. The
// assistant itself is left running.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down server")
		close(s.done)
		s.clients.closeAll()
		err = s.httpServer.Shutdown(ctx)
		select {
		case <-s.forwardDone:
		case <-ctx.Done():
		}
	})
	return err
}

func (s *Server) forwardEvents() {
	defer close(s.forwardDone)
	events := s.assistant.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if msg := s.eventMessage(ev); msg != nil {
				s.clients.broadcast(msg)
			}
		}
	}
}

func (s *Server) eventMessage(ev session.Event) *messages.ServerMessage {
	sid := s.assistant.SessionID()
	switch ev.Kind {
	case session.EventMessage:
		return messages.NewTranscriptMessage(sid, ev.ConversationID, ev.Message)
	case session.EventConnection:
		status, text := messages.StatusDisconnected, ""
		if ev.Connected {
			status = messages.StatusConnected
		}
		if ev.Err != nil {
			text = ev.Err.Error()
		}
		return messages.NewStatusMessage(sid, s.status(status, text))
	case session.EventSpeaking:
		return messages.NewSpeakingMessage(sid, ev.Speaking)
	case session.EventToolCall:
		return messages.NewToolCallMessage(sid, ev.ConversationID, ev.ToolCalls)
	case session.EventError:
		return messages.NewErrorMessage(sid, messages.ErrCodeGeminiError, ev.Err.Error())
	}
	return nil
}

func (s *Server) status(status, message string) messages.StatusPayload {
	return messages.StatusPayload{
		Status:    status,
		Connected: s.assistant.IsConnected(),
		Speaking:  s.assistant.IsSpeaking(),
		Listening: s.assistant.IsListening(),
		Message:   message,
	}
}

func (s *Server) settingsView() messages.SettingsPayload {
	us := s.assistant.Settings()
	key := ""
	if us.APIKey != "" {
		key = config.MaskAPIKey(us.APIKey)
	}
	return messages.SettingsPayload{
		APIKey:                  key,
		VoiceName:               us.VoiceName,
		LanguageCode:            us.LanguageCode,
		SpeechRate:              us.SpeechRate,
		Volume:                  us.Volume,
		VoiceActivationEnabled:  us.VoiceActivationEnabled,
		ScreenContextEnabled:    us.ScreenContextEnabled,
		SaveConversationHistory: us.SaveConversationHistory,
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.New().String(), conn, s.logger)
	if err := s.clients.add(c); err != nil {
		s.logger.Warn("rejecting client", "error", err)
		data, _ := json.Marshal(messages.NewErrorMessage("", messages.ErrCodeCommandFailed, err.Error()))
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.Close()
		return
	}

	s.logger.Info("client connected", "client_id", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	initial := messages.StatusDisconnected
	if s.assistant.IsConnected() {
		initial = messages.StatusConnected
	}
	c.queueMessage(messages.NewStatusMessage(s.assistant.SessionID(), s.status(initial, "Session established")))
	c.queueMessage(messages.NewSettingsMessage(s.settingsView()))
	go c.readPump(s.handleMessage)

	<-c.closeChan

	s.clients.remove(c.id)
	s.logger.Info("client disconnected", "client_id", c.id)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body, _ := json.Marshal(map[string]any{
		"status":     "ok",
		"clients":    s.clients.count(),
		"connected":  s.assistant.IsConnected(),
		"speaking":   s.assistant.IsSpeaking(),
		"session_id": s.assistant.SessionID(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
