// Package session coordinates one assistant: it owns the live connection,
// the microphone and speaker, and the conversation transcript, and turns
// connection events into UI notifications.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/room4-2/voicelink/audio"
	"github.com/room4-2/voicelink/config"
	"github.com/room4-2/voicelink/conversation"
	"github.com/room4-2/voicelink/functions"
	"github.com/room4-2/voicelink/gemini"
	"github.com/room4-2/voicelink/metrics"
	"github.com/room4-2/voicelink/protocol"
)

const (
	eventBufferSize     = 1024
	defaultSetupTimeout = 15 * time.Second
	disconnectTimeout   = 5 * time.Second
	archiveTimeout      = 5 * time.Second

	// DefaultAudioQueueSize is the number of microphone chunks, 50ms each,
	// that may wait for the connection before new ones are dropped.
	DefaultAudioQueueSize = 64
)

// Player is the local audio output. *audio.PlaybackSink implements it.
type Player interface {
	Initialize(format audio.Format, bufferDuration time.Duration) error
	Enqueue(data []byte) error
	Clear()
	SetVolume(v float64)
	Close() error
}

// Recorder is the microphone. *audio.CaptureSource implements it.
type Recorder interface {
	Start(cfg audio.CaptureConfig, onChunk func(audio.Chunk)) error
	Stop()
}

// Archive persists conversations. *store.RedisArchive implements it.
type Archive interface {
	Save(ctx context.Context, c *conversation.Conversation) error
	Load(ctx context.Context, id string) (*conversation.Conversation, error)
	List(ctx context.Context) ([]conversation.Summary, error)
	Delete(ctx context.Context, id string) error
}

// Options configure an Orchestrator. Every field is optional.
type Options struct {
	Dialer   gemini.Dialer
	Player   Player
	Recorder Recorder

	Functions *functions.Registry
	// AutoToolResponses answers tool calls with Functions instead of
	// waiting for SendToolResponse.
	AutoToolResponses bool

	Archive Archive
	// RetainAudio keeps received assistant audio on transcript messages.
	RetainAudio bool
	// AudioQueueSize bounds the outgoing microphone queue. Zero means
	// DefaultAudioQueueSize.
	AudioQueueSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Orchestrator is safe for concurrent use. Events must be drained.
type Orchestrator struct {
	conn        *gemini.Connection
	player      Player
	recorder    Recorder
	registry    *functions.Registry
	archive     Archive
	autoTools   bool
	retainAudio bool
	queueSize   int
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// mu guards the transcript and turn state below. It is never held
	// while calling into the connection or emitting.
	mu            sync.Mutex
	cfg           *config.Config
	initialized   bool
	shutdown      bool
	stopping      bool
	conversations []*conversation.Conversation
	current       *conversation.Conversation
	streaming     *conversation.Message
	suppress      bool
	pending       map[string]protocol.FunctionCall

	listenMu   sync.Mutex
	listening  bool
	audioQueue chan []byte
	senderDone chan struct{}

	speaking  atomic.Bool
	connected atomic.Bool

	events       chan Event
	eventsMu     sync.RWMutex
	eventsClosed bool

	bgCtx        context.Context
	bgCancel     context.CancelFunc
	bg           sync.WaitGroup
	done         chan struct{}
	dispatchDone chan struct{}
	shutdownOnce sync.Once
}

// New creates an orchestrator and starts consuming connection events.
// Call Initialize before sending anything.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AudioQueueSize <= 0 {
		opts.AudioQueueSize = DefaultAudioQueueSize
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		conn: gemini.NewConnection(gemini.Options{
			Dialer:  opts.Dialer,
			Logger:  logger,
			Metrics: opts.Metrics,
		}),
		player:       opts.Player,
		recorder:     opts.Recorder,
		registry:     opts.Functions,
		archive:      opts.Archive,
		autoTools:    opts.AutoToolResponses,
		retainAudio:  opts.RetainAudio,
		queueSize:    opts.AudioQueueSize,
		logger:       logger.With("component", "session"),
		metrics:      opts.Metrics,
		pending:      make(map[string]protocol.FunctionCall),
		events:       make(chan Event, eventBufferSize),
		bgCtx:        bgCtx,
		bgCancel:     bgCancel,
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	go o.dispatchLoop()
	return o
}

// Events returns the UI notification stream. It is closed by Shutdown.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// SessionID identifies the current live session, or is empty.
func (o *Orchestrator) SessionID() string {
	return o.conn.SessionID()
}

func (o *Orchestrator) IsConnected() bool {
	return o.conn.State() == gemini.StateActive
}

// IsSpeaking reports whether the assistant is mid-turn producing audio.
func (o *Orchestrator) IsSpeaking() bool {
	return o.speaking.Load()
}

func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: no configuration", ErrConfiguration)
	}
	key := cfg.Settings.APIKey
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY is not set", ErrConfiguration)
	}
	if !config.IsValidAPIKey(key) {
		return fmt.Errorf("%w: malformed API key %s", ErrConfiguration, config.MaskAPIKey(key))
	}
	return nil
}

// Initialize validates cfg, prepares playback and opens the live session.
// It returns once the service has acknowledged the setup.
func (o *Orchestrator) Initialize(ctx context.Context, cfg *config.Config) error {
	if err := validate(cfg); err != nil {
		return err
	}

	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return ErrShutdown
	}
	if o.initialized && o.IsConnected() {
		o.mu.Unlock()
		return nil
	}
	c := *cfg
	o.cfg = &c
	o.mu.Unlock()

	if o.player != nil {
		if err := o.player.Initialize(audio.PlaybackFormat, c.PlaybackBuffer); err != nil {
			return fmt.Errorf("failed to initialize playback: %w", err)
		}
		o.player.SetVolume(c.Settings.Volume)
	}

	if err := o.connect(ctx, &c); err != nil {
		return err
	}

	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()

	o.logger.Info("assistant initialized",
		"session_id", o.conn.SessionID(),
		"model", c.Model,
		"voice", c.Settings.VoiceName,
		"key", config.MaskAPIKey(c.Settings.APIKey))
	return nil
}

func (o *Orchestrator) connect(ctx context.Context, cfg *config.Config) error {
	if err := o.conn.Connect(ctx, o.liveConfig(cfg)); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	timeout := cfg.SetupTimeout
	if timeout <= 0 {
		timeout = defaultSetupTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := o.conn.WaitReady(waitCtx); err != nil {
		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer dcancel()
		_ = o.conn.Disconnect(dctx)
		return fmt.Errorf("live session setup failed: %w", err)
	}
	return nil
}

func (o *Orchestrator) liveConfig(cfg *config.Config) gemini.Config {
	lc := gemini.Config{
		APIKey:            cfg.Settings.APIKey,
		Endpoint:          cfg.Endpoint,
		Model:             cfg.Model,
		SystemInstruction: SystemInstruction(cfg.SystemInstruction, cfg.Settings.SpeechRate),
		PingInterval:      cfg.KeepAlivePeriod,
	}
	audioOut := len(cfg.ResponseModalities) == 0
	for _, m := range cfg.ResponseModalities {
		mod := protocol.Modality(m)
		if mod == protocol.ModalityAudio {
			audioOut = true
		}
		lc.ResponseModalities = append(lc.ResponseModalities, mod)
	}
	if audioOut {
		lc.Speech = &protocol.SpeechConfig{
			VoiceName:    cfg.Settings.VoiceName,
			LanguageCode: cfg.Settings.LanguageCode,
		}
	}
	if o.registry != nil {
		lc.Tools = o.registry.Declarations()
	}
	return lc
}

// Settings returns a copy of the active user settings.
func (o *Orchestrator) Settings() config.UserSettings {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg == nil {
		return config.DefaultUserSettings()
	}
	return o.cfg.Settings
}

// UpdateSettings applies cfg. When a setting carried in the setup frame
// changed and the assistant is initialized, the live session is
// re-established.
func (o *Orchestrator) UpdateSettings(ctx context.Context, cfg *config.Config) error {
	if err := validate(cfg); err != nil {
		return err
	}

	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return ErrShutdown
	}
	prev := o.cfg
	c := *cfg
	o.cfg = &c
	initialized := o.initialized
	o.mu.Unlock()

	if o.player != nil {
		o.player.SetVolume(c.Settings.Volume)
	}
	if !initialized || (prev != nil && !needsReconnect(prev, &c)) {
		return nil
	}

	o.logger.Info("reconnecting with new settings", "voice", c.Settings.VoiceName, "model", c.Model)
	if err := o.conn.Disconnect(ctx); err != nil {
		o.logger.Warn("disconnect before reconnect", "error", err)
	}
	return o.connect(ctx, &c)
}

func needsReconnect(a, b *config.Config) bool {
	return a.Settings.APIKey != b.Settings.APIKey ||
		a.Settings.VoiceName != b.Settings.VoiceName ||
		a.Settings.LanguageCode != b.Settings.LanguageCode ||
		a.Settings.SpeechRate != b.Settings.SpeechRate ||
		a.Model != b.Model ||
		a.Endpoint != b.Endpoint ||
		a.SystemInstruction != b.SystemInstruction ||
		a.KeepAlivePeriod != b.KeepAlivePeriod ||
		!slices.Equal(a.ResponseModalities, b.ResponseModalities)
}

// SetVolume changes the playback volume, clamped to [0, 1].
func (o *Orchestrator) SetVolume(v float64) {
	v = min(max(v, 0), 1)
	o.mu.Lock()
	if o.cfg != nil {
		o.cfg.Settings.Volume = v
	}
	o.mu.Unlock()
	if o.player != nil {
		o.player.SetVolume(v)
	}
}

func (o *Orchestrator) checkLocked() error {
	switch {
	case o.shutdown:
		return ErrShutdown
	case !o.initialized:
		return ErrNotInitialized
	}
	return nil
}

// SendText records a user message in the current conversation, creating
// one if needed, and sends it as a complete turn.
func (o *Orchestrator) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}

	o.mu.Lock()
	if err := o.checkLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	if !o.IsConnected() {
		o.mu.Unlock()
		return ErrNotConnected
	}
	frozen := o.freezeLocked()
	o.suppress = false
	c := o.ensureCurrentLocked()
	msg := conversation.NewTextMessage(conversation.RoleUser, text)
	c.Append(msg)
	snap := msg.Clone()
	o.mu.Unlock()

	o.emitMessage(c.ID, frozen)
	o.emitMessage(c.ID, snap)

	if err := o.conn.SendText(text); err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}

// SendAudio forwards one PCM chunk (16 kHz, 16-bit, mono).
func (o *Orchestrator) SendAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := o.check(); err != nil {
		return err
	}
	if !o.IsConnected() {
		return ErrNotConnected
	}
	if err := o.conn.SendAudioChunk(data); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// SendScreenImage forwards a screenshot as context for the current turn.
func (o *Orchestrator) SendScreenImage(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("screen image is empty")
	}

	o.mu.Lock()
	if err := o.checkLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	enabled := o.cfg.Settings.ScreenContextEnabled
	o.mu.Unlock()

	if !enabled {
		return ErrScreenContextDisabled
	}
	if !o.IsConnected() {
		return ErrNotConnected
	}

	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = gemini.DefaultImageMimeType
	}
	if err := o.conn.SendImageChunk(mimeType, data); err != nil {
		return fmt.Errorf("failed to send screen image: %w", err)
	}
	return nil
}

func (o *Orchestrator) check() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checkLocked()
}

// StartListening starts the microphone. Captured chunks are queued and
// sent in order by a dedicated goroutine; when the queue is full new
// chunks are dropped.
func (o *Orchestrator) StartListening() error {
	if err := o.check(); err != nil {
		return err
	}
	if o.recorder == nil {
		return ErrNoCaptureDevice
	}

	o.listenMu.Lock()
	defer o.listenMu.Unlock()
	if o.listening {
		return nil
	}

	queue := make(chan []byte, o.queueSize)
	err := o.recorder.Start(audio.CaptureConfig{Format: audio.CaptureFormat}, func(chunk audio.Chunk) {
		o.metrics.CaptureChunk()
		select {
		case queue <- chunk.Data:
		default:
			o.metrics.CaptureChunkDropped()
			o.logger.Debug("microphone queue full, dropping chunk", "bytes", len(chunk.Data))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start microphone: %w", err)
	}

	done := make(chan struct{})
	go o.sendAudioLoop(queue, done)
	o.listening = true
	o.audioQueue = queue
	o.senderDone = done
	o.logger.Info("listening")
	return nil
}

func (o *Orchestrator) sendAudioLoop(queue <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for data := range queue {
		if err := o.conn.SendAudioChunk(data); err != nil {
			o.logger.Debug("microphone chunk not sent", "error", err)
		}
	}
}

// StopListening stops the microphone and waits for queued chunks to be
// sent.
func (o *Orchestrator) StopListening() {
	o.listenMu.Lock()
	defer o.listenMu.Unlock()
	if !o.listening {
		return
	}
	o.recorder.Stop()
	close(o.audioQueue)
	<-o.senderDone
	o.listening = false
	o.audioQueue = nil
	o.senderDone = nil
	o.logger.Info("stopped listening")
}

func (o *Orchestrator) IsListening() bool {
	o.listenMu.Lock()
	defer o.listenMu.Unlock()
	return o.listening
}

// Interrupt silences the assistant. Playback is cleared and the partial
// assistant message is frozen before the interrupt is sent, so the local
// effect holds even when the send fails. Fragments of the interrupted turn
// that arrive afterwards are discarded.
func (o *Orchestrator) Interrupt() error {
	o.mu.Lock()
	if o.streaming != nil || o.speaking.Load() {
		o.suppress = true
	}
	frozen := o.freezeLocked()
	cid := o.currentIDLocked()
	o.mu.Unlock()

	if o.player != nil {
		o.player.Clear()
	}
	o.metrics.Interrupted()
	o.emitMessage(cid, frozen)
	o.stopSpeaking()

	if !o.IsConnected() {
		return ErrNotConnected
	}
	if err := o.conn.SendInterrupt(); err != nil {
		return fmt.Errorf("failed to send interrupt: %w", err)
	}
	return nil
}

// PendingToolCalls returns the calls still waiting for a response.
func (o *Orchestrator) PendingToolCalls() []protocol.FunctionCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]protocol.FunctionCall, 0, len(o.pending))
	for _, c := range o.pending {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b protocol.FunctionCall) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// SendToolResponse answers outstanding tool calls. Every response must
// name a call the service is still waiting on.
func (o *Orchestrator) SendToolResponse(responses []protocol.FunctionResponse) error {
	if len(responses) == 0 {
		return fmt.Errorf("no tool responses to send")
	}

	o.mu.Lock()
	for _, r := range responses {
		if _, ok := o.pending[r.ID]; !ok {
			o.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownToolCall, r.ID)
		}
	}
	taken := make([]protocol.FunctionCall, 0, len(responses))
	for _, r := range responses {
		taken = append(taken, o.pending[r.ID])
		delete(o.pending, r.ID)
	}
	o.mu.Unlock()

	if err := o.conn.SendToolResponse(responses); err != nil {
		o.mu.Lock()
		for _, c := range taken {
			o.pending[c.ID] = c
		}
		o.mu.Unlock()
		return fmt.Errorf("failed to send tool response: %w", err)
	}

	o.mu.Lock()
	c := o.ensureCurrentLocked()
	msg := conversation.NewMessage(conversation.RoleUser)
	for _, r := range responses {
		msg.ToolResponses = append(msg.ToolResponses, conversation.ToolResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		})
	}
	msg.Finish()
	c.Append(msg)
	snap := msg.Clone()
	o.mu.Unlock()

	o.emitMessage(c.ID, snap)
	return nil
}

// Shutdown stops the microphone, ends the live session, waits for
// background work and closes the event stream. It is idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.shutdown = true
		o.mu.Unlock()

		o.StopListening()

		if cerr := o.conn.Close(); cerr != nil {
			err = cerr
		}
		select {
		case <-o.dispatchDone:
		case <-ctx.Done():
			err = ctx.Err()
		}

		o.mu.Lock()
		o.stopping = true
		o.freezeLocked()
		o.mu.Unlock()
		close(o.done)
		o.bgCancel()
		o.bg.Wait()

		if o.player != nil {
			if perr := o.player.Close(); perr != nil && err == nil {
				err = perr
			}
		}

		o.eventsMu.Lock()
		o.eventsClosed = true
		close(o.events)
		o.eventsMu.Unlock()

		o.logger.Info("assistant shut down")
	})
	return err
}

// goAsync runs fn on a tracked goroutine unless shutdown is draining.
// Must not be called with mu held.
func (o *Orchestrator) goAsync(fn func()) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return
	}
	o.bg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.bg.Done()
		fn()
	}()
}

func (o *Orchestrator) emit(ev Event) {
	o.eventsMu.RLock()
	defer o.eventsMu.RUnlock()
	if o.eventsClosed {
		return
	}
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) emitMessage(conversationID string, msg *conversation.Message) {
	if msg == nil {
		return
	}
	o.emit(Event{Kind: EventMessage, ConversationID: conversationID, Message: msg})
}

func (o *Orchestrator) stopSpeaking() {
	if o.speaking.Swap(false) {
		o.emit(Event{Kind: EventSpeaking, Speaking: false})
	}
}

// freezeLocked completes the streaming assistant message and returns a
// snapshot of it, or nil.
func (o *Orchestrator) freezeLocked() *conversation.Message {
	msg := o.streaming
	if msg == nil {
		return nil
	}
	o.streaming = nil
	msg.Finish()
	return msg.Clone()
}

func (o *Orchestrator) ensureCurrentLocked() *conversation.Conversation {
	if o.current == nil {
		o.startConversationLocked()
	}
	return o.current
}

func (o *Orchestrator) currentIDLocked() string {
	if o.current == nil {
		return ""
	}
	return o.current.ID
}

// archiveSnapshotLocked returns a copy of the current conversation to save,
// or nil when history is not being kept.
func (o *Orchestrator) archiveSnapshotLocked() *conversation.Conversation {
	if o.archive == nil || o.current == nil || o.cfg == nil || !o.cfg.Settings.SaveConversationHistory {
		return nil
	}
	return o.current.Clone()
}

func (o *Orchestrator) archiveAsync(c *conversation.Conversation) {
	if c == nil {
		return
	}
	o.goAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := o.archive.Save(ctx, c); err != nil {
			o.logger.Warn("failed to archive conversation", "conversation_id", c.ID, "error", err)
		}
	})
}
