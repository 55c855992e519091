// Package gemini implements the client side of the bidirectional live
// streaming protocol: one WebSocket session per Connect, a setup
// handshake, serialized sends and a single receive loop that turns
// incoming frames into events.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/room4-2/voicelink/metrics"
	"github.com/room4-2/voicelink/protocol"
)

const (
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel    = "models/gemini-2.5-flash-native-audio-preview-12-2025"

	DefaultAudioMimeType = "audio/pcm;rate=16000"
	DefaultImageMimeType = "image/jpeg"

	eventBufferSize = 1024
)

// Config describes one live session.
type Config struct {
	APIKey   string
	Endpoint string
	Model    string

	ResponseModalities []protocol.Modality
	SystemInstruction  string
	Tools              []protocol.ToolDeclaration
	Speech             *protocol.SpeechConfig

	// AudioMimeType labels outgoing microphone chunks.
	AudioMimeType string

	DialTimeout      time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	CloseGracePeriod time.Duration
	// PingInterval enables WebSocket keep-alive pings when positive.
	PingInterval time.Duration

	Header http.Header
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if !strings.HasPrefix(c.Model, "models/") {
		c.Model = "models/" + c.Model
	}
	if len(c.ResponseModalities) == 0 {
		c.ResponseModalities = []protocol.Modality{protocol.ModalityAudio}
	}
	if c.AudioMimeType == "" {
		c.AudioMimeType = DefaultAudioMimeType
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseGracePeriod <= 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	return c
}

// url returns the endpoint with the credential attached as the key query
// parameter.
func (c Config) url() (string, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", c.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c Config) setup() protocol.Setup {
	return protocol.Setup{
		Model:              c.Model,
		ResponseModalities: c.ResponseModalities,
		SystemInstruction:  c.SystemInstruction,
		Tools:              c.Tools,
		Speech:             c.Speech,
	}
}

// Options configure a Connection. Zero values select defaults.
type Options struct {
	Dialer  Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Connection manages the live session lifecycle. It is safe for
// concurrent use. Events must be drained by the caller.
type Connection struct {
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	state atomic.Int32

	// mu guards sess and state transitions. It is never acquired while
	// writeMu is held.
	mu   sync.Mutex
	sess *session

	writeMu sync.Mutex

	events       chan Event
	eventsMu     sync.RWMutex
	eventsClosed bool

	closed    chan struct{}
	closeOnce sync.Once
}

type session struct {
	id      string
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	ready    chan struct{}
	finished chan struct{}

	// guarded by Connection.mu
	transport Transport
	ending    bool
	from      State
	terminal  State
	err       *Error
}

func NewConnection(opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		dialer:  opts.Dialer,
		logger:  logger.With("component", "gemini"),
		metrics: opts.Metrics,
		events:  make(chan Event, eventBufferSize),
		closed:  make(chan struct{}),
	}
}

// Events returns the event stream. It is closed by Close.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// State returns a snapshot of the current state without locking.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// SessionID returns the identifier of the running session, or "".
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// Ready returns a channel closed when the running session becomes
// active. It returns nil when no session is running.
func (c *Connection) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.ready
}

// WaitReady blocks until the running session is active, ends, or ctx is
// done.
func (c *Connection) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return ErrNotReady
	}

	select {
	case <-s.ready:
		select {
		case <-s.finished:
			return s.failure()
		default:
			return nil
		}
	case <-s.finished:
		return s.failure()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failure must only be called after finished is closed.
func (s *session) failure() error {
	if s.err != nil {
		return s.err
	}
	return ErrNotReady
}

func (c *Connection) setState(s State) State {
	prev := State(c.state.Swap(int32(s)))
	c.metrics.SetConnectionState(int(s))
	return prev
}

// Connect dials the endpoint and sends the setup frame. It returns once
// the setup frame is written; the session becomes active when the server
// acknowledges it (see Ready and WaitReady).
func (c *Connection) Connect(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return &Error{Kind: KindConnection, Op: "connect", Err: ErrMissingAPIKey}
	}
	target, err := cfg.url()
	if err != nil {
		return &Error{Kind: KindConnection, Op: "connect", Err: err}
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	if c.sess != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:       uuid.NewString(),
		cfg:      cfg,
		ctx:      sctx,
		cancel:   cancel,
		started:  time.Now(),
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
	}
	c.sess = s
	prev := c.setState(StateConnecting)
	c.mu.Unlock()

	log := c.logger.With("session", s.id)
	log.Info("connecting to live endpoint", "endpoint", cfg.Endpoint, "model", cfg.Model)
	c.emit(StateEvent{SessionID: s.id, From: prev, To: StateConnecting})

	dialer := c.dialer
	if dialer == nil {
		dialer = WebSocketDialer{
			HandshakeTimeout: cfg.DialTimeout,
			WriteWait:        cfg.WriteWait,
			MaxMessageSize:   cfg.MaxMessageSize,
		}
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	stop := context.AfterFunc(sctx, cancelDial)
	transport, err := dialer.Dial(dialCtx, target, cfg.Header)
	stop()
	cancelDial()
	if err != nil {
		cerr := &Error{Kind: KindConnection, Op: "dial", Err: err}
		log.Error("failed to connect", "error", err)
		c.end(s, StateDisconnected, cerr)
		c.finish(s)
		return cerr
	}

	c.mu.Lock()
	if s.ending {
		c.mu.Unlock()
		_ = transport.Close()
		c.finish(s)
		return &Error{Kind: KindConnection, Op: "dial", Err: context.Canceled}
	}
	s.transport = transport
	prev = c.setState(StateAwaitingSetupAck)
	c.mu.Unlock()
	c.emit(StateEvent{SessionID: s.id, From: prev, To: StateAwaitingSetupAck})

	setup := cfg.setup()
	data, err := protocol.Encode(setup)
	if err == nil {
		err = c.write(s, setup.Kind(), data, false)
	}
	if err != nil {
		cerr := &Error{Kind: KindConnection, Op: "setup", Err: err}
		log.Error("failed to send setup", "error", err)
		c.end(s, StateDisconnected, cerr)
		s.cancel()
		_ = transport.Close()
		c.finish(s)
		return cerr
	}

	go c.receiveLoop(s)
	if cfg.PingInterval > 0 {
		go c.pingLoop(s)
	}
	log.Debug("setup sent, awaiting acknowledgement")
	return nil
}

// end records how s terminates. Only the first caller wins.
func (c *Connection) end(s *session, terminal State, err *Error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.ending {
		return false
	}
	s.ending = true
	s.terminal = terminal
	s.err = err
	if terminal == StateFaulted {
		s.from = c.setState(StateFaulted)
	} else {
		s.from = c.State()
	}
	return true
}

// finish publishes the terminal transition of s. It runs exactly once per
// session: from Connect when the receive loop never started, otherwise
// when the receive loop exits.
func (c *Connection) finish(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.setState(s.terminal)
	c.mu.Unlock()
	close(s.finished)

	var err error
	if s.err != nil {
		err = s.err
	}
	if s.terminal == StateFaulted {
		c.metrics.SessionFailed()
		c.logger.Error("live session faulted", "session", s.id, "error", err)
		c.emit(ErrorEvent{Err: s.err, Fatal: true})
	} else {
		c.logger.Info("live session ended", "session", s.id)
	}
	c.emit(StateEvent{SessionID: s.id, From: s.from, To: s.terminal, Err: err})
}

// fault ends s after a transport failure.
func (c *Connection) fault(s *session, err *Error) {
	if !c.end(s, StateFaulted, err) {
		return
	}
	s.cancel()
	c.mu.Lock()
	t := s.transport
	c.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

func (c *Connection) receiveLoop(s *session) {
	defer c.finish(s)
	log := c.logger.With("session", s.id)

	for {
		data, err := s.transport.ReadMessage()
		if err != nil {
			c.readFailed(s, err)
			return
		}

		frames, err := protocol.Decode(data)
		if err != nil {
			c.metrics.DecodeError()
			log.Warn("failed to decode message", "error", err, "bytes", len(data))
			c.emit(ErrorEvent{Err: &Error{Kind: KindDecode, Op: "receive", Err: err}})
			continue
		}
		for _, f := range frames {
			c.dispatch(s, f)
		}
	}
}

func (c *Connection) readFailed(s *session, err error) {
	c.mu.Lock()
	if s.ending {
		c.mu.Unlock()
		return
	}
	s.ending = true

	var disconnecting *StateEvent
	if errors.Is(err, ErrRemoteClosed) {
		prev := c.setState(StateDisconnecting)
		s.from = StateDisconnecting
		s.terminal = StateDisconnected
		disconnecting = &StateEvent{SessionID: s.id, From: prev, To: StateDisconnecting}
	} else {
		s.from = c.setState(StateFaulted)
		s.terminal = StateFaulted
		s.err = &Error{Kind: KindTransport, Op: "receive", Err: err}
	}
	c.mu.Unlock()

	if disconnecting != nil {
		c.logger.Info("server closed the session", "session", s.id)
		c.emit(*disconnecting)
	}
	s.cancel()
	_ = s.transport.Close()
}

func (c *Connection) dispatch(s *session, f protocol.Frame) {
	c.metrics.FrameReceived(f.Kind().String())

	switch v := f.(type) {
	case protocol.SetupComplete:
		c.activate(s)
		return
	case protocol.ServerError:
		c.metrics.ServerError()
		c.logger.Warn("server reported error", "session", s.id, "code", v.Code, "message", v.Message)
		c.emit(ErrorEvent{Err: &Error{Kind: KindServer, Op: "receive", Err: &ServerError{Code: v.Code, Message: v.Message}}})
		return
	}

	if s.ctx.Err() != nil {
		return
	}

	switch v := f.(type) {
	case protocol.ServerText:
		if v.Text != "" {
			c.emit(TextEvent{Text: v.Text})
		}
	case protocol.ServerAudioChunk:
		c.emit(AudioEvent{MimeType: v.MimeType, Data: v.Data})
	case protocol.ServerToolCall:
		c.emit(ToolCallEvent{Calls: v.Calls})
	case protocol.TurnComplete:
		c.emit(TurnCompleteEvent{})
	case protocol.ServerInterrupted:
		c.emit(InterruptedEvent{})
	default:
		c.logger.Debug("ignoring unexpected frame", "session", s.id, "kind", f.Kind())
	}
}

func (c *Connection) activate(s *session) {
	c.mu.Lock()
	if c.sess != s || s.ending || c.State() != StateAwaitingSetupAck {
		state := c.State()
		c.mu.Unlock()
		c.logger.Debug("ignoring setup_complete", "session", s.id, "state", state)
		return
	}
	prev := c.setState(StateActive)
	close(s.ready)
	c.mu.Unlock()

	c.metrics.SessionStarted(time.Since(s.started).Seconds())
	c.logger.Info("live session active", "session", s.id)
	c.emit(StateEvent{SessionID: s.id, From: prev, To: StateActive})
}

func (c *Connection) pingLoop(s *session) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		c.writeMu.Lock()
		var err error
		if s.ctx.Err() == nil {
			err = s.transport.Ping()
		}
		c.writeMu.Unlock()
		if err != nil {
			c.fault(s, &Error{Kind: KindTransport, Op: "ping", Err: err})
			return
		}
	}
}

// write sends one encoded frame under the write lock.
func (c *Connection) write(s *session, kind protocol.Kind, data []byte, requireActive bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if s.ctx.Err() != nil || (requireActive && c.State() != StateActive) {
		return ErrNotReady
	}
	if err := s.transport.WriteMessage(data); err != nil {
		c.metrics.SendError()
		return err
	}
	c.metrics.FrameSent(kind.String())
	return nil
}

func (c *Connection) send(f protocol.Frame) error {
	op := "send " + f.Kind().String()
	if c.State() != StateActive {
		return &Error{Kind: KindSend, Op: op, Err: ErrNotReady}
	}
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return &Error{Kind: KindSend, Op: op, Err: ErrNotReady}
	}

	data, err := protocol.Encode(f)
	if err != nil {
		return &Error{Kind: KindSend, Op: op, Err: err}
	}
	if err := c.write(s, f.Kind(), data, true); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			c.logger.Error("transport failed during send", "session", s.id, "kind", f.Kind(), "error", err)
			c.fault(s, &Error{Kind: KindTransport, Op: op, Err: err})
		}
		return &Error{Kind: KindSend, Op: op, Err: err}
	}
	return nil
}

// SendText sends a complete user turn.
func (c *Connection) SendText(text string) error {
	return c.send(protocol.ClientText{Role: protocol.RoleUser, Text: text, TurnComplete: true})
}

// SendAudioChunk sends one chunk of microphone PCM.
func (c *Connection) SendAudioChunk(data []byte) error {
	mime := DefaultAudioMimeType
	c.mu.Lock()
	if c.sess != nil {
		mime = c.sess.cfg.AudioMimeType
	}
	c.mu.Unlock()
	return c.send(protocol.ClientAudioChunk{MimeType: mime, Data: data})
}

// SendImageChunk sends one encoded image; an empty mimeType means JPEG.
func (c *Connection) SendImageChunk(mimeType string, data []byte) error {
	if mimeType == "" {
		mimeType = DefaultImageMimeType
	}
	return c.send(protocol.ClientImageChunk{MimeType: mimeType, Data: data})
}

func (c *Connection) SendInterrupt() error {
	return c.send(protocol.Interrupt{})
}

func (c *Connection) SendToolResponse(responses []protocol.FunctionResponse) error {
	return c.send(protocol.ToolResponse{Responses: responses})
}

// Disconnect ends the running session: in-flight sends finish, a close
// frame is written, the transport is closed and the receive loop is
// awaited for at most the close grace period. Disconnecting without a
// session is a no-op.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	initiated := !s.ending
	var prev State
	if initiated {
		s.ending = true
		s.terminal = StateDisconnected
		s.from = StateDisconnecting
		prev = c.setState(StateDisconnecting)
	}
	t := s.transport
	c.mu.Unlock()

	if initiated {
		c.logger.Info("disconnecting", "session", s.id)
		c.emit(StateEvent{SessionID: s.id, From: prev, To: StateDisconnecting})
		s.cancel()

		if t != nil {
			c.writeMu.Lock()
			if err := t.CloseGracefully(s.cfg.CloseGracePeriod); err != nil {
				c.logger.Debug("failed to send close frame", "session", s.id, "error", err)
			}
			c.writeMu.Unlock()
			_ = t.Close()
		}
	}

	timer := time.NewTimer(s.cfg.CloseGracePeriod)
	defer timer.Stop()
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.logger.Warn("timed out waiting for session shutdown", "session", s.id)
		return nil
	}
}

// Close disconnects and closes the event stream. The Connection cannot be
// reused afterwards.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*DefaultCloseGracePeriod)
		defer cancel()
		err = c.Disconnect(ctx)

		c.eventsMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.eventsMu.Unlock()
	})
	return err
}

func (c *Connection) emit(ev Event) {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}
