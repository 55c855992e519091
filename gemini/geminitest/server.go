// Package geminitest provides an in-process live endpoint for tests.
package geminitest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicelink/protocol"
)

// Handler is invoked for every frame a client sends, after the built-in
// setup acknowledgement.
type Handler func(c *Conn, f protocol.Frame)

type Option func(*Server)

// WithoutAutoAck disables the automatic setup_complete reply.
func WithoutAutoAck() Option {
	return func(s *Server) { s.autoAck = false }
}

func WithHandler(h Handler) Option {
	return func(s *Server) { s.handler = h }
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Server accepts live sessions and records what clients send.
type Server struct {
	srv     *httptest.Server
	autoAck bool
	handler Handler

	conns chan *Conn

	mu   sync.Mutex
	keys []string
	all  []*Conn
}

// NewServer starts a server that is shut down when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		autoAck: true,
		conns:   make(chan *Conn, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Keys returns the key query parameter of every accepted session.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// Accept returns the next session opened by a client.
func (s *Server) Accept(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no client connected")
		return nil
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.all...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Kill()
	}
	s.srv.Close()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{
		ws:     ws,
		frames: make(chan protocol.Frame, 4096),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.keys = append(s.keys, r.URL.Query().Get("key"))
	s.all = append(s.all, c)
	s.mu.Unlock()
	s.conns <- c

	defer close(c.done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.setCloseErr(err)
			return
		}
		frames, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		for _, f := range frames {
			c.record(f)
			if _, ok := f.(protocol.Setup); ok && s.autoAck {
				_ = c.Send(protocol.SetupComplete{})
			}
			if s.handler != nil {
				s.handler(c, f)
			}
			select {
			case c.frames <- f:
			default:
			}
		}
	}
}

// Conn is the server side of one session.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	frames  chan protocol.Frame
	done    chan struct{}

	mu       sync.Mutex
	received []protocol.Frame
	closeErr error
}

func (c *Conn) record(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, f)
}

func (c *Conn) setCloseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

// Received returns every frame received so far.
func (c *Conn) Received() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.received...)
}

// ClosedNormally reports whether the client ended the session with a
// normal close frame.
func (c *Conn) ClosedNormally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.IsCloseError(c.closeErr, websocket.CloseNormalClosure)
}

// Done is closed when the client side of the session is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Next returns the next frame received from the client.
func (c *Conn) Next(t testing.TB) protocol.Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

// Send writes each frame as its own message.
func (c *Conn) Send(frames ...protocol.Frame) error {
	for _, f := range frames {
		data, err := protocol.Encode(f)
		if err != nil {
			return err
		}
		if err := c.SendRaw(data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// CloseWith sends a close frame with the given code and closes the socket.
func (c *Conn) CloseWith(code int, text string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// Kill drops the socket without a close frame.
func (c *Conn) Kill() {
	_ = c.ws.Close()
}
