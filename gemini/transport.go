package gemini

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport carries whole messages in both directions. Reads happen on a
// single goroutine; writes are serialized by the Connection.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	// CloseGracefully sends a normal close frame, waiting at most timeout.
	CloseGracefully(timeout time.Duration) error
	Close() error
}

// Dialer opens a Transport to the given URL.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WebSocket connection defaults
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 16 * 1024 * 1024
	DefaultCloseGracePeriod = 5 * time.Second
)

// WebSocketDialer dials the live endpoint with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
}

func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultDialTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	maxSize := d.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	conn.SetReadLimit(maxSize)

	writeWait := d.WriteWait
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	return &wsTransport{conn: conn, writeWait: writeWait}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

// ReadMessage returns the next text or binary message. The live service
// sends JSON in binary frames, so both are accepted.
func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, classifyReadError(err)
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage writes one text message. gorilla/websocket write errors are
// permanent, so every failure is reported as transport closure.
func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (t *wsTransport) Ping() error {
	if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (t *wsTransport) CloseGracefully(timeout time.Duration) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func classifyReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", ErrRemoteClosed, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("closed by server with code %d: %s", closeErr.Code, closeErr.Text)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return err
}
