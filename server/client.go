package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	// Screenshots arrive base64 encoded inside JSON.
	maxMessageSize = 16 << 20
)

// client is one connected UI. All writes go through writePump.
type client struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeChan chan any

	mu        sync.RWMutex
	closed    bool
	closeChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

func newClient(id string, conn *websocket.Conn, logger *slog.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(maxMessageSize)
	return &client{
		id:        id,
		conn:      conn,
		logger:    logger.With("client_id", id),
		writeChan: make(chan any, writeBufferSize),
		closeChan: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// writePump handles all outgoing messages in a single goroutine
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case msg, ok := <-c.writeChan:
			if !ok {
				return
			}
			if err := c.write(msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}

			n := len(c.writeChan)
			for i := 0; i < n; i++ {
				msg, ok := <-c.writeChan
				if !ok {
					return
				}
				if err := c.write(msg); err != nil {
					c.close()
					return
				}
			}
		}
	}
}

func (c *client) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode message", "error", err)
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump delivers every incoming message to handle until the socket
// fails or the client is closed.
func (c *client) readPump(handle func(c *client, messageType int, data []byte)) {
	defer c.close()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("client read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(c, messageType, data)
	}
}

// queueMessage adds a message to the write queue (non-blocking)
func (c *client) queueMessage(msg any) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.writeChan <- msg:
	default:
		c.logger.Warn("client write queue full, dropping message")
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.closeChan)
	c.mu.Unlock()
	c.cancel()
}
