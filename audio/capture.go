package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultChunkDuration is the capture block size handed to the callback.
const DefaultChunkDuration = 50 * time.Millisecond

// CaptureConfig configures a capture run.
type CaptureConfig struct {
	Format        Format
	ChunkDuration time.Duration
}

func (c *CaptureConfig) defaults() {
	if c.Format == (Format{}) {
		c.Format = CaptureFormat
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = DefaultChunkDuration
	}
}

// CaptureSource reads fixed-size blocks from an input device on its own
// goroutine and hands a private copy of each block to a callback.
type CaptureSource struct {
	device InputDevice
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	done    chan struct{}
	err     error
}

// NewCaptureSource wraps an input device.
func NewCaptureSource(device InputDevice, logger *slog.Logger) *CaptureSource {
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &CaptureSource{
		device: device,
		logger: logger.With("component", "capture"),
		done:   done,
	}
}

// Start opens the device and begins delivering chunks to onChunk. onChunk
// runs on the capture goroutine and must not block. Calling Start while
// capturing is a no-op.
func (c *CaptureSource) Start(cfg CaptureConfig, onChunk func(Chunk)) error {
	cfg.defaults()
	if err := cfg.Format.Validate(); err != nil {
		return fmt.Errorf("capture format: %w", err)
	}
	if onChunk == nil {
		return errors.New("capture: nil chunk handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Warn("capture already started")
		return nil
	}

	if err := c.device.Open(cfg.Format); err != nil {
		return fmt.Errorf("open input device: %w", err)
	}

	c.running = true
	c.stopped = false
	c.err = nil
	c.done = make(chan struct{})

	size := cfg.Format.BytesInDuration(cfg.ChunkDuration)
	go c.readLoop(cfg.Format, size, onChunk, c.done)

	c.logger.Info("capture started", "format", cfg.Format.String(), "chunk_bytes", size)
	return nil
}

func (c *CaptureSource) readLoop(format Format, size int, onChunk func(Chunk), done chan struct{}) {
	buf := make([]byte, size)
	var loopErr error

	defer func() {
		c.mu.Lock()
		if !c.stopped && loopErr != nil {
			c.err = loopErr
			c.logger.Error("capture ended", "error", loopErr)
		}
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	for {
		n, err := io.ReadFull(c.device, buf)
		if n > 0 && (err == nil || errors.Is(err, io.ErrUnexpectedEOF)) {
			data := make([]byte, n)
			copy(data, buf[:n])
			onChunk(Chunk{Data: data, Format: format, Level: Level(data)})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				loopErr = fmt.Errorf("read input device: %w", err)
			} else {
				loopErr = io.EOF
			}
			return
		}
	}
}

// Stop ends capture and waits for the capture goroutine to exit. It is
// safe to call repeatedly.
func (c *CaptureSource) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	done := c.done
	c.mu.Unlock()

	if err := c.device.Close(); err != nil {
		c.logger.Warn("close input device", "error", err)
	}
	<-done
	c.logger.Info("capture stopped")
}

// Running reports whether capture is active.
func (c *CaptureSource) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Done is closed when the current capture run ends for any reason.
func (c *CaptureSource) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the error that ended the last run, or nil if it was stopped
// by the caller.
func (c *CaptureSource) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
