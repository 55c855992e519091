package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultPlaybackBuffer bounds queued speaker audio.
	DefaultPlaybackBuffer = 5 * time.Second
	playbackPeriod        = 20 * time.Millisecond
)

// ErrPlaybackNotInitialized is returned when enqueueing before Initialize or after Close.
var ErrPlaybackNotInitialized = errors.New("playback sink not initialized")

// PlaybackState is the externally visible state of the sink.
type PlaybackState int

const (
	PlaybackIdle PlaybackState = iota
	PlaybackPlaying
	PlaybackPaused
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackPlaying:
		return "playing"
	case PlaybackPaused:
		return "paused"
	default:
		return "idle"
	}
}

// PlaybackSink buffers incoming PCM in a bounded ring and drains it to an
// output device on its own goroutine. Enqueue never blocks; when the ring
// is full the oldest audio is dropped.
type PlaybackSink struct {
	// OnDrop, if set before the first Enqueue, is called with the number of bytes
	// discarded by an overflowing Enqueue.
	OnDrop func(bytes int)

	device OutputDevice
	logger *slog.Logger
	volume atomic.Uint64

	mu          sync.Mutex
	ring        *Ring
	format      Format
	initialized bool
	closed      bool
	playing     bool
	paused      bool
	gen         uint64

	// writeMu is held across each device write so Clear can wait out an
	// in-flight period.
	writeMu sync.Mutex
	wake    chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewPlaybackSink wraps an output device.
func NewPlaybackSink(device OutputDevice, logger *slog.Logger) *PlaybackSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PlaybackSink{
		device: device,
		logger: logger.With("component", "playback"),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	s.volume.Store(math.Float64bits(1))
	return s
}

// Initialize sizes the ring for bufferDuration of audio and opens the
// device. A second call is a no-op.
func (s *PlaybackSink) Initialize(format Format, bufferDuration time.Duration) error {
	if format == (Format{}) {
		format = PlaybackFormat
	}
	if err := format.Validate(); err != nil {
		return fmt.Errorf("playback format: %w", err)
	}
	if bufferDuration <= 0 {
		bufferDuration = DefaultPlaybackBuffer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrPlaybackNotInitialized
	}
	if s.initialized {
		s.logger.Warn("playback already initialized")
		return nil
	}

	if err := s.device.Open(format); err != nil {
		return fmt.Errorf("open output device: %w", err)
	}

	s.format = format
	s.ring = NewRing(format.BytesInDuration(bufferDuration))
	s.initialized = true

	period := format.BytesInDuration(playbackPeriod)
	s.wg.Add(1)
	go s.drain(period)

	s.logger.Info("playback initialized", "format", format.String(), "buffer_bytes", s.ring.Cap())
	return nil
}

// Enqueue appends audio and starts playback if the sink is idle. It never
// blocks on the device.
func (s *PlaybackSink) Enqueue(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	if !s.initialized || s.closed {
		s.mu.Unlock()
		return ErrPlaybackNotInitialized
	}
	dropped := s.ring.Write(data)
	start := !s.playing && !s.paused
	if start {
		s.playing = true
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Debug("playback buffer overflow", "dropped_bytes", dropped)
		if s.OnDrop != nil {
			s.OnDrop(dropped)
		}
	}
	if start {
		s.notify()
	}
	return nil
}

func (s *PlaybackSink) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PlaybackSink) drain(period int) {
	defer s.wg.Done()
	frame := make([]byte, period)

	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}

		for {
			// writeMu spans the state check, the read and the write, so a
			// frame taken from the ring is on the device before Stop, Pause
			// or Clear return.
			s.writeMu.Lock()
			s.mu.Lock()
			if s.closed || s.paused || !s.playing {
				s.mu.Unlock()
				s.writeMu.Unlock()
				break
			}
			n := s.ring.Read(frame)
			if n == 0 {
				s.playing = false
				s.mu.Unlock()
				s.writeMu.Unlock()
				break
			}
			gen := s.gen
			s.mu.Unlock()

			chunk := frame[:n]
			scaleVolume(chunk, s.Volume())

			s.mu.Lock()
			stale := gen != s.gen || s.closed
			s.mu.Unlock()
			var err error
			if !stale {
				_, err = s.device.Write(chunk)
			}
			s.writeMu.Unlock()

			if err != nil {
				s.logger.Error("write output device", "error", err)
				s.mu.Lock()
				s.playing = false
				s.mu.Unlock()
				break
			}
		}
	}
}

// Stop halts playback. Buffered audio is kept and the next Enqueue starts
// playback again.
func (s *PlaybackSink) Stop() {
	s.mu.Lock()
	s.playing = false
	s.paused = false
	s.mu.Unlock()

	s.waitForWrite()
}

// Pause halts playback until Resume. Enqueue keeps buffering but does not
// restart playback while paused.
func (s *PlaybackSink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()

	s.waitForWrite()
}

// Resume continues playback after Pause.
func (s *PlaybackSink) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	start := s.ring != nil && s.ring.Len() > 0 && !s.closed
	if start {
		s.playing = true
	}
	s.mu.Unlock()

	if start {
		s.notify()
	}
}

// Clear discards all buffered audio and stops playback. When Clear returns
// no audio enqueued before the call will reach the device.
func (s *PlaybackSink) Clear() {
	s.mu.Lock()
	s.gen++
	s.playing = false
	if s.ring != nil {
		s.ring.Reset()
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if f, ok := s.device.(Flusher); ok && s.isInitialized() {
		if err := f.Flush(); err != nil {
			s.logger.Warn("flush output device", "error", err)
		}
	}
}

// waitForWrite blocks until an in-flight device write returns.
func (s *PlaybackSink) waitForWrite() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
}

func (s *PlaybackSink) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized && !s.closed
}

// SetVolume sets the output gain, clamped to [0,1].
func (s *PlaybackSink) SetVolume(v float64) {
	s.volume.Store(math.Float64bits(clampVolume(v)))
}

func (s *PlaybackSink) Volume() float64 {
	return math.Float64frombits(s.volume.Load())
}

// State reports whether the sink is playing, paused or idle.
func (s *PlaybackSink) State() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.paused:
		return PlaybackPaused
	case s.playing:
		return PlaybackPlaying
	default:
		return PlaybackIdle
	}
}

// Buffered returns the number of bytes waiting to be played.
func (s *PlaybackSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return 0
	}
	return s.ring.Len()
}

// Capacity returns the ring size in bytes, or 0 before Initialize.
func (s *PlaybackSink) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return 0
	}
	return s.ring.Cap()
}

// BufferedDuration returns how much audio is queued.
func (s *PlaybackSink) BufferedDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return 0
	}
	return s.format.Duration(s.ring.Len())
}

// Close stops the drain goroutine and releases the device.
func (s *PlaybackSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.playing = false
	initialized := s.initialized
	s.mu.Unlock()

	close(s.quit)
	var err error
	if initialized {
		err = s.device.Close()
	}
	s.wg.Wait()
	return err
}
