// Package audiotest provides in-memory audio devices for tests.
package audiotest

import (
	"bytes"
	"io"
	"sync"

	"github.com/room4-2/voicelink/audio"
)

// Input is a scripted input device. Push hands bytes to the next Read the
// way a driver would.
type Input struct {
	OpenErr error

	mu      sync.Mutex
	format  audio.Format
	opens   int
	data    chan []byte
	closed  chan struct{}
	pending []byte
	failErr error
}

func NewInput() *Input {
	closed := make(chan struct{})
	close(closed)
	return &Input{data: make(chan []byte, 64), closed: closed}
}

func (i *Input) Open(format audio.Format) error {
	if i.OpenErr != nil {
		return i.OpenErr
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.format = format
	i.opens++
	i.closed = make(chan struct{})
	i.failErr = nil
	return nil
}

// Push queues driver data.
func (i *Input) Push(data []byte) {
	i.data <- append([]byte(nil), data...)
}

// Fail makes the next Read return err.
func (i *Input) Fail(err error) {
	i.mu.Lock()
	i.failErr = err
	i.mu.Unlock()
	i.data <- nil
}

func (i *Input) Read(p []byte) (int, error) {
	i.mu.Lock()
	if len(i.pending) > 0 {
		n := copy(p, i.pending)
		i.pending = i.pending[n:]
		i.mu.Unlock()
		return n, nil
	}
	closed := i.closed
	i.mu.Unlock()

	select {
	case <-closed:
		return 0, io.ErrClosedPipe
	case data := <-i.data:
		i.mu.Lock()
		defer i.mu.Unlock()
		if i.failErr != nil {
			return 0, i.failErr
		}
		n := copy(p, data)
		i.pending = data[n:]
		return n, nil
	}
}

func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	select {
	case <-i.closed:
	default:
		close(i.closed)
	}
	return nil
}

// Format returns the format of the last Open.
func (i *Input) Format() audio.Format {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.format
}

// Opens counts successful Open calls.
func (i *Input) Opens() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.opens
}

// Output records everything written to it.
type Output struct {
	OpenErr  error
	WriteErr error

	mu      sync.Mutex
	buf     bytes.Buffer
	writes  int
	flushes int
	open    bool
	gate    chan struct{}
}

func NewOutput() *Output {
	return &Output{}
}

func (o *Output) Open(audio.Format) error {
	if o.OpenErr != nil {
		return o.OpenErr
	}
	o.mu.Lock()
	o.open = true
	o.mu.Unlock()
	return nil
}

// Hold makes Write block until Release is called.
func (o *Output) Hold() {
	o.mu.Lock()
	o.gate = make(chan struct{})
	o.mu.Unlock()
}

func (o *Output) Release() {
	o.mu.Lock()
	gate := o.gate
	o.gate = nil
	o.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	gate := o.gate
	o.mu.Unlock()
	if gate != nil {
		<-gate
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.WriteErr != nil {
		return 0, o.WriteErr
	}
	o.writes++
	return o.buf.Write(p)
}

func (o *Output) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes++
	return nil
}

func (o *Output) Close() error {
	o.Release()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open = false
	return nil
}

// Bytes returns a copy of everything written.
func (o *Output) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte(nil), o.buf.Bytes()...)
}

func (o *Output) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Len()
}

func (o *Output) Writes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writes
}

func (o *Output) Flushes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushes
}
