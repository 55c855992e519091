package audio

import "io"

// InputDevice is a PCM source such as a microphone. Read blocks until the
// driver has data; Close must unblock a pending Read.
type InputDevice interface {
	Open(format Format) error
	io.ReadCloser
}

// OutputDevice is a PCM sink such as a speaker. Write blocks while the
// device buffer is full, which paces playback.
type OutputDevice interface {
	Open(format Format) error
	io.WriteCloser
}

// Flusher is implemented by output devices that can drop audio they have
// already accepted but not yet played.
type Flusher interface {
	Flush() error
}
