// Package audio contains the microphone capture source, the speaker
// playback sink and the PCM helpers they share.
package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format describes linear PCM audio.
type Format struct {
	SampleRate int
	BitDepth   int
	Channels   int
}

var (
	// CaptureFormat is what the live endpoint expects from the microphone.
	CaptureFormat = Format{SampleRate: 16000, BitDepth: 16, Channels: 1}
	// PlaybackFormat is what the live endpoint streams back.
	PlaybackFormat = Format{SampleRate: 24000, BitDepth: 16, Channels: 1}
)

// BytesPerFrame is the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.BitDepth / 8 * f.Channels
}

// BytesRate returns bytes per second.
func (f Format) BytesRate() int {
	return f.SampleRate * f.BytesPerFrame()
}

// BytesInDuration returns the byte length of d, aligned to whole frames.
func (f Format) BytesInDuration(d time.Duration) int {
	frames := int64(f.SampleRate) * int64(d) / int64(time.Second)
	return int(frames) * f.BytesPerFrame()
}

// Duration returns how long n bytes play for.
func (f Format) Duration(n int) time.Duration {
	rate := f.BytesRate()
	if rate == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// MimeType renders the format the way the live endpoint labels raw PCM.
func (f Format) MimeType() string {
	return "audio/pcm;rate=" + strconv.Itoa(f.SampleRate)
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("unsupported bit depth %d", f.BitDepth)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("pcm s%dle %dHz %dch", f.BitDepth, f.SampleRate, f.Channels)
}

// FormatFromMimeType parses "audio/pcm;rate=24000". Missing parameters
// fall back to def.
func FormatFromMimeType(mimeType string, def Format) Format {
	out := def
	parts := strings.Split(mimeType, ";")
	for _, p := range parts[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			continue
		}
		switch strings.ToLower(key) {
		case "rate":
			out.SampleRate = n
		case "channels":
			out.Channels = n
		}
	}
	return out
}

// Chunk is a block of captured audio.
type Chunk struct {
	Data   []byte
	Format Format
	// Level is the RMS level of the block in [0,1].
	Level float64
}

// Duration of the chunk.
func (c Chunk) Duration() time.Duration {
	return c.Format.Duration(len(c.Data))
}
