package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormat_Sizes(t *testing.T) {
	assert.Equal(t, 1600, CaptureFormat.BytesInDuration(50*time.Millisecond))
	assert.Equal(t, 240000, PlaybackFormat.BytesInDuration(5*time.Second))
	assert.Equal(t, 960, PlaybackFormat.BytesInDuration(20*time.Millisecond))
	assert.Equal(t, time.Second, CaptureFormat.Duration(32000))
	assert.Equal(t, time.Duration(0), Format{}.Duration(10))
}

func TestFormat_MimeType(t *testing.T) {
	assert.Equal(t, "audio/pcm;rate=16000", CaptureFormat.MimeType())

	got := FormatFromMimeType("audio/pcm;rate=24000", CaptureFormat)
	assert.Equal(t, 24000, got.SampleRate)
	assert.Equal(t, 1, got.Channels)

	assert.Equal(t, PlaybackFormat, FormatFromMimeType("audio/pcm", PlaybackFormat))
	assert.Equal(t, PlaybackFormat, FormatFromMimeType("audio/pcm; rate=abc", PlaybackFormat))
}

func TestFormat_Validate(t *testing.T) {
	assert.NoError(t, CaptureFormat.Validate())
	assert.Error(t, Format{SampleRate: 16000, BitDepth: 8, Channels: 1}.Validate())
	assert.Error(t, Format{BitDepth: 16, Channels: 1}.Validate())
}

func samples(values ...int16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestLevel(t *testing.T) {
	assert.Equal(t, 0.0, Level(nil))
	assert.Equal(t, 0.0, Level(samples(0, 0, 0)))
	assert.InDelta(t, 1.0, Level(samples(math.MaxInt16, -math.MaxInt16)), 0.001)

	quiet := Chunk{Level: Level(samples(10, -10))}
	assert.False(t, quiet.VoiceActive())
	loud := Chunk{Level: Level(samples(8000, -8000))}
	assert.True(t, loud.VoiceActive())
}

func TestScaleVolume(t *testing.T) {
	pcm := samples(1000, -1000)
	scaleVolume(pcm, 0.5)
	assert.Equal(t, samples(500, -500), pcm)

	pcm = samples(1000)
	scaleVolume(pcm, 1)
	assert.Equal(t, samples(1000), pcm)
}

func TestClampVolume(t *testing.T) {
	assert.Equal(t, 0.0, clampVolume(-1))
	assert.Equal(t, 1.0, clampVolume(3))
	assert.Equal(t, 0.25, clampVolume(0.25))
	assert.Equal(t, 0.0, clampVolume(math.NaN()))
}
