package audio

import (
	"encoding/binary"
	"math"
)

// VoiceThreshold is the RMS level above which a chunk counts as speech.
const VoiceThreshold = 0.01

// Level returns the RMS level of 16-bit little-endian samples, normalized
// to [0,1].
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / math.MaxInt16
	return math.Min(rms, 1)
}

// VoiceActive reports whether the chunk is loud enough to be speech.
func (c Chunk) VoiceActive() bool {
	return c.Level > VoiceThreshold
}

// scaleVolume multiplies 16-bit little-endian samples in place.
func scaleVolume(pcm []byte, volume float64) {
	if volume >= 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(s*volume)))
	}
}

func clampVolume(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
