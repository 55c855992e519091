package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_WriteRead(t *testing.T) {
	r := NewRing(8)
	assert.Equal(t, 0, r.Write([]byte("abcd")))
	assert.Equal(t, 4, r.Len())

	p := make([]byte, 3)
	require.Equal(t, 3, r.Read(p))
	assert.Equal(t, "abc", string(p))
	assert.Equal(t, 1, r.Len())

	// wraps around the end of the backing array
	assert.Equal(t, 0, r.Write([]byte("efghij")))
	out := make([]byte, 16)
	n := r.Read(out)
	assert.Equal(t, "defghij", string(out[:n]))
	assert.Equal(t, 0, r.Read(out))
}

func TestRing_OverflowDropsOldest(t *testing.T) {
	r := NewRing(6)
	r.Write([]byte("abcd"))
	dropped := r.Write([]byte("efgh"))

	assert.Equal(t, 2, dropped)
	assert.Equal(t, 6, r.Len())
	assert.Equal(t, int64(2), r.Dropped())

	out := make([]byte, 6)
	r.Read(out)
	assert.Equal(t, "cdefgh", string(out))
}

func TestRing_WriteLargerThanCapacity(t *testing.T) {
	r := NewRing(4)
	r.Write([]byte("xy"))
	dropped := r.Write([]byte("0123456789"))

	assert.Equal(t, 8, dropped)
	assert.Equal(t, r.Cap(), r.Len())

	out := make([]byte, 4)
	r.Read(out)
	assert.Equal(t, "6789", string(out))
}

func TestRing_Reset(t *testing.T) {
	r := NewRing(4)
	r.Write([]byte("abc"))
	r.Reset()
	assert.Equal(t, 0, r.Len())

	r.Write([]byte("z"))
	out := make([]byte, 4)
	n := r.Read(out)
	assert.Equal(t, "z", string(out[:n]))
}
