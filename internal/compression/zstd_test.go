package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_RoundTrip(t *testing.T) {
	c, err := NewCompressor(2, true)
	require.NoError(t, err)
	defer c.Close()

	inputs := [][]byte{
		nil,
		[]byte("tiny"),
		bytes.Repeat([]byte("compressible "), 500),
	}
	for _, in := range inputs {
		out, err := c.Decompress(c.Compress(in))
		require.NoError(t, err)
		assert.Equal(t, len(in), len(out))
		assert.True(t, bytes.Equal(in, out))
	}
}

func TestCompressor_ShrinksRepetitiveData(t *testing.T) {
	c, err := NewCompressor(1, true)
	require.NoError(t, err)
	defer c.Close()

	in := bytes.Repeat([]byte("a"), 4096)
	assert.Less(t, len(c.Compress(in)), len(in)/4)
}

func TestCompressor_DisabledStillReadsCompressed(t *testing.T) {
	on, err := NewCompressor(2, true)
	require.NoError(t, err)
	defer on.Close()
	off, err := NewCompressor(2, false)
	require.NoError(t, err)
	defer off.Close()

	in := bytes.Repeat([]byte("xyz"), 1000)
	frame := on.Compress(in)

	out, err := off.Decompress(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, len(in)+1, len(off.Compress(in)))
}

func TestCompressor_RejectsGarbage(t *testing.T) {
	c, err := NewCompressor(2, true)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decompress(nil)
	assert.Error(t, err)
	_, err = c.Decompress([]byte{9, 1, 2})
	assert.Error(t, err)
	_, err = c.Decompress([]byte{frameZstd, 1, 2, 3})
	assert.Error(t, err)
}
