package buffer

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferCursors(t *testing.T) {
	b := New(8)
	assert.True(t, b.Empty())
	assert.Equal(t, 8, b.Free())

	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcdef", string(b.Bytes()))

	b.Consume(4)
	assert.Equal(t, "ef", string(b.Bytes()))
	assert.Equal(t, 6, b.Free())

	// appending past the tail compacts
	n, err = b.Write([]byte("ghijkl"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "efghijkl", string(b.Bytes()))
	assert.True(t, b.Full())

	n, err = b.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Zero(t, n)
}

func TestBufferFillDrain(t *testing.T) {
	b := New(4)
	src := bytes.NewBufferString("hello")

	n, err := b.Fill(src)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.True(t, b.Full())

	n, err = b.Fill(src)
	require.NoError(t, err)
	assert.Zero(t, n, "full buffer does not read")

	var dst bytes.Buffer
	n, err = b.Drain(&dst, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "he", dst.String())

	n, err = b.Drain(&dst, -1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "hell", dst.String())
	assert.True(t, b.Empty())
}

func TestBufferConsumeOutOfRange(t *testing.T) {
	b := New(4)
	assert.Panics(t, func() { b.Consume(1) })
}
