package http1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthBody(t *testing.T) {
	s := NewBodyScanner(Framing{Kind: BodyLength, Length: 5})
	n, done, err := s.Scan([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, done)
	assert.Equal(t, int64(2), s.Remaining())

	n, done, err = s.Scan([]byte("deGET /"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, done)
	assert.True(t, s.Done())
}

func TestNoneAndUntilClose(t *testing.T) {
	s := NewBodyScanner(Framing{})
	assert.True(t, s.Done())
	n, done, _ := s.Scan([]byte("xyz"))
	assert.Equal(t, 0, n)
	assert.True(t, done)

	s = NewBodyScanner(Framing{Kind: BodyUntilClose})
	n, done, _ = s.Scan([]byte("xyz"))
	assert.Equal(t, 3, n)
	assert.False(t, done)
}

func TestChunkedWholeAndByteByByte(t *testing.T) {
	body := "4;ext=1\r\nWiki\r\n5\r\npedia\r\nE\r\n in\r\n\r\nchunks.\r\n0\r\nX-Trailer: 1\r\n\r\n"
	next := "GET / HTTP/1.1\r\n"

	s := NewBodyScanner(Framing{Kind: BodyChunked})
	n, done, err := s.Scan([]byte(body + next))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, len(body), n)

	s = NewBodyScanner(Framing{Kind: BodyChunked})
	total := 0
	for i := 0; i < len(body); i++ {
		n, done, err = s.Scan([]byte{body[i]})
		require.NoError(t, err)
		total += n
		if i < len(body)-1 {
			require.False(t, done, "ended early at %d", i)
		}
	}
	assert.True(t, done)
	assert.Equal(t, len(body), total)
}

func TestChunkedLastChunkOnly(t *testing.T) {
	s := NewBodyScanner(Framing{Kind: BodyChunked})
	n, done, err := s.Scan([]byte("0\r\n\r\n"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 5, n)
}

func TestChunkedMalformed(t *testing.T) {
	for _, body := range []string{
		"x\r\n",
		"\r\n",
		";a\r\n",
		"3\r\nabcd\r\n",
		"3\rX",
		"1234567890abcdef0\r\n",
	} {
		s := NewBodyScanner(Framing{Kind: BodyChunked})
		_, _, err := s.Scan([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedChunk, "%q", body)
	}
}
