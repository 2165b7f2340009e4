package protocol

import (
	"bytes"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helloCapture is a net.Conn that records what a TLS client writes and
// fails every read, so a client handshake stops right after ClientHello.
type helloCapture struct {
	out bytes.Buffer
}

func (c *helloCapture) Read([]byte) (int, error)           { return 0, net.ErrClosed }
func (c *helloCapture) Write(p []byte) (int, error)        { return c.out.Write(p) }
func (c *helloCapture) Close() error                       { return nil }
func (c *helloCapture) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *helloCapture) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *helloCapture) SetDeadline(t time.Time) error      { return nil }
func (c *helloCapture) SetReadDeadline(t time.Time) error  { return nil }
func (c *helloCapture) SetWriteDeadline(t time.Time) error { return nil }

// clientHello returns the ClientHello records crypto/tls sends for
// serverName and alpn.
func clientHello(t *testing.T, serverName string, alpn ...string) []byte {
	t.Helper()
	c := &helloCapture{}
	conn := tls.Client(c, &tls.Config{ServerName: serverName, NextProtos: alpn, InsecureSkipVerify: true})
	require.Error(t, conn.Handshake())
	require.NotZero(t, c.out.Len())
	return c.out.Bytes()
}

// splitRecords re-frames a single-record ClientHello into two records,
// cutting the handshake message after at bytes.
func splitRecords(record []byte, at int) []byte {
	msg := record[recordHeaderLen:]
	frame := func(p []byte) []byte {
		return append([]byte{recordTypeHandshake, 3, 1, byte(len(p) >> 8), byte(len(p))}, p...)
	}
	return append(frame(msg[:at]), frame(msg[at:])...)
}

func TestParseClientHello(t *testing.T) {
	raw := clientHello(t, "App.Example.COM", "h2", "http/1.1")
	hello, err := ParseClientHello(raw)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", hello.ServerName)
	assert.Equal(t, []string{"h2", "http/1.1"}, hello.ALPN)
}

func TestParseClientHelloWithoutSNI(t *testing.T) {
	hello, err := ParseClientHello(clientHello(t, ""))
	require.NoError(t, err)
	assert.Empty(t, hello.ServerName)
	assert.Empty(t, hello.ALPN)
}

func TestParseClientHelloIncomplete(t *testing.T) {
	raw := clientHello(t, "example.com")
	for _, n := range []int{0, 3, recordHeaderLen, recordHeaderLen + 3, len(raw) - 1} {
		_, err := ParseClientHello(raw[:n])
		assert.ErrorIs(t, err, ErrHelloIncomplete, "prefix of %d bytes", n)
	}
}

func TestParseClientHelloAcrossRecords(t *testing.T) {
	raw := clientHello(t, "split.example.com")
	for _, at := range []int{2, 4, 40, 100} {
		hello, err := ParseClientHello(splitRecords(raw, at))
		require.NoError(t, err, "split at %d", at)
		assert.Equal(t, "split.example.com", hello.ServerName)
	}

	// only the first record arrived
	split := splitRecords(raw, 40)
	_, err := ParseClientHello(split[:recordHeaderLen+40])
	assert.ErrorIs(t, err, ErrHelloIncomplete)
}

func TestParseClientHelloRejects(t *testing.T) {
	_, err := ParseClientHello([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	assert.ErrorIs(t, err, ErrNotTLS)

	// a ServerHello is a handshake record but not a ClientHello
	_, err = ParseClientHello([]byte{recordTypeHandshake, 3, 3, 0, 4, 2, 0, 0, 0})
	assert.ErrorIs(t, err, ErrNotTLS)

	// too short to hold the random
	_, err = ParseClientHello([]byte{recordTypeHandshake, 3, 1, 0, 8, 1, 0, 0, 4, 3, 3, 0, 0})
	assert.ErrorIs(t, err, ErrMalformedHello)

	_, err = ParseClientHello([]byte{recordTypeHandshake, 3, 1, 0, 0})
	assert.ErrorIs(t, err, ErrMalformedHello)
}
