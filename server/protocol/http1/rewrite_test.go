package http1

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendForwarded(t *testing.T) {
	req, err := ParseRequest([]byte("GET /a HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Connection: keep-alive, X-Secret\r\n" +
		"X-Secret: 1\r\n" +
		"Keep-Alive: timeout=5\r\n" +
		"X-Forwarded-For: 10.0.0.1\r\n" +
		"X-Forwarded-Proto: gopher\r\n" +
		"Accept: */*\r\n\r\n"))
	require.NoError(t, err)

	out := string(req.AppendForwarded(nil, Forwarding{
		Client:    netip.MustParseAddrPort("192.0.2.7:51000"),
		Proto:     "https",
		Port:      443,
		RequestID: "req-1",
	}))

	assert.True(t, strings.HasPrefix(out, "GET /a HTTP/1.1\r\nHost: example.com\r\n"))
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
	assert.NotContains(t, out, "X-Secret")
	assert.NotContains(t, out, "Keep-Alive")
	assert.NotContains(t, out, "Connection")
	assert.NotContains(t, out, "gopher")
	assert.Contains(t, out, "Accept: */*\r\n")
	assert.Contains(t, out, "X-Forwarded-For: 10.0.0.1, 192.0.2.7\r\n")
	assert.Contains(t, out, "X-Forwarded-Proto: https\r\n")
	assert.Contains(t, out, "X-Forwarded-Port: 443\r\n")
	assert.Contains(t, out, "Forwarded: for=192.0.2.7;host=example.com;proto=https\r\n")
	assert.Contains(t, out, "X-Request-Id: req-1\r\n")

	// the rewritten head parses back to the same request
	back, err := ParseRequest([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, "/a", back.Path)
}

func TestAppendForwardedKeepsRequestID(t *testing.T) {
	req, err := ParseRequest([]byte("GET / HTTP/1.1\r\nHost: a\r\nX-Request-Id: abc\r\n\r\n"))
	require.NoError(t, err)
	out := string(req.AppendForwarded(nil, Forwarding{RequestID: "new"}))
	assert.Contains(t, out, "X-Request-Id: abc\r\n")
	assert.NotContains(t, out, "new")
}

func TestAppendForwardedUpgrade(t *testing.T) {
	req, err := ParseRequest([]byte("GET /ws HTTP/1.1\r\nHost: a\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"))
	require.NoError(t, err)
	out := string(req.AppendForwarded(nil, Forwarding{}))
	assert.Contains(t, out, "Upgrade: websocket\r\n")
	assert.Contains(t, out, "Connection: Upgrade\r\n")
}

func TestAppendForwardedIPv6(t *testing.T) {
	req, err := ParseRequest([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	require.NoError(t, err)
	out := string(req.AppendForwarded(nil, Forwarding{Client: netip.MustParseAddrPort("[2001:db8::1]:1234"), Proto: "http"}))
	assert.Contains(t, out, `Forwarded: for="[2001:db8::1]";host=a;proto=http`)
}

func TestAppendRewritten(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nKeep-Alive: timeout=3\r\nConnection: keep-alive\r\n\r\n"), "GET")
	require.NoError(t, err)

	out := string(resp.AppendRewritten(nil, ResponseOptions{KeepAlive: true, ClientMinor: 1}))
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n", out)

	out = string(resp.AppendRewritten(nil, ResponseOptions{KeepAlive: false, ClientMinor: 1}))
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\n", out)

	out = string(resp.AppendRewritten(nil, ResponseOptions{KeepAlive: true, ClientMinor: 0, SetCookie: StickyCookie("SRV", "blue")}))
	assert.Contains(t, out, "Set-Cookie: SRV=blue; Path=/; HttpOnly\r\n")
	assert.Contains(t, out, "Connection: keep-alive\r\n")
}

func TestAppendRewrittenSwitchingProtocols(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"), "GET")
	require.NoError(t, err)
	out := string(resp.AppendRewritten(nil, ResponseOptions{}))
	assert.Equal(t, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n", out)
}

func TestAnswer(t *testing.T) {
	a := string(Answer(503))
	assert.True(t, strings.HasPrefix(a, "HTTP/1.1 503 Service Unavailable\r\n"))
	assert.Contains(t, a, "Connection: close\r\n")

	resp, err := ParseResponse([]byte(a[:strings.Index(a, "\r\n\r\n")+4]), "GET")
	require.NoError(t, err)
	body := a[strings.Index(a, "\r\n\r\n")+4:]
	assert.Equal(t, int64(len(body)), resp.Body.Length)

	assert.Contains(t, string(Answer(418)), "418 I'm a teapot")
}
