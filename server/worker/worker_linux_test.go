//go:build linux

package worker

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tollgate-proxy/tollgate/config"
	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/listener"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/routing"
)

type harness struct {
	w      *Worker
	client *command.Client
	cancel context.CancelFunc
	done   chan error
	seq    int
}

func startWorker(t *testing.T, tune func(*config.WorkerConfig)) *harness {
	t.Helper()
	cfg := config.NewDefaultConfig().Worker
	cfg.Timeouts.SweepInterval = "10ms"
	if tune != nil {
		tune(&cfg)
	}
	path := t.TempDir() + "/worker.sock"
	w, err := New(Options{Config: cfg, ControlPath: path})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{w: w, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- w.Run(ctx) }()

	h.client, err = command.Dial(path, 1<<20)
	require.NoError(t, err)
	require.NoError(t, h.client.SetDeadline(time.Now().Add(20*time.Second)))
	t.Cleanup(func() {
		cancel()
		h.client.Close()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return h
}

func (h *harness) call(t *testing.T, typ command.Type, payload any) command.Response {
	t.Helper()
	h.seq++
	req, err := command.NewRequest(fmt.Sprintf("%s-%d", typ, h.seq), typ, payload)
	require.NoError(t, err)
	resp, err := h.client.Call(req)
	require.NoError(t, err)
	return resp
}

func (h *harness) mustCall(t *testing.T, typ command.Type, payload any) command.Response {
	t.Helper()
	resp := h.call(t, typ, payload)
	require.Equal(t, command.StatusOK, resp.Status, resp.Message)
	return resp
}

// listenerAddr reads the bound address of a listener from a status report.
func (h *harness) listenerAddr(t *testing.T, id string) string {
	t.Helper()
	resp := h.mustCall(t, command.Status, nil)
	for _, l := range resp.Content.Report.Listeners {
		if l.ID == id {
			return l.Address
		}
	}
	t.Fatalf("listener %s not in status", id)
	return ""
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func backendServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "path=%s host=%s", r.URL.Path, r.Host)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func configureHTTP(t *testing.T, h *harness, backend string, kind listener.Kind) string {
	t.Helper()
	h.mustCall(t, command.AddPool, command.PoolSpec{ID: "app"})
	h.mustCall(t, command.AddBackend, command.BackendSpec{PoolID: "app", ID: "b1", Address: backend})
	h.mustCall(t, command.AddListener, listener.Spec{ID: "web", Address: "127.0.0.1:0", Kind: kind})
	h.mustCall(t, command.SetRoutingRule, routing.Rule{ID: "r1", ListenerID: "web", PoolID: "app"})
	return h.listenerAddr(t, "web")
}

func get(t *testing.T, conn net.Conn, br *bufio.Reader, path string) (*http.Response, string) {
	t.Helper()
	_, err := fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: example.com\r\n\r\n", path)
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestHTTPKeepAliveThroughWorker(t *testing.T) {
	h := startWorker(t, nil)
	backend := backendServer(t)
	addr := configureHTTP(t, h, backend.Listener.Addr().String(), listener.HTTP)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	br := bufio.NewReader(conn)

	resp, body := get(t, conn, br, "/first")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "path=/first host=example.com", body)
	assert.False(t, resp.Close)

	resp, body = get(t, conn, br, "/second")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "path=/second host=example.com", body, "the connection is reused")

	report := h.mustCall(t, command.Status, nil).Content.Report
	assert.Equal(t, 1, report.Sessions)
	assert.Equal(t, "running", report.State)
}

func TestSoftStopDrainsSessions(t *testing.T) {
	h := startWorker(t, nil)
	backend := backendServer(t)
	addr := configureHTTP(t, h, backend.Listener.Addr().String(), listener.HTTP)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	br := bufio.NewReader(conn)
	get(t, conn, br, "/before")

	require.NoError(t, h.client.Send(command.Request{ID: "stop", Type: command.SoftStop}))
	first, err := h.client.Receive()
	require.NoError(t, err)
	assert.Equal(t, command.StatusProcessing, first.Status)

	// the open session finishes its exchange and is then closed
	resp, body := get(t, conn, br, "/during")
	assert.Equal(t, "path=/during host=example.com", body)
	assert.True(t, resp.Close, "keep-alive ends once the worker stops")
	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	final, err := h.client.Receive()
	require.NoError(t, err)
	assert.Equal(t, "stop", final.ID)
	assert.Equal(t, command.StatusOK, final.Status)
	assert.Equal(t, "all sessions drained", final.Message)
	assert.NoError(t, h.wait(t))
	assert.Equal(t, StateStopped, h.w.State())
}

// waitSessions polls the status report until the worker holds n sessions.
func (h *harness) waitSessions(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := h.mustCall(t, command.Status, nil).Content.Report.Sessions
		if got == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker holds %d sessions, want %d", got, n)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func silentServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu   sync.Mutex
		held []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			c.Close()
		}
	})
	return ln
}

func TestClientResetWhileBackendIsSilent(t *testing.T) {
	h := startWorker(t, nil)
	backend := silentServer(t)
	addr := configureHTTP(t, h, backend.Addr().String(), listener.HTTP)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = fmt.Fprintf(conn, "GET /slow HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)
	h.waitSessions(t, 1)

	require.NoError(t, conn.(*net.TCPConn).SetLinger(0))
	require.NoError(t, conn.Close())
	h.waitSessions(t, 0)
}

func TestHardStopOverControlChannel(t *testing.T) {
	h := startWorker(t, nil)
	resp := h.mustCall(t, command.HardStop, nil)
	assert.Equal(t, "stopped", resp.Message)
	assert.NoError(t, h.wait(t))
}

func TestHTTPSTerminatesTLS(t *testing.T) {
	h := startWorker(t, nil)
	backend := backendServer(t)
	addr := configureHTTP(t, h, backend.Listener.Addr().String(), listener.HTTPS)
	certPEM, keyPEM := selfSigned(t, "localhost")
	h.mustCall(t, command.AddCertificate, command.CertificateSpec{ListenerID: "web", Certificate: certPEM, Key: keyPEM})

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: "localhost", NextProtos: []string{"http/1.1"}, InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	assert.Equal(t, "http/1.1", conn.ConnectionState().NegotiatedProtocol)

	resp, body := get(t, conn, bufio.NewReader(conn), "/secure")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "path=/secure host=example.com", body)
}

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln
}

func TestTCPRelayAndFullSessionTable(t *testing.T) {
	h := startWorker(t, func(c *config.WorkerConfig) { c.MaxSessions = 1 })
	echo := echoServer(t)
	h.mustCall(t, command.AddPool, command.PoolSpec{ID: "echo"})
	h.mustCall(t, command.AddBackend, command.BackendSpec{PoolID: "echo", ID: "e1", Address: echo.Addr().String()})
	h.mustCall(t, command.AddListener, listener.Spec{ID: "raw", Address: "127.0.0.1:0", Kind: listener.TCP, DefaultPool: "echo"})
	addr := h.listenerAddr(t, "raw")

	c1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c1.Close()
	c1.SetDeadline(time.Now().Add(10 * time.Second))
	_, err = c1.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c1, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	// the only slot is taken: the next client is closed at once
	c2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c2.Close()
	c2.SetDeadline(time.Now().Add(10 * time.Second))
	_, err = c2.Read(buf)
	assert.Error(t, err)

	// the first session is unaffected
	_, err = c1.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(c1, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestReturnListenSocketsSendsDescriptors(t *testing.T) {
	h := startWorker(t, nil)
	h.mustCall(t, command.AddListener, listener.Spec{ID: "web", Address: "127.0.0.1:0", Kind: listener.HTTP})
	addr := h.listenerAddr(t, "web")

	resp := h.mustCall(t, command.ReturnListenSockets, nil)
	require.Len(t, resp.Content.Sockets, 1)
	assert.Equal(t, addr, resp.Content.Sockets[0].Address)

	fds := h.client.TakeFds()
	require.Len(t, fds, 1)
	defer unix.Close(fds[0])
	got, err := netfd.ListenerAddr(fds[0])
	require.NoError(t, err)
	assert.Equal(t, addr, got.String())
}

func TestListenerHandoff(t *testing.T) {
	h := startWorker(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	f, err := ln.(*net.TCPListener).File()
	require.NoError(t, err)
	defer f.Close()

	req, err := command.NewRequest("handoff", command.AddListener, listener.Spec{ID: "inherited", Kind: listener.HTTP, FromHandoff: true})
	require.NoError(t, err)
	resp, err := h.client.Call(req, int(f.Fd()))
	require.NoError(t, err)
	require.Equal(t, command.StatusOK, resp.Status, resp.Message)
	assert.Equal(t, ln.Addr().String(), h.listenerAddr(t, "inherited"))
}
