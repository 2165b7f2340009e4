package metricsapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/worker"
)

type fakeSource struct {
	state  worker.RunState
	report *command.Report
}

func (f *fakeSource) State() worker.RunState      { return f.state }
func (f *fakeSource) LastReport() *command.Report { return f.report }

func newTestServer(t *testing.T, src Source, opts ServerOptions) *Server {
	t.Helper()
	if opts.Gatherer == nil {
		reg := prometheus.NewRegistry()
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: "tollgate_test_total", Help: "test"})
		reg.MustRegister(c)
		c.Add(3)
		opts.Gatherer = reg
	}
	s, err := New(src, opts)
	require.NoError(t, err)
	return s
}

func serve(s *Server, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeSource{state: worker.StateRunning}, ServerOptions{})
	rec := serve(s, "GET", "/metrics", "127.0.0.1:5000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tollgate_test_total 3")
}

func TestCustomMetricsPath(t *testing.T) {
	s := newTestServer(t, &fakeSource{state: worker.StateRunning}, ServerOptions{Path: "/internal/metrics"})
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/internal/metrics", "127.0.0.1:5000").Code)
	assert.Equal(t, http.StatusNotFound, serve(s, "GET", "/metrics", "127.0.0.1:5000").Code)
}

func TestHealthFollowsRunState(t *testing.T) {
	src := &fakeSource{state: worker.StateRunning}
	s := newTestServer(t, src, ServerOptions{})

	rec := serve(s, "GET", "/healthz", "127.0.0.1:5000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"running"}`, rec.Body.String())

	src.state = worker.StateStopping
	rec = serve(s, "GET", "/healthz", "127.0.0.1:5000")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"state":"stopping"}`, rec.Body.String())
}

func TestStatusReport(t *testing.T) {
	src := &fakeSource{state: worker.StateStarting}
	s := newTestServer(t, src, ServerOptions{})
	assert.Equal(t, http.StatusServiceUnavailable, serve(s, "GET", "/status", "127.0.0.1:5000").Code)

	src.report = &command.Report{State: "running", Sessions: 2, SessionCapacity: 10}
	rec := serve(s, "GET", "/status", "127.0.0.1:5000")
	require.Equal(t, http.StatusOK, rec.Code)
	var got command.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Sessions)
	assert.Equal(t, 10, got.SessionCapacity)
}

func TestAllowedHosts(t *testing.T) {
	s := newTestServer(t, &fakeSource{state: worker.StateRunning}, ServerOptions{AllowedHosts: []string{"10.0.0.0/8", "192.168.1.5"}})
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/healthz", "10.1.2.3:4000").Code)
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/healthz", "192.168.1.5:4000").Code)
	rec := serve(s, "GET", "/healthz", "192.168.1.6:4000")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "host not allowed"))
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &fakeSource{state: worker.StateRunning}, ServerOptions{})
	assert.Equal(t, http.StatusMethodNotAllowed, serve(s, "POST", "/healthz", "127.0.0.1:5000").Code)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, ServerOptions{})
	assert.Error(t, err)
	_, err = New(&fakeSource{}, ServerOptions{Path: "metrics"})
	assert.Error(t, err)
	_, err = New(&fakeSource{}, ServerOptions{AllowedHosts: []string{"not-an-ip"}})
	assert.Error(t, err)
	_, err = New(&fakeSource{}, ServerOptions{AllowedHosts: []string{"10.0.0.0/33"}})
	assert.Error(t, err)
}
