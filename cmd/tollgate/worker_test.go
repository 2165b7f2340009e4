//go:build linux

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-proxy/tollgate/config"
	tgerrors "github.com/tollgate-proxy/tollgate/pkg/errors"
	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/worker"
)

func newWorker(t *testing.T) *worker.Worker {
	t.Helper()
	w, err := worker.New(worker.Options{Config: config.NewDefaultConfig().Worker})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		w.Run(ctx)
	})
	return w
}

func writeState(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestApplyInitialState(t *testing.T) {
	w := newWorker(t)
	path := writeState(t, `
pools:
  - id: app
    backends:
      - {id: b1, address: "127.0.0.1:9001"}
      - {id: b2, address: "127.0.0.1:9002"}
listeners:
  - {id: web, address: "127.0.0.1:0", kind: http}
rules:
  - {id: all, listener: web, pool: app}
`)
	require.NoError(t, applyInitialState(w, path))

	resp := w.Apply(command.Order{ID: "status", Type: command.Status})
	require.Equal(t, command.StatusOK, resp.Status)
	report := resp.Content.Report
	require.Len(t, report.Pools, 1)
	assert.Len(t, report.Pools[0].Backends, 2)
	require.Len(t, report.Listeners, 1)
	assert.Equal(t, "web", report.Listeners[0].ID)
	assert.Equal(t, 1, report.Rules)
}

func TestApplyInitialStateFailures(t *testing.T) {
	w := newWorker(t)

	err := applyInitialState(w, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, tgerrors.ExitConfig, tgerrors.ExitCode(err))

	err = applyInitialState(w, writeState(t, "pools:\n  - id: app\n    algorithm: random\n"))
	assert.Equal(t, tgerrors.ExitConfig, tgerrors.ExitCode(err))

	// the backend address does not resolve, so the worker refuses it
	err = applyInitialState(w, writeState(t, "pools:\n  - id: app\n    backends:\n      - {id: b1, address: \"no-port\"}\n"))
	require.Error(t, err)
	assert.Equal(t, tgerrors.ExitFailure, tgerrors.ExitCode(err))
	assert.Contains(t, err.Error(), "add_backend/app/b1")
}
