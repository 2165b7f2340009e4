//go:build unix

package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tgerrors "github.com/tollgate-proxy/tollgate/pkg/errors"
	"github.com/tollgate-proxy/tollgate/server/command"
)

// fakeSender answers OK except for the order types listed in fail.
type fakeSender struct {
	sent []command.Request
	fail map[command.Type]string
	err  error
}

func (f *fakeSender) Call(req command.Request, fds ...int) (command.Response, error) {
	f.sent = append(f.sent, req)
	if f.err != nil {
		return command.Response{}, f.err
	}
	if msg, ok := f.fail[req.Type]; ok {
		return command.Failed(req.ID, errors.New(msg)), nil
	}
	return command.OK(req.ID, "done"), nil
}

func diffOrders(t *testing.T) []command.Request {
	t.Helper()
	var reqs []command.Request
	for _, o := range []struct {
		id      string
		typ     command.Type
		payload any
	}{
		{"add_pool/app", command.AddPool, command.PoolSpec{ID: "app"}},
		{"add_backend/app/b1", command.AddBackend, command.BackendSpec{PoolID: "app", ID: "b1", Address: "10.0.0.1:80"}},
		{"remove_pool/old", command.RemovePool, command.PoolRef{ID: "old"}},
	} {
		req, err := command.NewRequest(o.id, o.typ, o.payload)
		require.NoError(t, err)
		reqs = append(reqs, req)
	}
	return reqs
}

func TestApplyOrdersInSequence(t *testing.T) {
	sender := &fakeSender{}
	var out bytes.Buffer
	n, err := applyOrders(sender, diffOrders(t), &out)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "add_pool/app: done\nadd_backend/app/b1: done\nremove_pool/old: done\n", out.String())

	require.Len(t, sender.sent, 3)
	assert.Equal(t, command.AddPool, sender.sent[0].Type)
	assert.NotEqual(t, "add_pool/app", sender.sent[0].ID, "orders go out under fresh ids")
	assert.NotEqual(t, sender.sent[0].ID, sender.sent[1].ID)
}

func TestApplyOrdersStopsAtFirstFailure(t *testing.T) {
	sender := &fakeSender{fail: map[command.Type]string{command.AddBackend: "pool app: pool not found"}}
	var out bytes.Buffer
	n, err := applyOrders(sender, diffOrders(t), &out)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sender.sent, 2)
	assert.Contains(t, err.Error(), "add_backend/app/b1")
	assert.Contains(t, err.Error(), "pool not found")
	assert.Equal(t, tgerrors.ExitFailure, tgerrors.ExitCode(err))
}

func TestApplyOrdersTransportError(t *testing.T) {
	sender := &fakeSender{err: errors.New("broken pipe")}
	n, err := applyOrders(sender, diffOrders(t), &bytes.Buffer{})
	assert.Equal(t, 0, n)
	assert.ErrorContains(t, err, "broken pipe")
}

func TestParseOrder(t *testing.T) {
	req, err := parseOrder([]byte(`{"type":"REMOVE_BACKEND","data":{"pool_id":"app","id":"b1"}}`))
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, command.Version, req.Version)
	assert.Equal(t, command.RemoveBackend, req.Type)

	req, err = parseOrder([]byte(`{"id":"mine","type":"STATUS"}`))
	require.NoError(t, err)
	assert.Equal(t, "mine", req.ID)

	req, err = parseOrder([]byte(`{"type":"LIST_RULES"}`))
	require.NoError(t, err, "list filters are optional")
	assert.Equal(t, command.ListRules, req.Type)
}

func TestParseOrderRejectsBadInput(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":      `{type`,
		"unknown field": `{"type":"STATUS","extra":1}`,
		"unknown type":  `{"type":"RELOAD"}`,
		"missing data":  `{"type":"ADD_POOL"}`,
		"missing level": `{"type":"SET_LOG_LEVEL"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseOrder([]byte(raw))
			require.Error(t, err)
			assert.Equal(t, tgerrors.ExitConfig, tgerrors.ExitCode(err))
		})
	}
}
