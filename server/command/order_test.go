package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-proxy/tollgate/server/listener"
	"github.com/tollgate-proxy/tollgate/server/proxy"
	"github.com/tollgate-proxy/tollgate/server/routing"
)

func mustRequest(t *testing.T, id string, typ Type, payload any) Request {
	t.Helper()
	req, err := NewRequest(id, typ, payload)
	require.NoError(t, err)
	return req
}

func TestDecodeTypedPayloads(t *testing.T) {
	tests := []struct {
		typ     Type
		payload any
	}{
		{AddListener, &listener.Spec{ID: "web", Address: "0.0.0.0:8080", Kind: listener.HTTP}},
		{RemoveListener, &ListenerRef{ID: "web"}},
		{ActivateListener, &ListenerRef{ID: "web"}},
		{DeactivateListener, &ListenerRef{ID: "web"}},
		{AddPool, &PoolSpec{ID: "app", Algorithm: "sticky", StickyCookie: "SRV"}},
		{RemovePool, &PoolRef{ID: "app"}},
		{AddBackend, &BackendSpec{PoolID: "app", ID: "b1", Address: "10.0.0.1:8080", Weight: 2}},
		{RemoveBackend, &BackendRef{PoolID: "app", ID: "b1"}},
		{SetRoutingRule, &routing.Rule{ID: "r1", ListenerID: "web", Hostname: "example.com", PoolID: "app"}},
		{RemoveRoutingRule, &RuleRef{ID: "r1"}},
		{AddCertificate, &CertificateSpec{ListenerID: "tls", Certificate: "pem", Key: "pem"}},
		{ReplaceCertificate, &CertificateReplacement{ListenerID: "tls", OldFingerprint: "ab", Certificate: "pem", Key: "pem"}},
		{RemoveCertificate, &CertificateRef{ListenerID: "tls", Fingerprint: "ab"}},
		{SetLogLevel, &LogLevel{Level: "debug"}},
		{ListRules, &ListFilter{ListenerID: "web"}},
		{ListCertificates, &ListFilter{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			o, err := Decode(mustRequest(t, "id-1", tt.typ, tt.payload))
			require.NoError(t, err)
			assert.Equal(t, "id-1", o.ID)
			assert.Equal(t, tt.typ, o.Type)
			assert.Equal(t, tt.payload, o.Payload)
		})
	}
}

func TestDecodeOrdersWithoutData(t *testing.T) {
	for _, typ := range []Type{SoftStop, HardStop, Status, ReturnListenSockets} {
		o, err := Decode(Request{ID: "x", Version: Version, Type: typ})
		require.NoError(t, err, typ)
		assert.Nil(t, o.Payload)
	}
}

func TestDecodeListOrdersWithoutFilter(t *testing.T) {
	for _, typ := range []Type{ListRules, ListCertificates} {
		o, err := Decode(Request{ID: "x", Version: Version, Type: typ})
		require.NoError(t, err, typ)
		assert.Equal(t, &ListFilter{}, o.Payload)
		assert.True(t, typ.Query())
	}
	assert.True(t, Status.Query())
	assert.False(t, SetLogLevel.Query())
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode(Request{ID: "1", Type: "REBOOT"})
	assert.ErrorIs(t, err, ErrUnknownOrder)

	_, err = Decode(Request{ID: "1", Type: AddBackend})
	assert.ErrorIs(t, err, ErrInvalidOrder, "missing data")

	_, err = Decode(Request{ID: "1", Type: AddBackend, Data: json.RawMessage(`{"weight":"heavy"}`)})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = Decode(Request{ID: "1", Version: 7, Type: Status})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestDecodeBatch(t *testing.T) {
	batch := BatchSpec{Orders: []Request{
		mustRequest(t, "a", RemoveBackend, BackendRef{PoolID: "app", ID: "old"}),
		mustRequest(t, "b", AddBackend, BackendSpec{PoolID: "app", ID: "new", Address: "10.0.0.2:80"}),
	}}
	o, err := Decode(mustRequest(t, "batch-1", Batch, batch))
	require.NoError(t, err)
	require.Len(t, o.Sub, 2)
	assert.Equal(t, RemoveBackend, o.Sub[0].Type)
	assert.Equal(t, &BackendSpec{PoolID: "app", ID: "new", Address: "10.0.0.2:80"}, o.Sub[1].Payload)

	nested := BatchSpec{Orders: []Request{mustRequest(t, "inner", Batch, BatchSpec{})}}
	_, err = Decode(mustRequest(t, "outer", Batch, nested))
	assert.ErrorIs(t, err, ErrNestedBatch)

	stop := BatchSpec{Orders: []Request{{ID: "s", Type: SoftStop}}}
	_, err = Decode(mustRequest(t, "b", Batch, stop))
	assert.ErrorIs(t, err, ErrInvalidOrder, "stops are not configuration")

	level := BatchSpec{Orders: []Request{mustRequest(t, "l", SetLogLevel, LogLevel{Level: "debug"})}}
	_, err = Decode(mustRequest(t, "b", Batch, level))
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestAdditiveClasses(t *testing.T) {
	for _, typ := range []Type{AddListener, ActivateListener, AddPool, AddBackend, SetRoutingRule, AddCertificate, ReplaceCertificate} {
		assert.True(t, typ.Additive(), typ)
	}
	for _, typ := range []Type{RemoveListener, DeactivateListener, RemovePool, RemoveBackend, RemoveRoutingRule, RemoveCertificate, SoftStop, SetLogLevel} {
		assert.False(t, typ.Additive(), typ)
	}
}

func TestPoolSpecConfig(t *testing.T) {
	cfg, err := PoolSpec{ID: "app", Algorithm: "consistent_hash"}.Config()
	require.NoError(t, err)
	assert.Equal(t, proxy.ConsistentHashing, cfg.Algorithm)

	cfg, err = PoolSpec{ID: "app"}.Config()
	require.NoError(t, err)
	assert.Equal(t, proxy.RoundRobin, cfg.Algorithm)

	_, err = PoolSpec{ID: "app", Algorithm: "random"}.Config()
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = PoolSpec{}.Config()
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestResponseWireShape(t *testing.T) {
	ev := EventResponse(proxy.Event{Kind: proxy.EventBackendDown, PoolID: "app", BackendID: "b1", Address: "10.0.0.1:80"})
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "", "version": 1, "status": "OK",
		"content": {"event": {"kind": "BACKEND_DOWN", "pool_id": "app", "backend_id": "b1", "address": "10.0.0.1:80"}}
	}`, string(data))
	assert.True(t, ev.IsEvent())

	data, err = json.Marshal(Processing("7", "draining 3 sessions"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"7","version":1,"status":"PROCESSING","message":"draining 3 sessions"}`, string(data))
	assert.False(t, OK("7", "").IsEvent())
}
