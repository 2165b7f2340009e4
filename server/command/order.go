// Package command defines the configuration orders a worker accepts, their
// wire encoding and the control channel that carries them.
//
// Every frame on the control socket is a 4-byte big-endian length followed by
// a JSON document. Controllers send Requests; the worker answers each with
// one or more Responses carrying the request id (PROCESSING first for long
// orders, then OK or ERROR) and pushes Events as OK responses without an id.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tollgate-proxy/tollgate/server/listener"
	"github.com/tollgate-proxy/tollgate/server/proxy"
	"github.com/tollgate-proxy/tollgate/server/routing"
)

// Version is the protocol version stamped on every message.
const Version = 1

var (
	ErrUnknownOrder  = errors.New("unknown order type")
	ErrInvalidOrder  = errors.New("invalid order")
	ErrNestedBatch   = errors.New("batches cannot be nested")
	ErrFrameTooLarge = errors.New("frame exceeds max command size")
)

// Type names an order.
type Type string

const (
	AddListener         Type = "ADD_LISTENER"
	RemoveListener      Type = "REMOVE_LISTENER"
	ActivateListener    Type = "ACTIVATE_LISTENER"
	DeactivateListener  Type = "DEACTIVATE_LISTENER"
	AddPool             Type = "ADD_POOL"
	RemovePool          Type = "REMOVE_POOL"
	AddBackend          Type = "ADD_BACKEND"
	RemoveBackend       Type = "REMOVE_BACKEND"
	SetRoutingRule      Type = "SET_ROUTING_RULE"
	RemoveRoutingRule   Type = "REMOVE_ROUTING_RULE"
	AddCertificate      Type = "ADD_CERTIFICATE"
	ReplaceCertificate  Type = "REPLACE_CERTIFICATE"
	RemoveCertificate   Type = "REMOVE_CERTIFICATE"
	SetLogLevel         Type = "SET_LOG_LEVEL"
	SoftStop            Type = "SOFT_STOP"
	HardStop            Type = "HARD_STOP"
	Status              Type = "STATUS"
	ListRules           Type = "LIST_RULES"
	ListCertificates    Type = "LIST_CERTIFICATES"
	ReturnListenSockets Type = "RETURN_LISTEN_SOCKETS"
	Batch               Type = "BATCH"
)

// Additive reports whether an order only creates or replaces state. In a
// batch additive orders run before subtractive ones so that nothing routable
// disappears before its replacement exists.
func (t Type) Additive() bool {
	switch t {
	case AddListener, ActivateListener, AddPool, AddBackend, SetRoutingRule, AddCertificate, ReplaceCertificate:
		return true
	}
	return false
}

// Query reports whether an order only reads state. Queries are answered
// even while the worker stops.
func (t Type) Query() bool {
	switch t {
	case Status, ListRules, ListCertificates:
		return true
	}
	return false
}

// Request is a message from a controller.
type Request struct {
	ID      string          `json:"id"`
	Version int             `json:"version"`
	Type    Type            `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest encodes payload as the data of a request.
func NewRequest(id string, t Type, payload any) (Request, error) {
	req := Request{ID: id, Version: Version, Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Request{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		req.Data = data
	}
	return req, nil
}

// ListenerRef names a listener.
type ListenerRef struct {
	ID string `json:"id"`
}

// PoolSpec creates a backend pool.
type PoolSpec struct {
	ID           string `json:"id"`
	Algorithm    string `json:"algorithm,omitempty"`
	StickyCookie string `json:"sticky_cookie,omitempty"`
}

// Config validates the pool description and converts it for the proxy registry.
func (p PoolSpec) Config() (proxy.PoolConfig, error) {
	if p.ID == "" {
		return proxy.PoolConfig{}, fmt.Errorf("%w: pool id is required", ErrInvalidOrder)
	}
	algo, err := proxy.ParseAlgorithm(p.Algorithm)
	if err != nil {
		return proxy.PoolConfig{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	return proxy.PoolConfig{ID: p.ID, Algorithm: algo, StickyCookie: p.StickyCookie}, nil
}

// PoolRef names a pool.
type PoolRef struct {
	ID string `json:"id"`
}

// BackendSpec adds a backend to a pool.
type BackendSpec struct {
	PoolID   string `json:"pool_id"`
	ID       string `json:"id"`
	Address  string `json:"address"`
	Weight   int    `json:"weight,omitempty"`
	StickyID string `json:"sticky_id,omitempty"`
}

// BackendRef names a backend of a pool.
type BackendRef struct {
	PoolID string `json:"pool_id"`
	ID     string `json:"id"`
}

// RuleRef names a routing rule.
type RuleRef struct {
	ID string `json:"id"`
}

// CertificateSpec installs a certificate on an HTTPS listener. Names
// default to the SANs of the leaf.
type CertificateSpec struct {
	ListenerID  string   `json:"listener_id"`
	Certificate string   `json:"certificate"`
	Key         string   `json:"key"`
	Names       []string `json:"names,omitempty"`
}

// CertificateReplacement swaps a certificate of a listener for a new one in
// a single step, so its names are never left unserved.
type CertificateReplacement struct {
	ListenerID     string   `json:"listener_id"`
	OldFingerprint string   `json:"old_fingerprint"`
	Certificate    string   `json:"certificate"`
	Key            string   `json:"key"`
	Names          []string `json:"names,omitempty"`
}

// LogLevel changes the worker's log level: debug, info, warn or error.
type LogLevel struct {
	Level string `json:"level"`
}

// ListFilter narrows a query to one listener. The zero value lists
// everything.
type ListFilter struct {
	ListenerID string `json:"listener_id,omitempty"`
}

// CertificateRef names a certificate of a listener by fingerprint.
type CertificateRef struct {
	ListenerID  string `json:"listener_id"`
	Fingerprint string `json:"fingerprint"`
}

// BatchSpec carries several orders applied as one.
type BatchSpec struct {
	Orders []Request `json:"orders"`
}

// Order is a decoded request: Payload holds the typed data for Type, for
// example a *BackendSpec for AddBackend. Orders without data have a nil
// payload.
type Order struct {
	ID      string
	Type    Type
	Payload any
	// Sub holds the decoded orders of a batch.
	Sub []Order
}

// Decode checks a request's version and decodes its payload.
func Decode(req Request) (Order, error) {
	if req.Version != 0 && req.Version != Version {
		return Order{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidOrder, req.Version)
	}
	o := Order{ID: req.ID, Type: req.Type}

	var payload any
	switch req.Type {
	case AddListener:
		payload = &listener.Spec{}
	case RemoveListener, ActivateListener, DeactivateListener:
		payload = &ListenerRef{}
	case AddPool:
		payload = &PoolSpec{}
	case RemovePool:
		payload = &PoolRef{}
	case AddBackend:
		payload = &BackendSpec{}
	case RemoveBackend:
		payload = &BackendRef{}
	case SetRoutingRule:
		payload = &routing.Rule{}
	case RemoveRoutingRule:
		payload = &RuleRef{}
	case AddCertificate:
		payload = &CertificateSpec{}
	case ReplaceCertificate:
		payload = &CertificateReplacement{}
	case RemoveCertificate:
		payload = &CertificateRef{}
	case SetLogLevel:
		payload = &LogLevel{}
	case ListRules, ListCertificates:
		filter := &ListFilter{}
		if len(req.Data) > 0 {
			if err := unmarshal(req, filter); err != nil {
				return Order{}, err
			}
		}
		o.Payload = filter
		return o, nil
	case SoftStop, HardStop, Status, ReturnListenSockets:
		return o, nil
	case Batch:
		var batch BatchSpec
		if err := unmarshal(req, &batch); err != nil {
			return Order{}, err
		}
		for _, sub := range batch.Orders {
			if sub.Type == Batch {
				return Order{}, ErrNestedBatch
			}
			so, err := Decode(sub)
			if err != nil {
				return Order{}, fmt.Errorf("order %s: %w", sub.ID, err)
			}
			if !so.Type.Additive() && !subtractive(so.Type) {
				return Order{}, fmt.Errorf("%w: %s cannot be batched", ErrInvalidOrder, so.Type)
			}
			o.Sub = append(o.Sub, so)
		}
		return o, nil
	default:
		return Order{}, fmt.Errorf("%w: %q", ErrUnknownOrder, req.Type)
	}

	if err := unmarshal(req, payload); err != nil {
		return Order{}, err
	}
	o.Payload = payload
	return o, nil
}

func subtractive(t Type) bool {
	switch t {
	case RemoveListener, DeactivateListener, RemovePool, RemoveBackend, RemoveRoutingRule, RemoveCertificate:
		return true
	}
	return false
}

func unmarshal(req Request, v any) error {
	if len(req.Data) == 0 {
		return fmt.Errorf("%w: %s needs data", ErrInvalidOrder, req.Type)
	}
	if err := json.Unmarshal(req.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidOrder, req.Type, err)
	}
	return nil
}
