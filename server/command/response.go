package command

import (
	"time"

	"github.com/tollgate-proxy/tollgate/server/proxy"
	"github.com/tollgate-proxy/tollgate/server/routing"
)

// ResponseStatus is the outcome carried by a Response.
type ResponseStatus string

const (
	StatusOK         ResponseStatus = "OK"
	StatusError      ResponseStatus = "ERROR"
	StatusProcessing ResponseStatus = "PROCESSING"
)

// Response is a message from the worker.
type Response struct {
	ID      string         `json:"id"`
	Version int            `json:"version"`
	Status  ResponseStatus `json:"status"`
	Message string         `json:"message,omitempty"`
	Content *Content       `json:"content,omitempty"`
}

// Content is the optional body of a response.
type Content struct {
	Event *proxy.Event `json:"event,omitempty"`
	// Report answers a Status order.
	Report *Report `json:"status,omitempty"`
	// Sockets lists the descriptors attached to a ReturnListenSockets
	// answer, in descriptor order.
	Sockets []ListenSocket `json:"listeners,omitempty"`
	// Rules answers ListRules, in match order per listener.
	Rules        []routing.Rule    `json:"rules,omitempty"`
	Certificates []CertificateInfo `json:"certificates,omitempty"`
}

// CertificateInfo describes an installed certificate.
type CertificateInfo struct {
	ListenerID  string    `json:"listener_id"`
	Fingerprint string    `json:"fingerprint"`
	Names       []string  `json:"names"`
	NotAfter    time.Time `json:"not_after"`
}

func OK(id, message string) Response {
	return Response{ID: id, Version: Version, Status: StatusOK, Message: message}
}

func Failed(id string, err error) Response {
	return Response{ID: id, Version: Version, Status: StatusError, Message: err.Error()}
}

func Processing(id, message string) Response {
	return Response{ID: id, Version: Version, Status: StatusProcessing, Message: message}
}

// EventResponse wraps a backend event for controllers.
func EventResponse(ev proxy.Event) Response {
	return Response{Version: Version, Status: StatusOK, Content: &Content{Event: &ev}}
}

// IsEvent reports whether r is an unsolicited event rather than an answer.
func (r Response) IsEvent() bool {
	return r.ID == "" && r.Content != nil && r.Content.Event != nil
}

// ListenSocket describes one descriptor returned by ReturnListenSockets.
type ListenSocket struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Kind    string `json:"kind"`
}

// Report is a snapshot of a worker's state.
type Report struct {
	State           string           `json:"state"`
	Sessions        int              `json:"sessions"`
	SessionCapacity int              `json:"session_capacity"`
	BuffersInUse    int              `json:"buffers_in_use"`
	BufferCapacity  int              `json:"buffer_capacity"`
	Listeners       []ListenerStatus `json:"listeners"`
	Pools           []PoolStatus     `json:"pools"`
	Rules           int              `json:"rules"`
}

type ListenerStatus struct {
	ID           string   `json:"id"`
	Address      string   `json:"address"`
	Kind         string   `json:"kind"`
	State        string   `json:"state"`
	Sessions     int      `json:"sessions"`
	Certificates []string `json:"certificates,omitempty"`
}

type PoolStatus struct {
	ID        string          `json:"id"`
	Algorithm string          `json:"algorithm"`
	Backends  []BackendStatus `json:"backends"`
}

type BackendStatus struct {
	ID                  string `json:"id"`
	Address             string `json:"address"`
	Weight              int    `json:"weight"`
	Health              string `json:"health"`
	InFlight            int    `json:"in_flight"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Removing            bool   `json:"removing,omitempty"`
}
