package worker

import (
	"fmt"
	"time"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/listener"
	"github.com/tollgate-proxy/tollgate/server/session"
)

// softStop drains every listener and answers once the sessions are gone or
// the soft stop deadline has passed.
func (w *Worker) softStop(orderID string, from session.ID) {
	deadline := w.now().Add(w.softStopAfter)
	w.stopping = &softStop{orderID: orderID, channel: from, deadline: deadline}
	w.setState(StateStopping)
	for _, l := range w.listeners.Live() {
		polled := l.State == listener.Active
		if _, err := w.listeners.Drain(l.Spec.ID, deadline); err == nil && polled {
			w.poller.Deregister(l.Fd)
		}
	}
	logger.Info("Worker: soft stop", "order_id", orderID, "sessions", w.sessions.Len(), "deadline", deadline)
	w.send(from, command.Processing(orderID, fmt.Sprintf("draining %d sessions", w.sessions.Len())))
}

func (w *Worker) checkSoftStop(now time.Time) {
	st := w.stopping
	if st == nil || w.stopped {
		return
	}
	if w.sessions.Len() > 0 && now.Before(st.deadline) {
		return
	}
	msg := "all sessions drained"
	if n := w.sessions.Len(); n > 0 {
		msg = fmt.Sprintf("deadline passed, closed %d sessions", n)
		logger.Warn("Worker: soft stop deadline passed", "sessions", n)
	}
	w.closeAll()
	w.send(st.channel, command.OK(st.orderID, msg))
	w.stopped = true
	logger.Info("Worker: soft stop complete", "order_id", st.orderID, "result", msg)
}

// hardStop closes every session and listener at once.
func (w *Worker) hardStop() {
	if w.stopped {
		return
	}
	w.setState(StateStopping)
	logger.Info("Worker: hard stop", "sessions", w.sessions.Len())
	w.closeAll()
	if st := w.stopping; st != nil {
		w.send(st.channel, command.Failed(st.orderID, fmt.Errorf("superseded by hard stop")))
	}
	w.stopped = true
}

func (w *Worker) closeAll() {
	w.closeSessions(nil, "stop")
	for _, l := range w.listeners.All() {
		w.poller.Deregister(l.Fd)
		w.listeners.Close(l)
	}
}

// buildReport snapshots the worker for Status orders and the metrics API.
func (w *Worker) buildReport() *command.Report {
	r := &command.Report{
		State:           w.State().String(),
		Sessions:        w.sessions.Len(),
		SessionCapacity: w.sessions.Capacity(),
		BuffersInUse:    w.buffers.InUse(),
		BufferCapacity:  w.buffers.Capacity(),
		Listeners:       []command.ListenerStatus{},
		Pools:           []command.PoolStatus{},
		Rules:           w.rules.Len(),
	}
	for _, l := range w.listeners.All() {
		ls := command.ListenerStatus{
			ID:       l.Spec.ID,
			Address:  l.Addr.String(),
			Kind:     string(l.Spec.Kind),
			State:    l.State.String(),
			Sessions: l.Sessions,
		}
		if l.Certs != nil {
			for _, c := range l.Certs.List() {
				ls.Certificates = append(ls.Certificates, c.Fingerprint)
			}
		}
		r.Listeners = append(r.Listeners, ls)
	}
	for _, p := range w.pools.Pools() {
		ps := command.PoolStatus{ID: p.ID, Algorithm: string(p.Algorithm), Backends: []command.BackendStatus{}}
		for _, b := range p.Backends() {
			ps.Backends = append(ps.Backends, command.BackendStatus{
				ID:                  b.ID,
				Address:             b.Address,
				Weight:              b.Weight,
				Health:              b.Health.String(),
				InFlight:            b.InFlight,
				ConsecutiveFailures: b.ConsecutiveFails,
				Removing:            b.Removing(),
			})
		}
		r.Pools = append(r.Pools, ps)
	}
	return r
}
