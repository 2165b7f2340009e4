package worker

import (
	"time"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/proxy"
	"github.com/tollgate-proxy/tollgate/server/reactor"
	"github.com/tollgate-proxy/tollgate/server/session"
)

// probe is an in-progress connect to a Down backend. A completed connect
// brings the backend back; the probe sends nothing.
type probe struct {
	target   proxy.ProbeTarget
	conn     *netfd.Conn
	deadline time.Time
}

func (w *Worker) startProbes(now time.Time) {
	if w.stopping != nil {
		return
	}
	for _, t := range w.pools.DueProbes(now) {
		conn, pending, err := netfd.Dial(t.Addr)
		if err != nil {
			w.pools.ProbeResult(t.Ref, false, now)
			continue
		}
		if !pending {
			conn.Close()
			w.pools.ProbeResult(t.Ref, true, now)
			continue
		}
		p := &probe{target: t, conn: conn, deadline: now.Add(w.probeTimeout)}
		id, err := w.probes.Insert(p)
		if err != nil {
			// too many probes in flight: retry on the next backoff step
			conn.Close()
			w.pools.ProbeResult(t.Ref, false, now)
			continue
		}
		if err := w.poller.Register(conn.Fd(), reactor.MakeToken(reactor.KindProbe, id.Slot, id.Gen), reactor.Writable); err != nil {
			w.probes.Remove(id)
			conn.Close()
			w.pools.ProbeResult(t.Ref, false, now)
			continue
		}
		logger.Debug("Worker: probing backend", "backend", t.Ref.String(), "addr", t.Addr)
	}
}

func (w *Worker) probeReady(tok reactor.Token) {
	p, id, ok := w.probes.Lookup(tok.Slot(), tok.Gen())
	if !ok {
		return
	}
	err := p.conn.ConnectError()
	if err != nil {
		logger.Debug("Worker: probe failed", "backend", p.target.Ref.String(), "error", err)
	}
	w.finishProbe(id, p, err == nil)
}

func (w *Worker) expireProbes(now time.Time) {
	w.probes.Range(func(id session.ID, p *probe) bool {
		if !now.Before(p.deadline) {
			logger.Debug("Worker: probe timed out", "backend", p.target.Ref.String())
			w.finishProbe(id, p, false)
		}
		return true
	})
}

func (w *Worker) finishProbe(id session.ID, p *probe, ok bool) {
	w.poller.Deregister(p.conn.Fd())
	p.conn.Close()
	w.probes.Remove(id)
	w.pools.ProbeResult(p.target.Ref, ok, w.now())
}
