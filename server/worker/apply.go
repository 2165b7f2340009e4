package worker

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/metrics"
	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/listener"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/proxy"
	"github.com/tollgate-proxy/tollgate/server/reactor"
	"github.com/tollgate-proxy/tollgate/server/routing"
	"github.com/tollgate-proxy/tollgate/server/session"
)

var (
	ErrPoolInUse         = errors.New("pool is still referenced")
	ErrUnknownListener   = errors.New("unknown listener")
	ErrUnknownPool       = errors.New("unknown pool")
	ErrNotHTTPSListener  = errors.New("certificates need an https listener")
	ErrUnexpectedPayload = errors.New("unexpected order payload")
	ErrStopping          = errors.New("worker is stopping")
)

// Apply applies an order outside of any control channel, such as the
// initial state loaded at startup. It must not run concurrently with Run.
func (w *Worker) Apply(o command.Order) command.Response {
	resp, _ := w.apply(o, nil)
	return resp
}

// apply applies one decoded order and returns its answer. c is the channel
// the order came from, or nil; handed-off descriptors are taken from it. A
// zero Response means the answer is sent later (soft stop). Returned
// descriptors are borrowed from the listener registry and must be
// duplicated before they are sent.
func (w *Worker) apply(o command.Order, c *controlChannel) (command.Response, []int) {
	if w.stopped || (w.stopping != nil && !o.Type.Query() && o.Type != command.HardStop) {
		w.countOrder(o.Type, ErrStopping)
		return command.Failed(o.ID, ErrStopping), nil
	}

	switch o.Type {
	case command.SoftStop:
		w.countOrder(o.Type, nil)
		var from session.ID
		if c != nil {
			from = c.id
		}
		w.softStop(o.ID, from)
		return command.Response{}, nil
	case command.HardStop:
		w.countOrder(o.Type, nil)
		w.hardStop()
		return command.OK(o.ID, "stopped"), nil
	case command.Status:
		w.countOrder(o.Type, nil)
		resp := command.OK(o.ID, "")
		resp.Content = &command.Content{Report: w.buildReport()}
		return resp, nil
	case command.ListRules, command.ListCertificates:
		content, err := w.query(o)
		w.countOrder(o.Type, err)
		if err != nil {
			return command.Failed(o.ID, err), nil
		}
		resp := command.OK(o.ID, "")
		resp.Content = content
		return resp, nil
	case command.ReturnListenSockets:
		w.countOrder(o.Type, nil)
		resp := command.OK(o.ID, "")
		sockets, fds := w.listenSockets()
		resp.Content = &command.Content{Sockets: sockets}
		return resp, fds
	case command.Batch:
		msg, err := w.applyBatch(o, c)
		w.countOrder(o.Type, err)
		if err != nil {
			return command.Failed(o.ID, err), nil
		}
		return command.OK(o.ID, msg), nil
	}

	msg, err := w.applyOne(o, c)
	w.countOrder(o.Type, err)
	if err != nil {
		logger.Warn("Worker: order failed", "order_id", o.ID, "type", string(o.Type), "error", err)
		return command.Failed(o.ID, err), nil
	}
	logger.Info("Worker: order applied", "order_id", o.ID, "type", string(o.Type))
	return command.OK(o.ID, msg), nil
}

func (w *Worker) countOrder(t command.Type, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.OrdersApplied.WithLabelValues(string(t), result).Inc()
}

// applyBatch applies additive orders before subtractive ones, keeping the
// relative order within each class. Every sub-order is applied on its own:
// one failing leaves the others in place.
func (w *Worker) applyBatch(o command.Order, c *controlChannel) (string, error) {
	subs := append([]command.Order(nil), o.Sub...)
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].Type.Additive() && !subs[j].Type.Additive()
	})

	var failures []string
	for _, sub := range subs {
		if _, err := w.applyOne(sub, c); err != nil {
			logger.Warn("Worker: batched order failed", "order_id", o.ID, "sub_order", sub.ID, "type", string(sub.Type), "error", err)
			failures = append(failures, fmt.Sprintf("%s (%s): %v", sub.ID, sub.Type, err))
		}
	}
	if len(failures) > 0 {
		return "", fmt.Errorf("%d of %d orders failed: %s", len(failures), len(subs), strings.Join(failures, "; "))
	}
	logger.Info("Worker: batch applied", "order_id", o.ID, "orders", len(subs))
	return fmt.Sprintf("%d orders applied", len(subs)), nil
}

// applyOne applies a configuration order. Each case validates everything
// before it mutates, so an error leaves the worker unchanged.
func (w *Worker) applyOne(o command.Order, c *controlChannel) (string, error) {
	switch o.Type {
	case command.ActivateListener:
		return "", w.activateListener(o.Payload.(*command.ListenerRef).ID)
	case command.DeactivateListener:
		return "", w.deactivateListener(o.Payload.(*command.ListenerRef).ID)
	}

	switch p := o.Payload.(type) {
	case *listener.Spec:
		return "", w.addListener(*p, c)
	case *command.ListenerRef:
		return "", w.removeListener(p.ID)
	case *command.PoolSpec:
		cfg, err := p.Config()
		if err != nil {
			return "", err
		}
		return "", w.pools.AddPool(cfg)
	case *command.PoolRef:
		return "", w.removePool(p.ID)
	case *command.BackendSpec:
		return "", w.addBackend(*p)
	case *command.BackendRef:
		return "", w.pools.RemoveBackend(p.PoolID, p.ID, w.now())
	case *routing.Rule:
		return "", w.setRule(*p)
	case *command.RuleRef:
		return "", w.rules.Remove(p.ID)
	case *command.CertificateSpec:
		return w.addCertificate(*p)
	case *command.CertificateReplacement:
		return w.replaceCertificate(*p)
	case *command.LogLevel:
		if err := logger.SetLevel(p.Level); err != nil {
			return "", err
		}
		logger.Info("Worker: log level changed", "level", logger.Level().String())
		return "", nil
	case *command.CertificateRef:
		l, err := w.httpsListener(p.ListenerID)
		if err != nil {
			return "", err
		}
		return "", l.Certs.Remove(p.Fingerprint)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnexpectedPayload, o.Type)
	}
}

func (w *Worker) addListener(spec listener.Spec, c *controlChannel) error {
	fd := -1
	if spec.FromHandoff {
		if c == nil {
			return fmt.Errorf("listener %s: %w", spec.ID, listener.ErrNoHandoffFd)
		}
		var ok bool
		if fd, ok = c.TakeFd(); !ok {
			return fmt.Errorf("listener %s: %w", spec.ID, listener.ErrNoHandoffFd)
		}
	}
	l, err := w.listeners.Activate(spec, fd)
	if err != nil {
		return err
	}
	tok := reactor.MakeToken(reactor.KindListener, l.Serial, 0)
	if err := w.poller.Register(l.Fd, tok, reactor.Readable); err != nil {
		w.listeners.Close(l)
		return fmt.Errorf("failed to register listener %s: %w", spec.ID, err)
	}
	return nil
}

func (w *Worker) removeListener(id string) error {
	var polled bool
	if l, ok := w.listeners.Get(id); ok {
		polled = l.State == listener.Active
	}
	l, err := w.listeners.Drain(id, w.now().Add(w.listenerDrain))
	if err != nil {
		return err
	}
	if polled {
		w.poller.Deregister(l.Fd)
	}
	return nil
}

// activateListener resumes accepting on a listener paused by
// deactivateListener. Connections queued by the kernel meanwhile are
// accepted on the next loop iteration.
func (w *Worker) activateListener(id string) error {
	l, err := w.listeners.Reactivate(id)
	if err != nil {
		return err
	}
	tok := reactor.MakeToken(reactor.KindListener, l.Serial, 0)
	if err := w.poller.Register(l.Fd, tok, reactor.Readable); err != nil {
		w.listeners.Deactivate(id)
		return fmt.Errorf("failed to register listener %s: %w", id, err)
	}
	return nil
}

// deactivateListener stops accepting without closing the socket, so the
// address stays reserved and sessions already accepted keep running.
func (w *Worker) deactivateListener(id string) error {
	l, err := w.listeners.Deactivate(id)
	if err != nil {
		return err
	}
	w.poller.Deregister(l.Fd)
	return nil
}

func (w *Worker) removePool(id string) error {
	if !w.pools.HasPool(id) {
		return fmt.Errorf("pool %s: %w", id, proxy.ErrPoolNotFound)
	}
	if w.rules.ReferencesPool(id) {
		return fmt.Errorf("pool %s: %w by routing rules", id, ErrPoolInUse)
	}
	for _, l := range w.listeners.Live() {
		if l.Spec.DefaultPool == id {
			return fmt.Errorf("pool %s: %w as default of listener %s", id, ErrPoolInUse, l.Spec.ID)
		}
	}
	return w.pools.RemovePool(id, w.now())
}

func (w *Worker) addBackend(spec command.BackendSpec) error {
	addr, err := netfd.ResolveAddr(spec.Address)
	if err != nil {
		return fmt.Errorf("%w: %v", proxy.ErrInvalidBackend, err)
	}
	return w.pools.AddBackend(spec.PoolID, proxy.BackendConfig{
		ID:       spec.ID,
		Address:  spec.Address,
		Addr:     addr,
		Weight:   spec.Weight,
		StickyID: spec.StickyID,
	})
}

func (w *Worker) setRule(rule routing.Rule) error {
	if _, ok := w.listeners.Get(rule.ListenerID); !ok {
		return fmt.Errorf("rule %s: %w %q", rule.ID, ErrUnknownListener, rule.ListenerID)
	}
	if !rule.Deny && !w.pools.HasPool(rule.PoolID) {
		return fmt.Errorf("rule %s: %w %q", rule.ID, ErrUnknownPool, rule.PoolID)
	}
	return w.rules.Set(rule)
}

func (w *Worker) httpsListener(id string) (*listener.Listener, error) {
	l, ok := w.listeners.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownListener, id)
	}
	if l.Spec.Kind != listener.HTTPS {
		return nil, fmt.Errorf("listener %s: %w", id, ErrNotHTTPSListener)
	}
	return l, nil
}

func (w *Worker) addCertificate(spec command.CertificateSpec) (string, error) {
	l, err := w.httpsListener(spec.ListenerID)
	if err != nil {
		return "", err
	}
	cert, err := listener.ParseCertificate([]byte(spec.Certificate), []byte(spec.Key), spec.Names)
	if err != nil {
		return "", err
	}
	if err := l.Certs.Add(cert); err != nil {
		return "", err
	}
	logger.Info("Worker: certificate installed", "listener", l.Spec.ID, "fingerprint", cert.Fingerprint, "names", cert.Names)
	return cert.Fingerprint, nil
}

func (w *Worker) replaceCertificate(spec command.CertificateReplacement) (string, error) {
	l, err := w.httpsListener(spec.ListenerID)
	if err != nil {
		return "", err
	}
	cert, err := listener.ParseCertificate([]byte(spec.Certificate), []byte(spec.Key), spec.Names)
	if err != nil {
		return "", err
	}
	if err := l.Certs.Replace(spec.OldFingerprint, cert); err != nil {
		return "", err
	}
	logger.Info("Worker: certificate replaced", "listener", l.Spec.ID, "old_fingerprint", spec.OldFingerprint, "fingerprint", cert.Fingerprint, "names", cert.Names)
	return cert.Fingerprint, nil
}

// query answers the read-only list orders.
func (w *Worker) query(o command.Order) (*command.Content, error) {
	filter, _ := o.Payload.(*command.ListFilter)
	var id string
	if filter != nil {
		id = filter.ListenerID
	}
	if id != "" {
		if _, ok := w.listeners.Get(id); !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownListener, id)
		}
	}

	switch o.Type {
	case command.ListRules:
		rules := w.rules.Rules()
		if id != "" {
			rules = w.rules.ListenerRules(id)
		}
		return &command.Content{Rules: rules}, nil
	case command.ListCertificates:
		certs := []command.CertificateInfo{}
		for _, l := range w.listeners.Live() {
			if l.Spec.Kind != listener.HTTPS || (id != "" && l.Spec.ID != id) {
				continue
			}
			for _, c := range l.Certs.List() {
				certs = append(certs, command.CertificateInfo{
					ListenerID:  l.Spec.ID,
					Fingerprint: c.Fingerprint,
					Names:       c.Names,
					NotAfter:    c.Leaf.NotAfter,
				})
			}
		}
		return &command.Content{Certificates: certs}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpectedPayload, o.Type)
}

// listenSockets lists the live listeners with their descriptors, in the
// same order. Paused listeners are handed over too, so a successor can
// take over every address this worker holds.
func (w *Worker) listenSockets() ([]command.ListenSocket, []int) {
	active := w.listeners.Live()
	sockets := make([]command.ListenSocket, 0, len(active))
	fds := make([]int, 0, len(active))
	for _, l := range active {
		sockets = append(sockets, command.ListenSocket{ID: l.Spec.ID, Address: l.Addr.String(), Kind: string(l.Spec.Kind)})
		fds = append(fds, l.Fd)
	}
	return sockets, fds
}
