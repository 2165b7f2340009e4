// Package worker runs the event loop of one proxy worker.
//
// A Worker owns every mutable structure of the engine: sessions, buffers,
// listeners, pools and routing rules. They are touched only from the
// goroutine running Run, so nothing in this package takes a lock except the
// small queue through which TLS handshake helpers report completion.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/tollgate-proxy/tollgate/config"
	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/metrics"
	"github.com/tollgate-proxy/tollgate/pkg/retry"
	"github.com/tollgate-proxy/tollgate/server/buffer"
	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/listener"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/protocol"
	"github.com/tollgate-proxy/tollgate/server/proxy"
	"github.com/tollgate-proxy/tollgate/server/reactor"
	"github.com/tollgate-proxy/tollgate/server/routing"
	"github.com/tollgate-proxy/tollgate/server/session"
)

// RunState is the lifecycle phase reported to health checks.
type RunState int32

const (
	StateStarting RunState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s RunState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// snapshotInterval paces the status report published for the metrics API.
const snapshotInterval = time.Second

// maxControlChannels bounds concurrently connected controllers.
const maxControlChannels = 64

type poller interface {
	Register(fd int, tok reactor.Token, in reactor.Interest) error
	Modify(fd int, tok reactor.Token, in reactor.Interest) error
	Deregister(fd int) error
	Poll(events []reactor.Event, timeout time.Duration) (int, error)
	Close() error
}

type waker interface {
	Fd() int
	Wake()
	Drain()
	Close() error
}

// Options configures a worker.
type Options struct {
	Config config.WorkerConfig
	// ControlPath is the Unix socket controllers connect to. Empty means no
	// control socket is opened.
	ControlPath string
	// ControlFds are control channels already connected, typically inherited
	// from a supervisor. The worker stops when one of them is closed by the
	// peer.
	ControlFds []int

	// test seams
	poller  poller
	waker   waker
	sockets listener.Sockets
	now     func() time.Time
}

type pendingOrder struct {
	channel session.ID
	req     command.Request
}

type softStop struct {
	orderID  string
	channel  session.ID
	deadline time.Time
}

// Worker is one event loop with its sessions and configuration.
type Worker struct {
	limits         protocol.Limits
	sweepEvery     time.Duration
	listenerDrain  time.Duration
	softStopAfter  time.Duration
	probeTimeout   time.Duration
	acceptBatch    int
	pollEvents     int
	maxCommandSize int

	poller  poller
	waker   waker
	now     func() time.Time
	buffers *buffer.Pool

	sessions  *session.Table[*clientSession]
	probes    *session.Table[*probe]
	channels  *session.Table[*controlChannel]
	pools     *proxy.Registry
	rules     *routing.Table
	listeners *listener.Registry

	controlFd int
	orders    *queue.Queue

	notifyMu sync.Mutex
	notified []uint64

	lastSweep    time.Time
	lastSnapshot time.Time
	stopping     *softStop
	stopped      bool

	state  atomic.Int32
	report atomic.Pointer[command.Report]
}

// New creates a worker and opens its control endpoints. Listeners and
// pools are added later through orders.
func New(opts Options) (*Worker, error) {
	cfg := opts.Config
	limits, err := limitsFromConfig(&cfg)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		limits:         limits,
		acceptBatch:    positiveOr(cfg.AcceptBatch, 64),
		pollEvents:     positiveOr(cfg.PollEvents, 1024),
		maxCommandSize: positiveOr(cfg.MaxCommandSize, 1<<20),
		now:            opts.now,
		buffers:        buffer.NewPool(cfg.GetBufferSize(), cfg.GetMaxBuffers()),
		sessions:       session.New[*clientSession](cfg.GetMaxSessions()),
		probes:         session.New[*probe](1024),
		channels:       session.New[*controlChannel](maxControlChannels),
		rules:          routing.NewTable(),
		listeners:      listener.NewRegistry(positiveOr(cfg.ListenBacklog, 4096), opts.sockets),
		controlFd:      -1,
		orders:         queue.New(),
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.sweepEvery, err = cfg.Timeouts.GetSweepInterval(); err != nil {
		return nil, err
	}
	if w.listenerDrain, err = cfg.Timeouts.GetListenerDrain(); err != nil {
		return nil, err
	}
	if w.softStopAfter, err = cfg.Timeouts.GetSoftStop(); err != nil {
		return nil, err
	}
	if w.probeTimeout, err = cfg.Health.GetProbeTimeout(); err != nil {
		return nil, err
	}
	policy, err := policyFromConfig(&cfg)
	if err != nil {
		return nil, err
	}
	w.pools = proxy.NewRegistry(policy)

	w.poller = opts.poller
	if w.poller == nil {
		p, err := reactor.New(w.pollEvents)
		if err != nil {
			return nil, fmt.Errorf("failed to create poller: %w", err)
		}
		w.poller = p
	}
	w.waker = opts.waker
	if w.waker == nil {
		wk, err := reactor.NewWaker()
		if err != nil {
			w.poller.Close()
			return nil, fmt.Errorf("failed to create waker: %w", err)
		}
		w.waker = wk
	}
	if err := w.poller.Register(w.waker.Fd(), reactor.MakeToken(reactor.KindWakeup, 0, 0), reactor.Readable); err != nil {
		w.closeCore()
		return nil, fmt.Errorf("failed to register waker: %w", err)
	}

	if opts.ControlPath != "" {
		fd, err := command.ListenUnix(opts.ControlPath)
		if err != nil {
			w.closeCore()
			return nil, err
		}
		w.controlFd = fd
		if err := w.poller.Register(fd, reactor.MakeToken(reactor.KindControlListener, 0, 0), reactor.Readable); err != nil {
			w.closeCore()
			return nil, fmt.Errorf("failed to register control socket: %w", err)
		}
		logger.Info("Worker: control socket listening", "path", opts.ControlPath)
	}
	for _, fd := range opts.ControlFds {
		if _, err := w.addChannel(fd, true); err != nil {
			w.closeCore()
			return nil, err
		}
	}
	w.setState(StateStarting)
	return w, nil
}

func limitsFromConfig(cfg *config.WorkerConfig) (protocol.Limits, error) {
	var l protocol.Limits
	var err error
	if l.FrontTimeout, err = cfg.Timeouts.GetFront(); err != nil {
		return l, err
	}
	if l.BackTimeout, err = cfg.Timeouts.GetBack(); err != nil {
		return l, err
	}
	if l.ConnectTimeout, err = cfg.Timeouts.GetConnect(); err != nil {
		return l, err
	}
	if l.RequestTimeout, err = cfg.Timeouts.GetRequest(); err != nil {
		return l, err
	}
	l.MaxConnectAttempts = positiveOr(cfg.MaxConnectAttempts, 3)
	return l, nil
}

func policyFromConfig(cfg *config.WorkerConfig) (proxy.Policy, error) {
	interval, err := cfg.Health.GetProbeInterval()
	if err != nil {
		return proxy.Policy{}, err
	}
	maxInterval, err := cfg.Health.GetProbeMaxInterval()
	if err != nil {
		return proxy.Policy{}, err
	}
	drain, err := cfg.Timeouts.GetBackendDrain()
	if err != nil {
		return proxy.Policy{}, err
	}
	return proxy.Policy{
		DegradedThreshold: cfg.Health.GetDegradedThreshold(),
		FailureThreshold:  cfg.Health.GetFailureThreshold(),
		Probe: retry.BackoffConfig{
			InitialInterval: interval,
			MaxInterval:     maxInterval,
			Multiplier:      2,
			Jitter:          true,
		},
		DrainTimeout: drain,
	}, nil
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (w *Worker) setState(s RunState) { w.state.Store(int32(s)) }

// State is safe to call from any goroutine.
func (w *Worker) State() RunState { return RunState(w.state.Load()) }

// LastReport returns the most recent status snapshot, or nil before the
// first tick. Safe to call from any goroutine.
func (w *Worker) LastReport() *command.Report { return w.report.Load() }

// Run polls and dispatches until a stop order completes or ctx is
// cancelled, which hard-stops the worker. It returns an error only when
// the poller fails.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateRunning)
	defer w.shutdown()
	stopWake := context.AfterFunc(ctx, w.waker.Wake)
	defer stopWake()

	logger.Info("Worker: running", "max_sessions", w.sessions.Capacity(), "buffers", w.buffers.Capacity())
	events := make([]reactor.Event, w.pollEvents)
	for !w.stopped {
		if ctx.Err() != nil {
			logger.Info("Worker: context cancelled, stopping")
			w.hardStop()
			break
		}
		n, err := w.poller.Poll(events, w.sweepEvery)
		if err != nil {
			return fmt.Errorf("worker poll failed: %w", err)
		}
		start := time.Now()
		w.tick(events[:n])
		metrics.ReactorTickDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// tick handles one batch of readiness events and everything that runs
// between batches.
func (w *Worker) tick(events []reactor.Event) {
	for _, ev := range events {
		w.dispatch(ev)
	}
	w.resumeWaiters()
	w.applyPending()

	now := w.now()
	if now.Sub(w.lastSweep) >= w.sweepEvery {
		w.lastSweep = now
		w.sweepTimeouts(now)
		w.expireProbes(now)
	}
	w.startProbes(now)
	w.sweepBackends(now)
	w.sweepListeners(now)
	w.checkSoftStop(now)
	w.publishEvents()
	w.flushChannels()
	if now.Sub(w.lastSnapshot) >= snapshotInterval || w.stopped {
		w.lastSnapshot = now
		w.report.Store(w.buildReport())
	}
}

func (w *Worker) dispatch(ev reactor.Event) {
	tok := ev.Token
	switch tok.Kind() {
	case reactor.KindWakeup:
		w.waker.Drain()
		w.handleTLSNotifications()
	case reactor.KindControlListener:
		w.acceptControl()
	case reactor.KindControl:
		w.handleControl(tok)
	case reactor.KindListener:
		w.accept(tok.Slot())
	case reactor.KindFront, reactor.KindBack:
		s, _, ok := w.sessions.Lookup(tok.Slot(), tok.Gen())
		if !ok {
			// stale event for a session closed earlier in this batch
			return
		}
		if tok.Kind() == reactor.KindFront {
			s.frontReady(ev)
		} else {
			s.backReady(ev)
		}
		s.settle()
	case reactor.KindProbe:
		w.probeReady(tok)
	default:
		logger.Warn("Worker: event with unknown token", "token", tok.String())
	}
}

// notifyTLS is called by handshake goroutines.
func (w *Worker) notifyTLS(key uint64) {
	w.notifyMu.Lock()
	w.notified = append(w.notified, key)
	w.notifyMu.Unlock()
	w.waker.Wake()
}

func (w *Worker) handleTLSNotifications() {
	w.notifyMu.Lock()
	keys := w.notified
	w.notified = nil
	w.notifyMu.Unlock()
	for _, key := range keys {
		if s, ok := w.sessions.Get(session.IDFromKey(key)); ok {
			s.tlsProgress()
			s.settle()
		}
	}
}

func (w *Worker) resumeWaiters() {
	for _, key := range w.buffers.Ready() {
		if s, ok := w.sessions.Get(session.IDFromKey(key)); ok {
			s.machine.Resume()
			s.settle()
		}
	}
}

func (w *Worker) sweepTimeouts(now time.Time) {
	w.sessions.Range(func(_ session.ID, s *clientSession) bool {
		d := s.machine.Deadline()
		if d.IsZero() || now.Before(d) {
			return true
		}
		s.machine.OnTimeout(now)
		s.settle()
		return true
	})
}

// sweepBackends closes the sessions still attached to backends whose drain
// deadline has passed.
func (w *Worker) sweepBackends(now time.Time) {
	forced := w.pools.Sweep(now)
	if len(forced) == 0 {
		return
	}
	evicted := make(map[proxy.Ref]bool, len(forced))
	for _, ref := range forced {
		evicted[ref] = true
	}
	w.sessions.Range(func(_ session.ID, s *clientSession) bool {
		if s.upstream != nil && evicted[s.upstream.Ref] {
			s.close("backend_evicted")
		}
		return true
	})
}

func (w *Worker) sweepListeners(now time.Time) {
	for _, l := range w.listeners.Draining() {
		if l.Sessions > 0 && now.Before(l.DrainDeadline) {
			continue
		}
		if l.Sessions > 0 {
			w.closeSessions(l, "listener_drain_deadline")
		}
		if err := w.listeners.Close(l); err != nil {
			logger.Warn("Worker: failed to close listener socket", "listener", l.Spec.ID, "error", err)
		}
	}
}

// closeSessions closes the sessions of one listener, or all of them when l
// is nil.
func (w *Worker) closeSessions(l *listener.Listener, reason string) {
	w.sessions.Range(func(_ session.ID, s *clientSession) bool {
		if l == nil || s.listener == l {
			s.close(reason)
		}
		return true
	})
}

func (w *Worker) publishEvents() {
	for _, ev := range w.pools.Events() {
		logger.Info("Worker: backend event", "event", string(ev.Kind), "pool", ev.PoolID, "backend", ev.BackendID)
		w.broadcast(command.EventResponse(ev))
	}
}

// shutdown releases everything Run owned.
func (w *Worker) shutdown() {
	w.closeSessions(nil, "shutdown")
	for _, l := range w.listeners.All() {
		w.poller.Deregister(l.Fd)
		w.listeners.Close(l)
	}
	w.probes.Range(func(id session.ID, p *probe) bool {
		w.finishProbe(id, p, false)
		return true
	})
	w.flushChannels()
	w.channels.Range(func(id session.ID, c *controlChannel) bool {
		w.closeChannel(id, c)
		return true
	})
	w.closeCore()
	w.report.Store(w.buildReport())
	w.setState(StateStopped)
	logger.Info("Worker: stopped")
}

func (w *Worker) closeCore() {
	if w.controlFd >= 0 {
		w.poller.Deregister(w.controlFd)
		netfd.CloseFd(w.controlFd)
		w.controlFd = -1
	}
	if w.waker != nil {
		w.waker.Close()
	}
	w.poller.Close()
}
