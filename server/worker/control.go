package worker

import (
	"errors"
	"fmt"
	"io"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/metrics"
	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/netfd"
	"github.com/tollgate-proxy/tollgate/server/reactor"
	"github.com/tollgate-proxy/tollgate/server/session"
)

// controlChannel is a connected controller.
type controlChannel struct {
	*command.Channel
	id session.ID
	// supervisor channels were handed to the worker at startup; losing one
	// stops the worker.
	supervisor bool
	interest   reactor.Interest
}

func (c *controlChannel) token() reactor.Token {
	return reactor.MakeToken(reactor.KindControl, c.id.Slot, c.id.Gen)
}

func (w *Worker) addChannel(fd int, supervisor bool) (*controlChannel, error) {
	ch, err := command.NewChannel(fd, w.maxCommandSize)
	if err != nil {
		netfd.CloseFd(fd)
		return nil, err
	}
	c := &controlChannel{Channel: ch, supervisor: supervisor, interest: reactor.Readable}
	id, err := w.channels.Insert(c)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("too many control channels: %w", err)
	}
	c.id = id
	if err := w.poller.Register(fd, c.token(), reactor.Readable); err != nil {
		w.channels.Remove(id)
		ch.Close()
		return nil, fmt.Errorf("failed to register control channel: %w", err)
	}
	logger.Debug("Worker: control channel connected", "channel", id.String(), "supervisor", supervisor)
	return c, nil
}

func (w *Worker) acceptControl() {
	for {
		fd, err := command.AcceptUnix(w.controlFd)
		if errors.Is(err, command.ErrWouldBlock) {
			return
		}
		if err != nil {
			logger.Warn("Worker: control accept failed", "error", err)
			return
		}
		if _, err := w.addChannel(fd, false); err != nil {
			logger.Warn("Worker: rejected control connection", "error", err)
		}
	}
}

// handleControl reads requests and queues them; they are applied after the
// current batch of events.
func (w *Worker) handleControl(tok reactor.Token) {
	c, id, ok := w.channels.Lookup(tok.Slot(), tok.Gen())
	if !ok {
		return
	}
	reqs, err := c.Receive()
	for _, req := range reqs {
		w.orders.Add(pendingOrder{channel: id, req: req})
	}
	if err == nil {
		return
	}
	if errors.Is(err, io.EOF) {
		logger.Debug("Worker: control channel closed by peer", "channel", id.String())
	} else {
		logger.Warn("Worker: control channel failed", "channel", id.String(), "error", err)
	}
	// orders already received are still applied; their answers are dropped
	w.closeChannel(id, c)
	if c.supervisor && !w.stopped {
		logger.Warn("Worker: supervisor channel lost, stopping")
		w.hardStop()
	}
}

func (w *Worker) closeChannel(id session.ID, c *controlChannel) {
	w.poller.Deregister(c.Fd())
	c.Close()
	w.channels.Remove(id)
}

// applyPending applies the queued orders in arrival order.
func (w *Worker) applyPending() {
	for w.orders.Length() > 0 && !w.stopped {
		p := w.orders.Remove().(pendingOrder)
		c, _ := w.channels.Get(p.channel)
		resp, fds := w.handleRequest(p.req, c)
		if c == nil || resp.Status == "" {
			continue
		}
		var err error
		if len(fds) > 0 {
			err = c.SendWithFds(resp, fds)
		} else {
			err = c.Send(resp)
		}
		if err != nil {
			logger.Warn("Worker: failed to queue answer", "order_id", p.req.ID, "error", err)
		}
	}
}

// handleRequest decodes and applies one request. A zero response means the
// answer is deferred. Returned fds stay owned by the worker.
func (w *Worker) handleRequest(req command.Request, c *controlChannel) (command.Response, []int) {
	order, err := command.Decode(req)
	if err != nil {
		metrics.OrdersApplied.WithLabelValues(string(req.Type), "error").Inc()
		logger.Warn("Worker: rejected order", "order_id", req.ID, "type", string(req.Type), "error", err)
		return command.Failed(req.ID, err), nil
	}
	return w.apply(order, c)
}

// send queues an answer on a channel if it is still connected.
func (w *Worker) send(id session.ID, resp command.Response) {
	c, ok := w.channels.Get(id)
	if !ok {
		return
	}
	if err := c.Send(resp); err != nil {
		logger.Warn("Worker: failed to queue answer", "order_id", resp.ID, "error", err)
	}
}

func (w *Worker) broadcast(resp command.Response) {
	w.channels.Range(func(_ session.ID, c *controlChannel) bool {
		if err := c.Send(resp); err != nil {
			logger.Warn("Worker: failed to queue event", "channel", c.id.String(), "error", err)
		}
		return true
	})
}

// flushChannels writes queued answers and arms write interest on channels
// whose peer is slow.
func (w *Worker) flushChannels() {
	w.channels.Range(func(id session.ID, c *controlChannel) bool {
		if c.WantsWrite() {
			if err := c.Flush(); err != nil && !errors.Is(err, command.ErrWouldBlock) {
				logger.Warn("Worker: control channel write failed", "channel", id.String(), "error", err)
				w.closeChannel(id, c)
				return true
			}
		}
		in := reactor.Readable
		if c.WantsWrite() {
			in |= reactor.Writable
		}
		if in != c.interest {
			if err := w.poller.Modify(c.Fd(), c.token(), in); err == nil {
				c.interest = in
			}
		}
		return true
	})
}
