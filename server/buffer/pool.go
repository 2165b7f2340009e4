package buffer

import (
	"github.com/eapache/queue"

	"github.com/tollgate-proxy/tollgate/pkg/metrics"
)

// Pool hands out at most capacity buffers of a fixed size. Buffers are
// allocated lazily and recycled through a free list. The pool is owned by
// the reactor thread and is not safe for concurrent use.
type Pool struct {
	size     int
	capacity int
	free     []*Buffer
	inUse    int

	// FIFO of waiter tokens; waiting deduplicates them.
	waiters *queue.Queue
	waiting map[uint64]struct{}
}

// NewPool creates a pool of capacity buffers of size bytes.
func NewPool(size, capacity int) *Pool {
	return &Pool{
		size:     size,
		capacity: capacity,
		waiters:  queue.New(),
		waiting:  make(map[uint64]struct{}),
	}
}

// Checkout takes a buffer or returns ErrExhausted.
func (p *Pool) Checkout() (*Buffer, error) {
	if p.inUse >= p.capacity {
		metrics.BufferExhaustions.Inc()
		return nil, ErrExhausted
	}
	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		b = &Buffer{data: make([]byte, p.size), pool: p}
	}
	b.out = true
	p.inUse++
	metrics.BuffersInUse.Set(float64(p.inUse))
	return b, nil
}

// Return gives a buffer back to the pool.
func (p *Pool) Return(b *Buffer) error {
	if b == nil {
		return nil
	}
	if b.pool != p {
		return ErrForeignBuffer
	}
	if !b.out {
		return ErrDoubleReturn
	}
	b.out = false
	b.Reset()
	p.free = append(p.free, b)
	p.inUse--
	metrics.BuffersInUse.Set(float64(p.inUse))
	return nil
}

// Wait queues token to be resumed once a buffer is available. A token
// already waiting is not queued twice.
func (p *Pool) Wait(token uint64) {
	if _, ok := p.waiting[token]; ok {
		return
	}
	p.waiting[token] = struct{}{}
	p.waiters.Add(token)
}

// Cancel forgets a waiter, typically because its session closed.
func (p *Pool) Cancel(token uint64) {
	if _, ok := p.waiting[token]; !ok {
		return
	}
	delete(p.waiting, token)
	// cancelled tokens stay queued until popped; compact once they are
	// the majority so churn during exhaustion cannot grow the queue
	if p.waiters.Length() > 2*len(p.waiting) {
		p.compact()
	}
}

// compact drops cancelled tokens, keeping the order of the others.
func (p *Pool) compact() {
	for n := p.waiters.Length(); n > 0; n-- {
		tok := p.waiters.Remove().(uint64)
		if _, ok := p.waiting[tok]; ok {
			p.waiters.Add(tok)
		}
	}
}

// Ready pops waiters in FIFO order, at most one per available buffer.
// Resumed waiters that fail to check out again must call Wait again.
func (p *Pool) Ready() []uint64 {
	avail := p.Available()
	if avail == 0 || len(p.waiting) == 0 {
		return nil
	}
	var tokens []uint64
	for avail > 0 && p.waiters.Length() > 0 {
		tok := p.waiters.Remove().(uint64)
		if _, ok := p.waiting[tok]; !ok {
			continue
		}
		delete(p.waiting, tok)
		tokens = append(tokens, tok)
		avail--
	}
	return tokens
}

// Size is the byte size of each buffer.
func (p *Pool) Size() int { return p.size }

// Capacity is the maximum number of buffers.
func (p *Pool) Capacity() int { return p.capacity }

// InUse is the number of buffers checked out.
func (p *Pool) InUse() int { return p.inUse }

// Available is the number of buffers that can still be checked out.
func (p *Pool) Available() int { return p.capacity - p.inUse }

// Waiting is the number of queued waiters.
func (p *Pool) Waiting() int { return len(p.waiting) }
