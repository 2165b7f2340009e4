package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-proxy/tollgate/server/reactor"
)

func TestTimeoutSweepClosesExpiredSessions(t *testing.T) {
	tw := newTestWorker(t)
	s, m, front := tw.fakeSession(t)
	m.deadline = tw.clock.Now().Add(5 * time.Second)
	_, _, other := tw.fakeSession(t)

	tw.clock.Advance(time.Second)
	tw.tick(nil)
	assert.False(t, m.timedOut)

	tw.clock.Advance(5 * time.Second)
	tw.tick(nil)
	assert.True(t, m.timedOut)
	assert.True(t, m.closed)
	assert.True(t, front.closed)
	assert.NotContains(t, tw.poller.regs, front.fd, "the client socket is deregistered")
	assert.Zero(t, s.listener.Sessions)
	assert.Equal(t, 1, tw.sessions.Len())
	assert.False(t, other.closed, "sessions without a deadline stay")
}

func TestStaleEventsAreIgnored(t *testing.T) {
	tw := newTestWorker(t)
	s, _, _ := tw.fakeSession(t)
	stale := s.token(reactor.KindFront)
	s.close("test")

	// the slot is reused with a new generation
	s2, m2, _ := tw.fakeSession(t)
	require.Equal(t, s.id.Slot, s2.id.Slot)
	require.NotEqual(t, s.id.Gen, s2.id.Gen)

	tw.tick([]reactor.Event{{Token: stale, Readable: true, Hangup: true}})
	assert.False(t, m2.closed)
	assert.Equal(t, 1, tw.sessions.Len())
}

func TestSettleKeepsMatchingRegistration(t *testing.T) {
	tw := newTestWorker(t)
	s, _, front := tw.fakeSession(t)
	s.settle()
	assert.Equal(t, reactor.Readable, tw.poller.regs[front.fd].in)
	assert.Equal(t, s.token(reactor.KindFront), tw.poller.regs[front.fd].tok)
}

func TestClientResetClosesWaitingSession(t *testing.T) {
	tw := newTestWorker(t)
	s, m, front := tw.fakeSession(t)
	m.front = reactor.None
	s.settle()
	require.Equal(t, reactor.None, tw.poller.regs[front.fd].in)

	tw.tick([]reactor.Event{{Token: s.token(reactor.KindFront), Readable: true, Writable: true, Hangup: true, Error: true}})
	assert.True(t, m.closed)
	assert.True(t, front.closed)
	assert.Zero(t, m.reads, "a reset is not delivered as readiness")
	assert.Zero(t, tw.sessions.Len())
	assert.NotContains(t, tw.poller.regs, front.fd)
}

func TestHangupWithoutInterestParksSocket(t *testing.T) {
	tw := newTestWorker(t)
	s, m, front := tw.fakeSession(t)
	m.front = reactor.None
	s.settle()

	tw.tick([]reactor.Event{{Token: s.token(reactor.KindFront), Hangup: true}})
	assert.False(t, m.closed)
	assert.NotContains(t, tw.poller.regs, front.fd, "the socket is off the poller")

	s.settle()
	assert.NotContains(t, tw.poller.regs, front.fd, "still parked while nothing is wanted")

	m.front = reactor.Readable
	s.settle()
	require.Contains(t, tw.poller.regs, front.fd)
	assert.Equal(t, reactor.Readable, tw.poller.regs[front.fd].in)

	tw.tick([]reactor.Event{{Token: s.token(reactor.KindFront), Readable: true, Hangup: true}})
	assert.Equal(t, 1, m.reads, "the hangup reaches a machine that reads")
}

func TestParkedSessionCloses(t *testing.T) {
	tw := newTestWorker(t)
	s, m, front := tw.fakeSession(t)
	m.front = reactor.None
	s.settle()
	tw.tick([]reactor.Event{{Token: s.token(reactor.KindFront), Hangup: true}})

	s.close("test")
	assert.True(t, front.closed)
	assert.Zero(t, tw.sessions.Len())
}
