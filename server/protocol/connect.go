package protocol

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/tollgate-proxy/tollgate/server/proxy"
)

// ConnectError is returned by Host.Connect when a backend was selected but
// dialing it failed at once. The host has already released the backend.
type ConnectError struct {
	BackendID string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to backend %s: %v", e.BackendID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// dialer runs the connect attempts of one session, excluding backends that
// already failed.
type dialer struct {
	attempts int
	tried    []string
}

// next tries backends of poolID until a connect is started or attempts run
// out. A nil error with a nil upstream never happens.
func (d *dialer) next(host Host, poolID string, cc proxy.ClientContext) (*Upstream, error) {
	limit := host.Limits().MaxConnectAttempts
	if limit < 1 {
		limit = 1
	}
	for d.attempts < limit {
		d.attempts++
		cc.Exclude = d.tried
		up, err := host.Connect(poolID, cc)
		if err == nil {
			return up, nil
		}
		var ce *ConnectError
		if !errors.As(err, &ce) {
			return nil, err
		}
		d.tried = append(d.tried, ce.BackendID)
	}
	return nil, ErrConnectAttempts
}

// failed records a backend whose pending connect did not complete.
func (d *dialer) failed(up *Upstream) {
	d.tried = append(d.tried, up.Ref.BackendID)
}

func (d *dialer) reset() {
	d.attempts = 0
	d.tried = d.tried[:0]
}

// clientContext pins by client address, for sessions without cookies.
func clientContext(client netip.AddrPort) proxy.ClientContext {
	ip := client.Addr().String()
	return proxy.ClientContext{StickyKey: ip, HashKey: ip}
}
