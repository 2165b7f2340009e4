// Tollgate is a hot-reconfigurable HTTP/1.1 and TCP/TLS reverse proxy.
//
// Usage:
//
//	# Run a worker with its configuration and an initial state
//	tollgate worker --config /etc/tollgate/tollgate.toml --state /etc/tollgate/state.toml
//
//	# Push a new desired state to a running worker
//	tollgate ctl apply --from state.toml state-next.toml
//
//	# Keep a worker in sync with a state file
//	tollgate ctl apply --watch state.toml
//
//	# Drain and stop a worker
//	tollgate ctl soft-stop
package main

func main() {
	Execute()
}
