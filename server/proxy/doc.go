// Package proxy owns backend pools and the load balancer.
//
// A Registry holds pools by id; each pool is an arena of backends in
// insertion order. Sessions never hold backend pointers, only a Ref, which
// the registry resolves on every use so that a backend can be removed while
// sessions still reference it.
//
// # Selection
//
//	round_robin           cyclic cursor, skipping Down and removed backends
//	weighted_round_robin  smooth weighted selection, ties to the lowest in-flight count
//	sticky                backend whose sticky id matches the client key, else a
//	                      hash of the key, falling back to round robin when Down
//	consistent_hash       hash ring with failover along the ring
//	least_loaded          lowest in-flight count
//
// # Health
//
// Connection failures are counted per backend. After DegradedThreshold
// consecutive failures a backend is Degraded (still eligible), after
// FailureThreshold it is Down and excluded until a probe or a relayed
// exchange succeeds. Down backends are probed with exponential backoff.
//
// # Removal
//
// A removed backend is ineligible immediately and evicted once its
// in-flight count reaches zero or its drain deadline passes, whichever comes
// first. Forced evictions are reported so the owner can close the sessions
// still using it.
//
// The registry is owned by the reactor thread and does no locking.
package proxy
