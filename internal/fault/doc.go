// Package fault is the fault tolerance layer used by every component that
// crosses the network: discovery, gossip, task dispatch and health checks.
//
// # Error Taxonomy
//
//	ErrDeviceUnreachable  transient, retried per RetryPolicy
//	ErrCommandRejected    permanent, never retried
//	ErrCircuitOpen        no network attempt was made
//
// Classify maps raw transport errors onto the taxonomy and Transient decides
// whether the Retrier may try again. Errors carry the device id through
// DeviceError and match their sentinel with errors.Is.
//
// # Circuit Breaker
//
// One Breaker per device (BreakerSet). N consecutive failures within the
// rolling window open it; calls then fail fast with ErrCircuitOpen. After the
// cooldown a single HALF_OPEN probe is allowed. A successful probe closes the
// breaker, a failed one reopens it with the cooldown doubled up to a cap.
//
// # Retry
//
// Retrier applies exponential backoff with jitter for a bounded number of
// attempts and only for transient errors. RetryPolicy.NewBackOff gives the
// same schedule to loops that retry forever.
//
// # Failover and Leadership
//
// FailoverManager pings the members of a group on an interval and promotes
// the highest-priority healthy secondary once the primary misses M checks in
// a row. A recovered primary rejoins as secondary; there is no automatic
// fail-back.
//
// Elector implements lease-based leadership for replicated coordinators on
// top of a LeaseStore: the leader renews every TTL/3 and surrenders as soon
// as a renewal fails or the lease lapses.
package fault
