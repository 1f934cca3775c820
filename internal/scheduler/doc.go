// Package scheduler runs task graphs on devices.
//
// # Overview
//
// A submission is a set of TaskSpecs whose dependencies form a DAG. Submit
// validates the whole set before anything is queued: ids must be unique,
// every dependency must name a task of the same submission, the graph must
// sort topologically and every selector must be well formed and, unless
// Config.DeferPlacement is set, satisfiable by some registered device. A
// failed validation returns a *SchedulingError and the queue is unchanged.
//
// # Lifecycle
//
//	PENDING -> SCHEDULED -> RUNNING -> DONE | FAILED | PARTIAL
//	        \-> CANCELLED (graph cancelled or a dependency did not finish DONE)
//
// A task becomes SCHEDULED only when every dependency is DONE. It becomes
// RUNNING once a target is resolved and a concurrency slot on that device is
// taken. A task that fails, is cancelled or ends PARTIAL cancels all of its
// transitive dependents, unless the graph was submitted best-effort, in
// which case dependents run once their dependencies are terminal.
//
// # Placement
//
//	explicit       a device id, a list of ids (one run per device), or "@group"
//	capability     first ONLINE device with every required capability
//	least_loaded   capable device with the fewest tasks holding a slot
//	round_robin    capable devices in registration order, one after another
//
// Selector.All fans a capability selector out to every ONLINE match. Multi
// target tasks collect a result per device and end DONE only if every
// device succeeded; otherwise PARTIAL, or FAILED if none did.
//
// # Attempts
//
// An attempt checks the device is ONLINE, asks the device's circuit breaker
// for permission and calls the executor with a timeout. Transient failures
// (unreachable device, open breaker) are retried with backoff; non-explicit
// selectors are resolved again before each retry, preferring a different
// device. Rejections are never retried. When a device goes OFFLINE its calls
// in flight are aborted and count as unreachable.
//
// Cancellation is cooperative: the call's context is cancelled and the
// dispatch token bumped, so a result arriving later is dropped.
package scheduler
