// Package engine assembles one devmesh coordinator.
//
// An Engine owns the device registry, the discovery service, the state
// synchronizer, the task scheduler, the per-device circuit breakers, the
// failover groups and, when enabled, a leader elector. There are no package
// level singletons: a process builds one Engine from a config.Config, starts
// it and stops it.
//
//	eng, err := engine.New(cfg, engine.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	eng.Start(ctx)
//	defer eng.Stop()
//
// Components talk to each other only through the wiring done here:
//
//   - registry changes are published on the event bus; an OFFLINE device
//     aborts its in-flight calls in the scheduler, a purged device is
//     forgotten by the synchronizer
//   - gossip peers are the ONLINE devices carrying the "gossip" capability
//   - "@group" selectors resolve to the failover group's current primary
//   - with leader election enabled only the lease holder dispatches tasks;
//     followers accept and hold submissions
//
// Status aggregates what the monitoring surface needs: device counts by
// status, gossip convergence lag, open breakers, the leadership term,
// failover primaries and task counts.
package engine
