// Package device provides the device catalog at the bottom of the devmesh
// coordination stack: every phone, desktop, server or IoT endpoint the engine
// knows about lives here together with its declared capabilities and liveness.
//
// # Overview
//
// Devices enter the registry from three directions:
//
//   - Discovery strategies (multicast announcement, directory search, UDP
//     broadcast) report sightings that become Register calls.
//   - Push registration over HTTP (POST /device/register).
//   - Heartbeats that only refresh LastSeen (MarkSeen).
//
// Registration is idempotent by device id. Re-registering a device replaces
// its fields and bumps LastSeen; the registry never holds two entries for the
// same id, regardless of how many strategies saw it.
//
// # Liveness
//
// Expire is called periodically by the engine and ages devices out:
//
//	ONLINE ──(HeartbeatTimeout)──► DEGRADED ──(OfflineAfter)──► OFFLINE ──(PurgeAfter)──► purged
//	   ▲                               │                            │
//	   └────────── MarkSeen / Register ┴────────────────────────────┘
//
// Downstream reactions are driven through listeners (AddListener):
//
//   - The scheduler stops placing new tasks on any device that is not ONLINE
//     and abandons in-flight calls to a device that went OFFLINE.
//   - The synchronizer stops gossiping to non-ONLINE devices but keeps every
//     entry they wrote.
//
// # Concurrency Model
//
//   - One sync.RWMutex guards the device map and the registration order
//   - Lookups take the read lock, mutation the write lock
//   - Listeners run after the lock is released, on the mutating goroutine
//   - All returned Device values are deep copies
//
// # Usage Example
//
//	reg := device.NewRegistry(device.DefaultThresholds())
//	reg.AddListener(func(c device.Change) {
//	    if c.Kind == events.DeviceOffline {
//	        sched.DeviceOffline(c.Device.ID)
//	    }
//	})
//	reg.Register(device.Device{
//	    ID:           "pixel-7",
//	    Kind:         device.KindMobile,
//	    Capabilities: []string{"screen_capture", "file_transfer"},
//	    Address:      "http://10.0.0.12:7070",
//	})
//	online := reg.List(device.Filter{Status: device.StatusOnline, Capabilities: []string{"screen_capture"}})
//
// # See Also
//
//   - internal/discovery: produces sightings fed into the registry
//   - internal/scheduler: consumes the registry for placement
//   - internal/statesync: uses ONLINE devices as gossip peers
package device
