// Package cluster holds the wire types and JSON-over-HTTP helpers shared by
// the coordinator, the gossip transport and device agents.
//
// # Overview
//
// Every inter-process call in devmesh is a small JSON document posted over
// HTTP. This package keeps the request/response shapes in one place so both
// ends of a call agree on them, and provides the client helpers used to make
// those calls.
//
// # Communication Protocol
//
// Device Registration (POST /device/register):
//   - Devices or push-registration collaborators announce themselves
//   - Idempotent by device_id; answers {"device_id", "status": "registered"}
//
// Heartbeat (POST /device/heartbeat):
//   - Refreshes last_seen so the registry does not age the device out
//
// Command Execution (POST <device>/execute):
//   - The coordinator asks a device agent to run one command
//   - 4xx means the device refused; 5xx or no answer means it is unreachable
//
// Gossip (POST /gossip, GET /gossip/digest, POST /gossip/fetch):
//   - Peer-to-peer state propagation between coordinators
//
// # Error Handling
//
// Non-2xx replies surface as *StatusError carrying the status code and the
// server's error message, so callers can tell a refusal (ClientError) from a
// server-side failure. Transport failures are returned unchanged.
//
// # Timeouts
//
// The package-level PostJSON and GetJSON use a client with a 5s timeout.
// Calls whose duration depends on the work being done (command execution)
// build their own Client with NewClient(0) and rely on the request context.
package cluster
