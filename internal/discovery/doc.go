// Package discovery finds devices on the local network and registers them.
//
// A Service runs several Strategy implementations side by side:
//
//   - MulticastStrategy joins a multicast group and periodically announces
//     the local device.
//   - BroadcastStrategy does the same with UDP broadcasts for networks that
//     drop multicast traffic.
//   - SearchStrategy sends a search request to a well-known address and
//     collects the replies, and can answer other nodes' searches.
//
// All strategies emit Sightings into one channel. The Service filters its own
// id, turns goodbyes (TTL zero) into OFFLINE transitions, de-duplicates
// repeated sightings of the same device within a window, and registers the
// rest. A strategy that fails is restarted with exponential backoff without
// disturbing the others.
//
// Packets are JSON:
//
//	{"device_id":"laptop","kind":"desktop","address":"10.0.0.4:8080","capabilities":["gpu"],"ttl":90}
//	{"search":"devmesh","requester":"phone"}
package discovery
