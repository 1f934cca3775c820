// Package statesync keeps per-key state eventually consistent across nodes
// using vector clocks, gossip and anti-entropy.
//
// # Versioning
//
// Every key carries an Entry whose Clock records the writes it reflects. A
// local Put increments this node's own slot on top of the key's current
// clock, so the new entry dominates everything the node had absorbed.
//
// On receipt of a remote entry:
//
//	remote after local       replace
//	remote before or equal   discard (never applied)
//	concurrent               conflict
//
// Conflicts are resolved by a MergeFunc registered for the key prefix, or by
// last-writer-wins on WriteTime with the larger Origin breaking ties. The
// stored result carries the pointwise max of both clocks so every replica
// that sees both writes settles on the identical entry. Each conflict is
// kept in a bounded log and published as a conflict.detected event.
//
// # Gossip
//
// Every GossipInterval a node picks up to Fanout random peers and sends each
// the entries that peer is not known to hold, newest first. The node
// remembers what it sent to and received from every peer, so a peer that
// already has everything is not sent a message at all. Entries that change
// a receiver's state are forwarded with HopCount+1 until MaxHops.
//
// # Anti-Entropy
//
// Less often, a node exchanges full digests (key to clock) with one random
// peer, pulls the keys where the peer is newer or concurrent and pushes the
// keys where it is newer. This bounds convergence time when gossip messages
// are lost or a partition heals.
//
// # Concurrency
//
// The Store is split into FNV-1a hashed shards with one lock each; clock
// comparison and replacement for a key happen under its shard lock, so
// concurrent gossip deliveries cannot interleave into a corrupt entry.
package statesync
