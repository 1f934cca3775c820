package statesync

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dreamware/devmesh/internal/vclock"
)

// DefaultShards is the number of lock domains a Store is split into.
const DefaultShards = 16

// StoreStats provides metrics about the store.
type StoreStats struct {
	Keys  int // Number of keys
	Bytes int // Total size of all values in bytes
}

type record struct {
	entry Entry
	seq   uint64 // local change sequence, larger is more recent
}

type storeShard struct {
	records map[string]*record
	mu      sync.RWMutex
}

// Store is the per-key versioned state of one node.
//
// Keys are spread over independent shards by FNV-1a hash, so clock
// comparison and replacement for a key happen under that shard's lock only
// and gossip for unrelated keys never contends.
//
// Thread Safety:
// All methods are safe for concurrent use. Entries are copied on the way in
// and on the way out.
type Store struct {
	shards []*storeShard
	seq    atomic.Uint64
}

// ApplyResult reports what Apply did.
type ApplyResult struct {
	Previous   Entry
	Stored     Entry
	Resolution string
	Outcome    Outcome
	Existed    bool
}

// Resolver decides the stored entry for two concurrent entries of a key.
// It must be deterministic and symmetric so replicas converge.
type Resolver func(local, remote Entry) (winner Entry, resolution string)

// NewStore creates an empty store with numShards shards (DefaultShards when
// numShards <= 0).
func NewStore(numShards int) *Store {
	if numShards <= 0 {
		numShards = DefaultShards
	}
	s := &Store{shards: make([]*storeShard, numShards)}
	for i := range s.shards {
		s.shards[i] = &storeShard{records: make(map[string]*record)}
	}
	return s
}

// shardIndex maps a key onto a shard using FNV-1a.
func shardIndex(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (s *Store) shardFor(key string) *storeShard {
	return s.shards[shardIndex(key, len(s.shards))]
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key string) (Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	r, ok := sh.records[key]
	if !ok {
		return Entry{}, false
	}
	return r.entry.Clone(), true
}

// Update replaces the entry for key with the result of fn, which receives the
// current entry. fn runs under the shard lock and must not call back into
// the store.
func (s *Store) Update(key string, fn func(cur Entry, exists bool) Entry) Entry {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var cur Entry
	r, ok := sh.records[key]
	if ok {
		cur = r.entry.Clone()
	}
	next := fn(cur, ok).Clone()
	next.Key = key
	sh.records[key] = &record{entry: next, seq: s.seq.Add(1)}
	return next.Clone()
}

// Apply merges a remote entry into the store.
//
// A remote entry whose clock dominates the local one replaces it. One that
// is dominated by or equal to the local entry is discarded. Concurrent
// entries are handed to resolve and the result is stored.
//
// Parameters:
//   - remote: an entry received from a peer
//   - resolve: picks the winner of two concurrent entries
//
// Returns:
//   - ApplyResult: the outcome (Applied, Stale or Conflicted) with the
//     previous and stored entries
//
// Example:
//
//	var m Mergers
//	ar := store.Apply(remote, m.Resolve)
//	if ar.Outcome == Conflicted {
//		log.Printf("%s resolved by %s", remote.Key, ar.Resolution)
//	}
func (s *Store) Apply(remote Entry, resolve Resolver) ApplyResult {
	sh := s.shardFor(remote.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.records[remote.Key]
	if !ok {
		stored := remote.Clone()
		sh.records[remote.Key] = &record{entry: stored, seq: s.seq.Add(1)}
		return ApplyResult{Outcome: Applied, Stored: stored.Clone()}
	}

	local := r.entry
	res := ApplyResult{Previous: local.Clone(), Existed: true}
	switch remote.Clock.Compare(local.Clock) {
	case vclock.After:
		r.entry = remote.Clone()
		r.seq = s.seq.Add(1)
		res.Outcome = Applied
	case vclock.Before, vclock.Equal:
		res.Outcome = Stale
	default:
		winner, how := resolve(local.Clone(), remote.Clone())
		winner.Key = remote.Key
		r.entry = winner.Clone()
		r.seq = s.seq.Add(1)
		res.Outcome = Conflicted
		res.Resolution = how
	}
	res.Stored = r.entry.Clone()
	return res
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.records {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns copies of all entries sorted by key.
func (s *Store) Snapshot() []Entry {
	out := s.recent()
	sort.Slice(out, func(i, j int) bool { return out[i].entry.Key < out[j].entry.Key })
	return entriesOf(out)
}

// Recent returns copies of all entries, most recently changed first.
func (s *Store) Recent() []Entry {
	return entriesOf(s.recent())
}

func (s *Store) recent() []record {
	var out []record
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, r := range sh.records {
			out = append(out, record{entry: r.entry.Clone(), seq: r.seq})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	return out
}

func entriesOf(rs []record) []Entry {
	out := make([]Entry, len(rs))
	for i, r := range rs {
		out[i] = r.entry
	}
	return out
}

// Digest returns the clock of every entry.
func (s *Store) Digest() Digest {
	d := make(Digest)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, r := range sh.records {
			d[k] = r.entry.Clock.Copy()
		}
		sh.mu.RUnlock()
	}
	return d
}

// Stats returns the number of keys and total value bytes.
func (s *Store) Stats() StoreStats {
	var st StoreStats
	for _, sh := range s.shards {
		sh.mu.RLock()
		st.Keys += len(sh.records)
		for _, r := range sh.records {
			st.Bytes += len(r.entry.Value)
		}
		sh.mu.RUnlock()
	}
	return st
}
