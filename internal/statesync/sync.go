package statesync

import (
	"context"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/events"
	"github.com/dreamware/devmesh/internal/observability"
	"github.com/dreamware/devmesh/internal/vclock"
)

// Config tunes gossip and anti-entropy.
type Config struct {
	NodeID              string
	GossipInterval      time.Duration
	AntiEntropyInterval time.Duration
	SendTimeout         time.Duration
	Fanout              int
	MaxHops             int
	BatchSize           int
	Shards              int
	ConflictLogSize     int
}

// DefaultConfig returns the default gossip settings for nodeID.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:              nodeID,
		GossipInterval:      5 * time.Second,
		AntiEntropyInterval: 30 * time.Second,
		SendTimeout:         3 * time.Second,
		Fanout:              3,
		MaxHops:             10,
		BatchSize:           256,
		Shards:              DefaultShards,
		ConflictLogSize:     256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.NodeID)
	if c.GossipInterval <= 0 {
		c.GossipInterval = def.GossipInterval
	}
	if c.AntiEntropyInterval <= 0 {
		c.AntiEntropyInterval = def.AntiEntropyInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.Fanout <= 0 {
		c.Fanout = def.Fanout
	}
	if c.MaxHops <= 0 {
		c.MaxHops = def.MaxHops
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	return c
}

// Stats is a point-in-time view of synchronizer activity.
type Stats struct {
	LastAppliedAt    time.Time     `json:"last_applied_at"`
	Rounds           uint64        `json:"rounds"`
	MessagesSent     uint64        `json:"messages_sent"`
	MessagesReceived uint64        `json:"messages_received"`
	EntriesSent      uint64        `json:"entries_sent"`
	Applied          uint64        `json:"applied"`
	Stale            uint64        `json:"stale"`
	Conflicts        uint64        `json:"conflicts"`
	SkippedSends     uint64        `json:"skipped_sends"`
	SendFailures     uint64        `json:"send_failures"`
	AntiEntropyRuns  uint64        `json:"anti_entropy_runs"`
	ConvergenceLag   time.Duration `json:"convergence_lag_ns"`
	Keys             int           `json:"keys"`
}

// ReceiveResult summarises one applied message.
type ReceiveResult struct {
	Applied    int `json:"applied"`
	Stale      int `json:"stale"`
	Conflicted int `json:"conflicted"`
}

// Synchronizer keeps one node's Store converging with its peers.
//
// Each gossip round picks up to Fanout random peers and ships each of them
// only the entries it is not already known to hold, most recently changed
// first. Received entries that change local state are forwarded with the hop
// count incremented until MaxHops. Anti-entropy periodically reconciles full
// digests with one random peer to bound convergence under message loss.
//
// Failures talking to peers are logged and retried next tick; they never
// reach callers.
type Synchronizer struct {
	transport  Transport
	pub        events.Publisher
	store      *Store
	conflicts  *ConflictLog
	peers      func() []device.Device
	now        func() time.Time
	known      map[string]map[string]vclock.Clock // peer -> key -> clock the peer holds
	cancel     context.CancelFunc
	mergers    Mergers
	cfg        Config
	lagMu      sync.Mutex
	lastLag    time.Duration
	lastAt     time.Time
	kmu        sync.Mutex
	loops      sync.WaitGroup
	fmu        sync.Mutex
	idle       *sync.Cond // broadcast when forwarding drops to zero
	forwarding int
	closed     bool
	round      atomic.Uint64
	st         struct {
		rounds, sent, received, entriesSent, applied, stale, conflicts, skipped, failures, antiEntropy atomic.Uint64
	}
}

// New creates a synchronizer. peers lists gossip candidates (the node itself
// is filtered out); pub receives conflict events and may be nil.
func New(cfg Config, transport Transport, peers func() []device.Device, pub events.Publisher) *Synchronizer {
	cfg = cfg.withDefaults()
	if pub == nil {
		pub = events.Discard{}
	}
	if peers == nil {
		peers = func() []device.Device { return nil }
	}
	s := &Synchronizer{
		cfg:       cfg,
		transport: transport,
		peers:     peers,
		pub:       pub,
		store:     NewStore(cfg.Shards),
		conflicts: NewConflictLog(cfg.ConflictLogSize),
		known:     make(map[string]map[string]vclock.Clock),
		now:       time.Now,
	}
	s.idle = sync.NewCond(&s.fmu)
	return s
}

// SetClock overrides the wall clock used for write times. Intended for tests.
func (s *Synchronizer) SetClock(now func() time.Time) {
	s.now = now
}

// NodeID returns the id whose vector clock slot this node increments.
func (s *Synchronizer) NodeID() string { return s.cfg.NodeID }

// RegisterMerge installs an application merge function for keys starting
// with prefix. Keys without one resolve conflicts by last-writer-wins.
func (s *Synchronizer) RegisterMerge(prefix string, fn MergeFunc) {
	s.mergers.Register(prefix, fn)
}

// Put writes value under key, incrementing this node's clock slot on top of
// whatever clock the key already carries. The write reaches peers on the
// next gossip round.
//
// Parameters:
//   - key: state key, for example "clipboard" or "session/42"
//   - value: opaque bytes; the store keeps its own reference
//
// Returns:
//   - Entry: the stored entry with its new clock and write time
//
// Example:
//
//	e := s.Put("clipboard", []byte("hello"))
//	log.Printf("clipboard now at %v", e.Clock)
func (s *Synchronizer) Put(key string, value []byte) Entry {
	now := s.now()
	return s.store.Update(key, func(cur Entry, _ bool) Entry {
		return Entry{
			Key:       key,
			Value:     value,
			Clock:     cur.Clock.Increment(s.cfg.NodeID),
			Origin:    s.cfg.NodeID,
			WriteTime: unixSeconds(now),
		}
	})
}

// Get returns the local entry for key.
func (s *Synchronizer) Get(key string) (Entry, bool) {
	return s.store.Get(key)
}

// Snapshot returns every local entry sorted by key.
func (s *Synchronizer) Snapshot() []Entry {
	return s.store.Snapshot()
}

// LocalDigest returns the clock of every local key.
func (s *Synchronizer) LocalDigest() Digest {
	return s.store.Digest()
}

// Entries returns the local entries for keys, skipping unknown ones.
func (s *Synchronizer) Entries(keys []string) []Entry {
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := s.store.Get(k); ok {
			out = append(out, e)
		}
	}
	return out
}

// Conflicts returns the retained conflict records.
func (s *Synchronizer) Conflicts() []Conflict {
	return s.conflicts.List()
}

// ForgetPeer drops the delta bookkeeping for a purged peer. Entries the
// peer wrote are kept.
func (s *Synchronizer) ForgetPeer(id string) {
	s.kmu.Lock()
	delete(s.known, id)
	s.kmu.Unlock()
}

// Receive applies a gossip message and forwards whatever changed local state
// to other peers while the hop budget lasts. Forwarding runs in the
// background; Wait blocks until it is done. After Stop nothing is forwarded.
//
// Parameters:
//   - ctx: request context; forwards outlive its cancellation
//   - msg: entries from msg.SenderID, who is not forwarded to
//
// Returns:
//   - ReceiveResult: how many entries were applied, stale or conflicted
//
// Example:
//
//	res := s.Receive(r.Context(), msg)
//	cluster.WriteJSON(w, http.StatusOK, res)
func (s *Synchronizer) Receive(ctx context.Context, msg Message) ReceiveResult {
	s.st.received.Add(1)
	changed, res := s.absorb(msg.SenderID, msg.Entries)
	if len(changed) > 0 && msg.HopCount < s.cfg.MaxHops {
		fwd := Message{SenderID: s.cfg.NodeID, RoundID: msg.RoundID, HopCount: msg.HopCount + 1}
		targets := s.pickPeers(msg.SenderID)
		if len(targets) > 0 && s.beginForward() {
			go func() {
				defer s.endForward()
				s.sendDeltas(context.WithoutCancel(ctx), targets, fwd, changed)
			}()
		}
	}
	return res
}

// absorb applies entries received from sender and returns the stored
// versions of the entries that changed local state.
func (s *Synchronizer) absorb(sender string, entries []Entry) ([]Entry, ReceiveResult) {
	var (
		changed []Entry
		res     ReceiveResult
	)
	now := s.now()
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		ar := s.store.Apply(e, s.mergers.Resolve)
		switch ar.Outcome {
		case Stale:
			res.Stale++
			s.st.stale.Add(1)
			continue
		case Applied:
			res.Applied++
			s.st.applied.Add(1)
		case Conflicted:
			res.Conflicted++
			s.st.conflicts.Add(1)
			s.recordConflict(ar, e, now)
		}
		changed = append(changed, ar.Stored)
		s.observeLag(now, e)
	}
	if sender != "" && sender != s.cfg.NodeID {
		s.remember(sender, entries)
	}
	return changed, res
}

func (s *Synchronizer) recordConflict(ar ApplyResult, remote Entry, now time.Time) {
	c := s.conflicts.Add(Conflict{
		Key:        remote.Key,
		Local:      ar.Previous,
		Remote:     remote.Clone(),
		Winner:     ar.Stored,
		Resolution: ar.Resolution,
		DetectedAt: now,
	})
	log.Printf("gossip: conflict on %q between %s and %s resolved by %s (winner %s)",
		c.Key, c.Local.Origin, c.Remote.Origin, c.Resolution, c.Winner.Origin)
	s.pub.Publish(events.Event{Kind: events.ConflictDetected, Subject: c.Key, Payload: c})
}

func (s *Synchronizer) observeLag(now time.Time, e Entry) {
	lag := now.Sub(e.Time())
	if lag < 0 {
		lag = 0
	}
	s.lagMu.Lock()
	s.lastLag = lag
	s.lastAt = now
	s.lagMu.Unlock()
}

// remember records that peer holds at least the given clocks.
func (s *Synchronizer) remember(peer string, entries []Entry) {
	s.kmu.Lock()
	defer s.kmu.Unlock()
	k := s.known[peer]
	if k == nil {
		k = make(map[string]vclock.Clock)
		s.known[peer] = k
	}
	for _, e := range entries {
		k[e.Key] = k[e.Key].Merge(e.Clock)
	}
}

func (s *Synchronizer) rememberDigest(peer string, d Digest) {
	entries := make([]Entry, 0, len(d))
	for key, c := range d {
		entries = append(entries, Entry{Key: key, Clock: c})
	}
	s.remember(peer, entries)
}

// delta filters candidates down to entries peer is not known to hold,
// keeping order and stopping at the batch size.
func (s *Synchronizer) delta(peer string, candidates []Entry) []Entry {
	s.kmu.Lock()
	defer s.kmu.Unlock()
	k := s.known[peer]
	var out []Entry
	for _, e := range candidates {
		if c, ok := k[e.Key]; ok && c.Covers(e.Clock) {
			continue
		}
		out = append(out, e)
		if len(out) == s.cfg.BatchSize {
			break
		}
	}
	return out
}

// pickPeers returns up to Fanout random peers other than this node and
// exclude.
func (s *Synchronizer) pickPeers(exclude ...string) []device.Device {
	all := s.peers()
	out := make([]device.Device, 0, len(all))
next:
	for _, p := range all {
		if p.ID == s.cfg.NodeID {
			continue
		}
		for _, x := range exclude {
			if p.ID == x {
				continue next
			}
		}
		out = append(out, p)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > s.cfg.Fanout {
		out = out[:s.cfg.Fanout]
	}
	return out
}

// GossipRound runs one gossip tick and returns the number of messages sent.
func (s *Synchronizer) GossipRound(ctx context.Context) int {
	round := s.round.Add(1)
	s.st.rounds.Add(1)
	ctx, span := observability.StartSpan(ctx, "gossip.round",
		attribute.String("node", s.cfg.NodeID), attribute.Int64("round", int64(round)))
	defer span.End()

	targets := s.pickPeers()
	if len(targets) == 0 {
		return 0
	}
	msg := Message{SenderID: s.cfg.NodeID, RoundID: round}
	sent := s.sendDeltas(ctx, targets, msg, s.store.Recent())
	span.SetAttributes(attribute.Int("messages", sent))
	return sent
}

// sendDeltas sends each target the part of candidates it lacks, in
// parallel. Peers that already hold everything are skipped.
func (s *Synchronizer) sendDeltas(ctx context.Context, targets []device.Device, base Message, candidates []Entry) int {
	var (
		wg   sync.WaitGroup
		sent atomic.Int64
	)
	for _, peer := range targets {
		entries := s.delta(peer.ID, candidates)
		if len(entries) == 0 {
			s.st.skipped.Add(1)
			continue
		}
		wg.Add(1)
		go func(peer device.Device, entries []Entry) {
			defer wg.Done()
			msg := base
			msg.Entries = entries
			cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
			defer cancel()
			if err := s.transport.Send(cctx, peer, msg); err != nil {
				s.st.failures.Add(1)
				log.Printf("gossip: send to %s failed (round %d, hop %d): %v", peer.ID, msg.RoundID, msg.HopCount, err)
				return
			}
			s.remember(peer.ID, entries)
			s.st.sent.Add(1)
			s.st.entriesSent.Add(uint64(len(entries)))
			sent.Add(1)
		}(peer, entries)
	}
	wg.Wait()
	return int(sent.Load())
}

// AntiEntropy reconciles full state with one random peer: keys the peer has
// newer (or concurrent) versions of are pulled, keys this node has newer
// versions of are pushed.
func (s *Synchronizer) AntiEntropy(ctx context.Context) error {
	targets := s.pickPeers()
	if len(targets) == 0 {
		return nil
	}
	peer := targets[0]
	s.st.antiEntropy.Add(1)
	ctx, span := observability.StartSpan(ctx, "gossip.anti_entropy",
		attribute.String("node", s.cfg.NodeID), attribute.String("peer", peer.ID))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	remote, err := s.transport.Digest(cctx, peer)
	if err != nil {
		return err
	}
	s.rememberDigest(peer.ID, remote)

	local := s.store.Digest()
	var pull []string
	for key, rc := range remote {
		lc, ok := local[key]
		if !ok {
			pull = append(pull, key)
			continue
		}
		switch lc.Compare(rc) {
		case vclock.Before, vclock.Concurrent:
			pull = append(pull, key)
		}
	}
	var push []string
	for key, lc := range local {
		rc, ok := remote[key]
		if !ok {
			push = append(push, key)
			continue
		}
		switch lc.Compare(rc) {
		case vclock.After, vclock.Concurrent:
			push = append(push, key)
		}
	}
	sort.Strings(pull)
	sort.Strings(push)

	if len(pull) > 0 {
		entries, err := s.transport.Fetch(cctx, peer, pull)
		if err != nil {
			return err
		}
		s.absorb(peer.ID, entries)
	}
	if len(push) > 0 {
		entries := s.Entries(push)
		// Pushed entries are not forwarded by the receiver.
		msg := Message{SenderID: s.cfg.NodeID, RoundID: s.round.Load(), HopCount: s.cfg.MaxHops, Entries: entries}
		if err := s.transport.Send(cctx, peer, msg); err != nil {
			return err
		}
		s.remember(peer.ID, entries)
	}
	span.SetAttributes(attribute.Int("pulled", len(pull)), attribute.Int("pushed", len(push)))
	return nil
}

// Start runs the gossip and anti-entropy loops until ctx is done or Stop is
// called.
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.loops.Add(2)
	go s.loop(ctx, s.cfg.GossipInterval, func(ctx context.Context) {
		s.GossipRound(ctx)
	})
	go s.loop(ctx, s.cfg.AntiEntropyInterval, func(ctx context.Context) {
		if err := s.AntiEntropy(ctx); err != nil {
			log.Printf("gossip: anti-entropy failed: %v", err)
		}
	})
	log.Printf("gossip: node %s started (interval %v, fan-out %d, max hops %d)",
		s.cfg.NodeID, s.cfg.GossipInterval, s.cfg.Fanout, s.cfg.MaxHops)
}

func (s *Synchronizer) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer s.loops.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Stop ends the loops and waits for in-flight forwards. Messages received
// after Stop are still applied but no longer forwarded.
func (s *Synchronizer) Stop() {
	s.fmu.Lock()
	s.closed = true
	s.fmu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.loops.Wait()
	s.Wait()
}

// Wait blocks until messages being forwarded by Receive have been sent.
// It may be called any number of times, concurrently with Receive.
func (s *Synchronizer) Wait() {
	s.fmu.Lock()
	for s.forwarding > 0 {
		s.idle.Wait()
	}
	s.fmu.Unlock()
}

// beginForward reserves a forward; it refuses once Stop has begun.
func (s *Synchronizer) beginForward() bool {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.closed {
		return false
	}
	s.forwarding++
	return true
}

func (s *Synchronizer) endForward() {
	s.fmu.Lock()
	s.forwarding--
	if s.forwarding == 0 {
		s.idle.Broadcast()
	}
	s.fmu.Unlock()
}

// Stats returns counters and the most recent convergence lag: the delay
// between a remote write and this node absorbing it.
func (s *Synchronizer) Stats() Stats {
	s.lagMu.Lock()
	lag, at := s.lastLag, s.lastAt
	s.lagMu.Unlock()
	return Stats{
		Rounds:           s.st.rounds.Load(),
		MessagesSent:     s.st.sent.Load(),
		MessagesReceived: s.st.received.Load(),
		EntriesSent:      s.st.entriesSent.Load(),
		Applied:          s.st.applied.Load(),
		Stale:            s.st.stale.Load(),
		Conflicts:        s.st.conflicts.Load(),
		SkippedSends:     s.st.skipped.Load(),
		SendFailures:     s.st.failures.Load(),
		AntiEntropyRuns:  s.st.antiEntropy.Load(),
		ConvergenceLag:   lag,
		LastAppliedAt:    at,
		Keys:             s.store.Stats().Keys,
	}
}
