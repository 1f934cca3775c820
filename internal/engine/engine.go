package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/devmesh/internal/cluster"
	"github.com/dreamware/devmesh/internal/config"
	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/discovery"
	"github.com/dreamware/devmesh/internal/events"
	"github.com/dreamware/devmesh/internal/executor"
	"github.com/dreamware/devmesh/internal/fault"
	"github.com/dreamware/devmesh/internal/scheduler"
	"github.com/dreamware/devmesh/internal/statesync"
)

// GossipCapability marks devices that run a synchronizer and take part in
// gossip. Plain devices only execute commands.
const GossipCapability = "gossip"

// Options are the engine's pluggable collaborators. Every field is optional.
type Options struct {
	// Executor runs commands on devices. Defaults to an executor.Registry
	// falling back to HTTPExecutor.
	Executor executor.Executor
	// Transport carries gossip. Defaults to statesync.HTTPTransport.
	Transport statesync.Transport
	// LeaseStore backs leader election. Defaults to an in-memory store,
	// which only elects among engines of one process.
	LeaseStore fault.LeaseStore
	// HealthCheck probes failover group members. Defaults to GET <addr>/health.
	HealthCheck func(ctx context.Context, m fault.Member) error
	// Strategies overrides the discovery strategies built from the config.
	// A non-nil empty slice disables discovery.
	Strategies []discovery.Strategy
	// Clock overrides time.Now in every component. Intended for tests.
	Clock func() time.Time
	// Events receives every event synchronously, ahead of bus subscribers,
	// so it never misses one to a full buffer. metrics.Recorder is one.
	Events events.Publisher
}

// Engine owns every coordination component of one coordinator and their
// lifecycle.
type Engine struct {
	bus       *events.Bus
	pub       events.Publisher
	registry  *device.Registry
	discovery *discovery.Service
	sync      *statesync.Synchronizer
	sched     *scheduler.Scheduler
	breakers  *fault.BreakerSet
	elector   *fault.Elector
	groups    map[string]*fault.FailoverManager
	check     func(ctx context.Context, m fault.Member) error
	now       func() time.Time
	cancel    context.CancelFunc
	started   time.Time
	cfg       config.Config
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// New wires the components described by cfg. Nothing runs until Start.
//
// With leader election enabled the scheduler starts inactive and only
// dispatches once this node holds the lease.
//
// Parameters:
//   - cfg: validated here; an invalid config is returned as an error
//   - opts: optional collaborators, each with a production default
//
// Returns:
//   - *Engine: ready to Start
//   - error: a config or failover group error
//
// Example:
//
//	eng, err := engine.New(config.Default(), engine.Options{Events: recorder})
//	if err != nil {
//		log.Fatal(err)
//	}
//	eng.Start(ctx)
//	defer eng.Stop()
func New(cfg config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if opts.Executor == nil {
		opts.Executor = executor.NewRegistry(executor.NewHTTPExecutor())
	}
	if opts.Transport == nil {
		opts.Transport = statesync.NewHTTPTransport()
	}
	if opts.LeaseStore == nil {
		opts.LeaseStore = fault.NewMemoryLeaseStore()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		cfg:      cfg,
		bus:      events.NewBus(),
		registry: device.NewRegistry(cfg.Thresholds()),
		breakers: fault.NewBreakerSet(cfg.BreakerConfig()),
		groups:   make(map[string]*fault.FailoverManager, len(cfg.Failover.Groups)),
		check:    opts.HealthCheck,
		now:      opts.Clock,
	}
	e.pub = events.Multi{opts.Events, e.bus}
	e.registry.SetClock(opts.Clock)
	e.breakers.SetClock(opts.Clock)

	e.sync = statesync.New(cfg.SyncConfig(), opts.Transport, e.gossipPeers, e.pub)
	e.sync.SetClock(opts.Clock)

	e.sched = scheduler.New(cfg.SchedulerConfig(), scheduler.Options{
		Devices:  e.registry,
		Executor: opts.Executor,
		Breakers: e.breakers,
		Groups:   e.primaryOf,
		Events:   e.pub,
	})
	e.sched.SetClock(opts.Clock)

	strategies := opts.Strategies
	if strategies == nil {
		strategies = e.defaultStrategies()
	}
	e.discovery = discovery.NewService(e.registry, cfg.NodeID, cfg.Discovery.RefreshWindow, strategies...)
	e.discovery.SetClock(opts.Clock)

	for _, g := range cfg.Failover.Groups {
		fm, err := fault.NewFailoverManager(g.Name, g.Members, cfg.Failover.Interval, cfg.Failover.MaxMisses)
		if err != nil {
			return nil, err
		}
		fm.SetCheckFunction(e.checkMember)
		fm.SetOnFailover(e.onFailover)
		e.groups[g.Name] = fm
	}

	if cfg.Leader.Enabled {
		e.elector = fault.NewElector(opts.LeaseStore, cfg.Leader.Domain, cfg.NodeID, cfg.Leader.LeaseTTL)
		e.elector.SetClock(opts.Clock)
		e.elector.OnAcquired(e.onLeaderAcquired)
		e.elector.OnLost(e.onLeaderLost)
		// followers hold submitted work until they win the lease
		e.sched.SetActive(false)
	}

	e.breakers.OnChange(func(id string, from, to fault.BreakerState) {
		e.pub.Publish(events.Event{
			Kind:    events.BreakerState,
			Subject: id,
			Payload: map[string]fault.BreakerState{"from": from, "to": to},
		})
	})
	e.registry.AddListener(e.onDeviceChange)
	return e, nil
}

func (e *Engine) defaultStrategies() []discovery.Strategy {
	d := e.cfg.Discovery
	var self *discovery.Announcement
	if e.cfg.Advertise != "" {
		caps := append([]string{GossipCapability}, e.cfg.Capabilities...)
		self = &discovery.Announcement{
			DeviceID:     e.cfg.NodeID,
			Kind:         string(device.KindServer),
			Address:      e.cfg.Advertise,
			Capabilities: device.NormalizeCapabilities(caps),
			TTL:          int(e.cfg.Devices.OfflineAfter / time.Second),
		}
	}

	var out []discovery.Strategy
	if e.cfg.DiscoveryEnabled("multicast") {
		out = append(out, &discovery.MulticastStrategy{Self: self, Group: d.MulticastGroup, Interval: d.AnnounceInterval})
	}
	if e.cfg.DiscoveryEnabled("search") {
		out = append(out, &discovery.SearchStrategy{Self: self, Address: d.SearchAddress, Listen: d.SearchListen, Cycle: d.SearchCycle, Window: d.SearchWindow})
	}
	if e.cfg.DiscoveryEnabled("broadcast") {
		out = append(out, &discovery.BroadcastStrategy{Self: self, Port: d.BroadcastPort, Interval: d.BroadcastInterval})
	}
	return out
}

// Start launches the background loops: expiry, discovery, gossip,
// anti-entropy, failover checks, leader election and dispatch. It returns
// immediately.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.started = e.now()

	e.spawn(func() { e.expireLoop(ctx) })
	e.spawn(func() { e.discovery.Run(ctx) })
	e.sched.Start(ctx)
	e.sync.Start(ctx)
	for _, fm := range e.groups {
		fm.Start(ctx)
	}
	if e.elector != nil {
		e.spawn(func() { e.elector.Run(ctx) })
	}
	log.Printf("engine: node %s started (%d failover groups, leader election %v)", e.cfg.NodeID, len(e.groups), e.elector != nil)
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop cancels every loop and waits for them. Tasks still running stay
// RUNNING; their calls are abandoned.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	for _, fm := range e.groups {
		fm.Stop()
	}
	e.sync.Stop()
	e.sched.Stop()
	e.wg.Wait()
	log.Printf("engine: node %s stopped", e.cfg.NodeID)
}

func (e *Engine) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Devices.ExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.registry.Expire()
		}
	}
}

func (e *Engine) gossipPeers() []device.Device {
	return e.registry.List(device.Filter{Status: device.StatusOnline, Capabilities: []string{GossipCapability}})
}

func (e *Engine) primaryOf(group string) (string, bool) {
	fm, ok := e.groups[group]
	if !ok {
		return "", false
	}
	return fm.Primary(), true
}

func (e *Engine) onDeviceChange(c device.Change) {
	e.pub.Publish(events.Event{Kind: c.Kind, Subject: c.Device.ID, Payload: c.Device})
	switch c.Kind {
	case events.DeviceOffline:
		e.sched.DeviceOffline(c.Device.ID)
	case events.DevicePurged:
		e.sync.ForgetPeer(c.Device.ID)
	}
	e.sched.Kick()
}

func (e *Engine) onFailover(ev fault.FailoverEvent) {
	e.pub.Publish(events.Event{Kind: events.FailoverTriggered, Subject: ev.Group, Payload: ev})
	e.sched.Kick()
}

func (e *Engine) onLeaderAcquired(t fault.Term) {
	e.pub.Publish(events.Event{Kind: events.LeaderAcquired, Subject: t.Leader, Payload: t})
	e.sched.SetActive(true)
}

func (e *Engine) onLeaderLost(t fault.Term) {
	e.pub.Publish(events.Event{Kind: events.LeaderLeaseExpired, Subject: t.Leader, Payload: t})
	e.sched.SetActive(false)
}

var errMemberOffline = errors.New("device is offline")

// checkMember probes a failover group member. Members that are registered
// devices are judged by the registry first; their address fills a missing
// Member.Addr.
func (e *Engine) checkMember(ctx context.Context, m fault.Member) error {
	if d, ok := e.registry.Get(m.ID); ok {
		if d.Status == device.StatusOffline {
			return fault.Unreachable(m.ID, errMemberOffline)
		}
		if m.Addr == "" {
			m.Addr = d.Address
		}
	}
	if e.check != nil {
		return e.check(ctx, m)
	}
	if m.Addr == "" {
		return fault.Unreachable(m.ID, errors.New("no address"))
	}
	if err := cluster.GetJSON(ctx, cluster.BaseURL(m.Addr)+"/health", nil); err != nil {
		return fault.Classify(m.ID, err)
	}
	return nil
}

// RegisterDevice adds or refreshes a device, as a push registration.
func (e *Engine) RegisterDevice(d device.Device) (device.Device, error) {
	return e.registry.Register(d)
}

// Heartbeat records contact with a known device.
func (e *Engine) Heartbeat(id string) error {
	return e.registry.MarkSeen(id, e.now())
}

// Devices lists registered devices matching f in registration order.
func (e *Engine) Devices(f device.Filter) []device.Device {
	return e.registry.List(f)
}

// Device returns one registered device.
func (e *Engine) Device(id string) (device.Device, bool) {
	return e.registry.Get(id)
}

// SubmitTasks validates and enqueues a task graph.
func (e *Engine) SubmitTasks(ctx context.Context, specs []scheduler.TaskSpec, opts scheduler.SubmitOptions) (scheduler.Submission, error) {
	return e.sched.Submit(ctx, specs, opts)
}

// CancelGraph cancels every unfinished task of a graph and returns how many
// were cancelled.
func (e *Engine) CancelGraph(graphID string) (int, error) {
	return e.sched.Cancel(graphID)
}

// CancelTask cancels one task and, unless its graph is best-effort, its
// dependents.
func (e *Engine) CancelTask(id string) error {
	return e.sched.CancelTask(id)
}

// Task returns a copy of one task.
func (e *Engine) Task(id string) (scheduler.Task, bool) {
	return e.sched.Get(id)
}

// Tasks returns the tasks of a graph in submission order.
func (e *Engine) Tasks(graphID string) ([]scheduler.Task, error) {
	return e.sched.List(graphID)
}

// Put writes a key locally; gossip spreads it.
func (e *Engine) Put(key string, value []byte) statesync.Entry {
	return e.sync.Put(key, value)
}

// Get reads the local replica of a key.
func (e *Engine) Get(key string) (statesync.Entry, bool) {
	return e.sync.Get(key)
}

// RegisterMerge installs a merge function for concurrent writes to keys
// under prefix.
func (e *Engine) RegisterMerge(prefix string, fn statesync.MergeFunc) {
	e.sync.RegisterMerge(prefix, fn)
}

// Conflicts returns the most recent resolved conflicts, oldest first.
func (e *Engine) Conflicts() []statesync.Conflict {
	return e.sync.Conflicts()
}

// Synchronizer exposes the synchronizer for the gossip HTTP handler.
func (e *Engine) Synchronizer() *statesync.Synchronizer {
	return e.sync
}

// Events returns the bus every component publishes to.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Breakers returns a snapshot of every circuit breaker.
func (e *Engine) Breakers() []fault.BreakerSnapshot {
	return e.breakers.Snapshots()
}

// Leader describes the current leadership term as this node sees it.
type Leader struct {
	LeaseExpiry time.Time `json:"lease_expiry"`
	ID          string    `json:"leader_device_id"`
	Term        uint64    `json:"term_number"`
	Self        bool      `json:"self"`
}

// Status is the monitoring view of the engine.
type Status struct {
	Time           time.Time                `json:"time"`
	Uptime         time.Duration            `json:"uptime_ns"`
	Leader         *Leader                  `json:"leader,omitempty"`
	Devices        map[device.Status]int    `json:"devices"`
	Tasks          map[scheduler.Status]int `json:"tasks"`
	Primaries      map[string]string        `json:"primaries,omitempty"`
	NodeID         string                   `json:"node_id"`
	OpenBreakers   []string                 `json:"open_breakers"`
	Gossip         statesync.Stats          `json:"gossip"`
	Discovery      discovery.Stats          `json:"discovery"`
	ConvergenceLag time.Duration            `json:"convergence_lag_ns"`
	EventsDropped  uint64                   `json:"events_dropped"`
	Active         bool                     `json:"dispatch_active"`
}

// Status reports device counts by status, gossip convergence lag, open
// breakers, the current leader and term, failover primaries and task counts.
func (e *Engine) Status() Status {
	now := e.now()
	gs := e.sync.Stats()
	st := Status{
		Time:           now,
		NodeID:         e.cfg.NodeID,
		Devices:        e.registry.Counts(),
		Tasks:          e.sched.Counts(),
		OpenBreakers:   e.breakers.Open(),
		Gossip:         gs,
		Discovery:      e.discovery.Stats(),
		ConvergenceLag: gs.ConvergenceLag,
		EventsDropped:  e.bus.Dropped(),
		Active:         e.elector == nil || e.elector.IsLeader(),
	}
	e.mu.Lock()
	if !e.started.IsZero() {
		st.Uptime = now.Sub(e.started)
	}
	e.mu.Unlock()
	if st.OpenBreakers == nil {
		st.OpenBreakers = []string{}
	}
	if len(e.groups) > 0 {
		st.Primaries = make(map[string]string, len(e.groups))
		for name, fm := range e.groups {
			st.Primaries[name] = fm.Primary()
		}
	}
	if e.elector != nil {
		t := e.elector.Term()
		if t.Leader != "" {
			st.Leader = &Leader{ID: t.Leader, Term: t.Number, LeaseExpiry: t.LeaseExpiry, Self: e.elector.IsLeader()}
		}
	}
	return st
}

// Groups lists the configured failover group names, sorted.
func (e *Engine) Groups() []string {
	out := make([]string, 0, len(e.groups))
	for name := range e.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
