package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/maps"

	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/events"
	"github.com/dreamware/devmesh/internal/executor"
	"github.com/dreamware/devmesh/internal/fault"
	"github.com/dreamware/devmesh/internal/observability"
)

// Devices is the part of the device registry the scheduler reads.
type Devices interface {
	Get(id string) (device.Device, bool)
	List(f device.Filter) []device.Device
}

// Config tunes dispatch.
type Config struct {
	Retry fault.RetryPolicy
	// PerDeviceConcurrency bounds the tasks RUNNING on one device.
	PerDeviceConcurrency int
	// AttemptTimeout applies to tasks submitted without timeout_ms.
	AttemptTimeout time.Duration
	// PlacementTimeout fails a ready task that found no ONLINE target
	// for this long.
	PlacementTimeout time.Duration
	// Retention is how long finished graphs stay queryable.
	Retention    time.Duration
	TickInterval time.Duration
	// DeferPlacement accepts tasks no known device can serve yet instead of
	// rejecting them at submission.
	DeferPlacement bool
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Retry:                fault.DefaultRetryPolicy(),
		PerDeviceConcurrency: 4,
		AttemptTimeout:       30 * time.Second,
		PlacementTimeout:     2 * time.Minute,
		Retention:            10 * time.Minute,
		TickInterval:         time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PerDeviceConcurrency <= 0 {
		c.PerDeviceConcurrency = def.PerDeviceConcurrency
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.PlacementTimeout <= 0 {
		c.PlacementTimeout = def.PlacementTimeout
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	return c
}

// Options are the scheduler's collaborators. Devices and Executor are
// required.
type Options struct {
	Devices  Devices
	Executor executor.Executor
	Breakers *fault.BreakerSet
	// Groups resolves "@group" selectors to the group's current primary.
	Groups func(group string) (string, bool)
	Events events.Publisher
}

var errDeviceOffline = errors.New("device went offline")
var errNotOnline = errors.New("device is not online")

// errStale stops the retry loop of an attempt whose task was cancelled or
// re-dispatched.
var errStale = errors.New("task no longer owned by this attempt")

type taskRef struct {
	g *graph
	i int
}

// Scheduler accepts task graphs and dispatches their tasks to devices.
//
// All task state lives behind one mutex; executor calls run on their own
// goroutines and report back through complete, which discards results
// whose dispatch token is stale.
type Scheduler struct {
	devices  Devices
	exec     executor.Executor
	breakers *fault.BreakerSet
	groups   func(string) (string, bool)
	pub      events.Publisher
	retrier  *fault.Retrier
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	kick     chan struct{}
	graphs   map[string]*graph
	tasks    map[string]taskRef
	running  map[string]int
	inflight map[string]map[uint64]context.CancelCauseFunc
	rr       map[string]int
	order    []string
	cfg      Config
	seq      uint64
	active   bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// New creates a scheduler. It dispatches nothing until Start runs.
func New(cfg Config, opts Options) *Scheduler {
	cfg = cfg.withDefaults()
	if opts.Breakers == nil {
		opts.Breakers = fault.NewBreakerSet(fault.DefaultBreakerConfig())
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		devices:  opts.Devices,
		exec:     opts.Executor,
		breakers: opts.Breakers,
		groups:   opts.Groups,
		pub:      opts.Events,
		retrier:  fault.NewRetrier(cfg.Retry),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
		graphs:   make(map[string]*graph),
		tasks:    make(map[string]taskRef),
		running:  make(map[string]int),
		inflight: make(map[string]map[uint64]context.CancelCauseFunc),
		rr:       make(map[string]int),
		active:   true,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetActive pauses (false) or resumes (true) dispatch of new work. Calls
// already in flight are not affected.
func (s *Scheduler) SetActive(active bool) {
	s.mu.Lock()
	changed := s.active != active
	s.active = active
	s.mu.Unlock()
	if changed {
		log.Printf("scheduler: dispatch active=%v", active)
		s.Kick()
	}
}

// Kick requests a scheduling pass without waiting for the next tick.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop, which runs until ctx or Stop cancels
// it. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.schedule()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-s.kick:
			s.schedule()
		case <-ticker.C:
			s.schedule()
			s.sweep()
		}
	}
}

// Stop cancels the loop and every in-flight call, then waits for them.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Submit validates a task graph and enqueues it. A rejected graph returns a
// *SchedulingError and leaves the queue untouched.
//
// Validation covers duplicate ids, unknown dependencies, cycles and, unless
// placement is deferred, whether some ONLINE device could run each task.
// Tasks whose dependencies are all met become READY at once and are picked
// up by the next scheduling pass.
//
// Parameters:
//   - ctx: carries the tracing span only; submission never blocks on devices
//   - specs: the tasks of one graph, in any order
//   - opts: graph id, the default selector and best-effort mode
//
// Returns:
//   - Submission: the graph id and the task ids in submission order
//   - error: a *SchedulingError naming the offending task, or nil
//
// Example:
//
//	sub, err := s.Submit(ctx, []TaskSpec{
//		{ID: "shot", Command: "capture", Selector: &Selector{Mode: ModeCapability, Value: "camera"}},
//		{ID: "upload", Command: "save", Dependencies: []string{"shot"}},
//	}, SubmitOptions{})
func (s *Scheduler) Submit(ctx context.Context, specs []TaskSpec, opts SubmitOptions) (Submission, error) {
	_, span := observability.StartSpan(ctx, "scheduler.submit", attribute.Int("tasks", len(specs)))
	defer span.End()

	s.mu.Lock()
	exists := func(id string) bool { _, ok := s.tasks[id]; return ok }
	if _, ok := s.graphs[opts.GraphID]; ok && opts.GraphID != "" {
		s.mu.Unlock()
		return Submission{}, reject(ErrDuplicateTask, "", "graph %s already exists", opts.GraphID)
	}
	g, err := buildGraph(specs, opts, exists, s.now())
	if err == nil && !s.cfg.DeferPlacement {
		for _, n := range g.nodes {
			if reason := s.placeableLocked(n.sel); reason != "" {
				err = reject(ErrNoCapableDevice, n.task.ID, "%s", reason)
				break
			}
		}
	}
	if err != nil {
		s.mu.Unlock()
		span.RecordError(err)
		return Submission{}, err
	}

	s.graphs[g.id] = g
	s.order = append(s.order, g.id)
	sub := Submission{GraphID: g.id, TaskIDs: make([]string, len(g.nodes))}
	for i, n := range g.nodes {
		s.tasks[n.task.ID] = taskRef{g: g, i: i}
		sub.TaskIDs[i] = n.task.ID
		s.publishLocked(n, "")
	}
	s.mu.Unlock()

	span.SetAttributes(attribute.String("graph.id", g.id))
	s.Kick()
	return sub, nil
}

// placeableLocked reports why no known device could ever serve sel, or ""
// when one could.
func (s *Scheduler) placeableLocked(t target) string {
	switch {
	case t.group != "":
		if s.groups == nil {
			return fmt.Sprintf("no failover group %q", t.group)
		}
		if _, ok := s.groups(t.group); !ok {
			return fmt.Sprintf("no failover group %q", t.group)
		}
	case len(t.ids) > 0:
		for _, id := range t.ids {
			if _, ok := s.devices.Get(id); !ok {
				return fmt.Sprintf("device %s is not registered", id)
			}
		}
	default:
		if len(s.devices.List(device.Filter{Capabilities: t.caps})) == 0 {
			return fmt.Sprintf("no device with capabilities %v", t.caps)
		}
	}
	return ""
}

// Get returns a snapshot of task id.
func (s *Scheduler) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return ref.g.nodes[ref.i].task.clone(), true
}

// List returns the tasks of a graph in submission order.
func (s *Scheduler) List(graphID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[graphID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, graphID)
	}
	out := make([]Task, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.task.clone()
	}
	return out, nil
}

// Counts returns the number of retained tasks per status.
func (s *Scheduler) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int)
	for _, ref := range s.tasks {
		out[ref.g.nodes[ref.i].task.Status]++
	}
	return out
}

// RunningOn returns the number of tasks holding a slot on deviceID.
func (s *Scheduler) RunningOn(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[deviceID]
}

// Cancel cancels every unfinished task of a graph. In-flight calls are
// abandoned and their results discarded.
func (s *Scheduler) Cancel(graphID string) (int, error) {
	s.mu.Lock()
	g, ok := s.graphs[graphID]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownGraph, graphID)
	}
	n := 0
	for _, nd := range g.nodes {
		if !nd.task.Status.Terminal() {
			n++
		}
	}
	for i, nd := range g.nodes {
		if nd.task.Status.Terminal() {
			continue
		}
		s.abortLocked(nd)
		s.settleLocked(g, i, StatusCancelled, "graph cancelled")
	}
	s.mu.Unlock()
	if n > 0 {
		log.Printf("scheduler: graph %s cancelled (%d tasks)", graphID, n)
	}
	return n, nil
}

// CancelTask cancels one task. Unless its graph is best-effort, the task's
// dependents are cancelled with it.
func (s *Scheduler) CancelTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	n := ref.g.nodes[ref.i]
	if n.task.Status.Terminal() {
		return nil
	}
	s.abortLocked(n)
	s.settleLocked(ref.g, ref.i, StatusCancelled, "cancelled")
	return nil
}

// DeviceOffline aborts every call in flight to deviceID. The aborted
// attempts count as unreachable and go through the normal retry path.
func (s *Scheduler) DeviceOffline(deviceID string) {
	s.mu.Lock()
	calls := maps.Clone(s.inflight[deviceID])
	s.mu.Unlock()
	for _, abort := range calls {
		abort(errDeviceOffline)
	}
	if len(calls) > 0 {
		log.Printf("scheduler: aborted %d call(s) to offline device %s", len(calls), deviceID)
	}
}

// schedule promotes ready tasks and dispatches scheduled ones.
func (s *Scheduler) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.ctx.Err() != nil {
		return
	}
	now := s.now()
	for _, gid := range s.order {
		g := s.graphs[gid]
		for i, n := range g.nodes {
			if n.task.Status == StatusPending && s.readyLocked(g, n) {
				n.readyAt = now
				s.setStatusLocked(n, StatusScheduled, "")
			}
			if n.task.Status == StatusScheduled {
				s.placeLocked(g, i, now)
			}
		}
	}
}

// readyLocked reports whether every dependency of n allows it to run.
func (s *Scheduler) readyLocked(g *graph, n *node) bool {
	for _, d := range n.deps {
		st := g.nodes[d].task.Status
		if g.bestEffort {
			if !st.Terminal() {
				return false
			}
		} else if st != StatusDone {
			return false
		}
	}
	return true
}

func (s *Scheduler) placeLocked(g *graph, i int, now time.Time) {
	n := g.nodes[i]
	targets, capable := s.resolveLocked(n.sel, "")
	if len(targets) == 0 {
		if !capable && now.Sub(n.readyAt) >= s.cfg.PlacementTimeout {
			s.settleLocked(g, i, StatusFailed, fmt.Sprintf("%v within %v", ErrNoCapableDevice, s.cfg.PlacementTimeout))
		}
		return
	}

	n.token++
	ids := make([]string, len(targets))
	for k, d := range targets {
		ids[k] = d.ID
		if d.Status == device.StatusOnline {
			s.acquireLocked(n, d.ID)
		}
	}
	n.task.Devices = ids
	ctx, cancel := context.WithCancel(s.ctx)
	n.cancel = cancel
	s.setStatusLocked(n, StatusRunning, "")

	timeout := n.timeout
	if timeout <= 0 {
		timeout = s.cfg.AttemptTimeout
	}
	j := job{
		g:       g,
		i:       i,
		token:   n.token,
		taskID:  n.task.ID,
		command: n.task.Command,
		params:  maps.Clone(n.task.Params),
		sel:     n.sel,
		timeout: timeout,
	}
	s.wg.Add(1)
	go s.run(ctx, j, targets)
}

// resolveLocked picks the devices a task should run on now. capable is
// true when some ONLINE device matches, even if none has a free slot.
// Selectors that can choose among devices prefer any over avoid.
func (s *Scheduler) resolveLocked(t target, avoid string) (targets []device.Device, capable bool) {
	free := func(d device.Device) bool { return s.running[d.ID] < s.cfg.PerDeviceConcurrency }
	online := func(d device.Device) bool { return d.Status == device.StatusOnline }

	switch {
	case t.group != "":
		if s.groups == nil {
			return nil, false
		}
		id, ok := s.groups(t.group)
		if !ok {
			return nil, false
		}
		d, ok := s.devices.Get(id)
		if !ok || !online(d) {
			return nil, false
		}
		if !free(d) {
			return nil, true
		}
		return []device.Device{d}, true

	case len(t.ids) == 1:
		d, ok := s.devices.Get(t.ids[0])
		if !ok || !online(d) {
			return nil, false
		}
		if !free(d) {
			return nil, true
		}
		return []device.Device{d}, true

	case len(t.ids) > 1:
		// every listed device gets a result; unknown or offline ones fail
		// through the retry path and make the task PARTIAL
		out := make([]device.Device, 0, len(t.ids))
		for _, id := range t.ids {
			d, ok := s.devices.Get(id)
			if !ok {
				d = device.Device{ID: id, Status: device.StatusUnknown}
			}
			if online(d) {
				capable = true
				if !free(d) {
					return nil, true
				}
			}
			out = append(out, d)
		}
		if !capable {
			return nil, false
		}
		return out, true
	}

	matches := s.devices.List(device.Filter{Status: device.StatusOnline, Capabilities: t.caps})
	if len(matches) == 0 {
		return nil, false
	}
	if t.all {
		for _, d := range matches {
			if !free(d) {
				return nil, true
			}
		}
		return matches, true
	}

	closed := func(d device.Device) bool {
		return free(d) && s.breakers.For(d.ID).State() != fault.StateOpen
	}
	preferred := func(d device.Device) bool { return d.ID != avoid && closed(d) }
	if d, ok := s.chooseLocked(t, matches, preferred); ok {
		return []device.Device{d}, true
	}
	// devices behind an open breaker are used only when nothing else is free
	if d, ok := s.chooseLocked(t, matches, closed); ok {
		return []device.Device{d}, true
	}
	if d, ok := s.chooseLocked(t, matches, free); ok {
		return []device.Device{d}, true
	}
	return nil, true
}

// chooseLocked applies the selector mode to matches, considering only
// devices accepted by ok.
func (s *Scheduler) chooseLocked(t target, matches []device.Device, ok func(device.Device) bool) (device.Device, bool) {
	switch t.mode {
	case ModeLeastLoaded:
		best := -1
		for k, d := range matches {
			if ok(d) && (best < 0 || s.running[d.ID] < s.running[matches[best].ID]) {
				best = k
			}
		}
		if best < 0 {
			return device.Device{}, false
		}
		return matches[best], true
	case ModeRoundRobin:
		key := t.key()
		start := s.rr[key] % len(matches)
		for k := 0; k < len(matches); k++ {
			pos := (start + k) % len(matches)
			if ok(matches[pos]) {
				s.rr[key] = pos + 1
				return matches[pos], true
			}
		}
		return device.Device{}, false
	default:
		for _, d := range matches {
			if ok(d) {
				return d, true
			}
		}
		return device.Device{}, false
	}
}

func (s *Scheduler) acquireLocked(n *node, deviceID string) {
	s.running[deviceID]++
	n.slots = append(n.slots, deviceID)
}

func (s *Scheduler) releaseLocked(n *node) {
	for _, id := range n.slots {
		s.releaseSlotLocked(id)
	}
	n.slots = nil
}

func (s *Scheduler) releaseSlotLocked(id string) {
	if s.running[id] <= 1 {
		delete(s.running, id)
		return
	}
	s.running[id]--
}

// abortLocked invalidates the current dispatch of n and gives back its
// slots.
func (s *Scheduler) abortLocked(n *node) {
	n.token++
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	s.releaseLocked(n)
}

// settleLocked moves task i to a terminal status. Unless the graph is
// best-effort, anything short of DONE cancels every transitive dependent.
func (s *Scheduler) settleLocked(g *graph, i int, status Status, reason string) {
	n := g.nodes[i]
	s.setStatusLocked(n, status, reason)
	if status != StatusDone {
		log.Printf("scheduler: task %s %s: %s", n.task.ID, status, reason)
	}
	if status != StatusDone && !g.bestEffort {
		why := fmt.Sprintf("dependency %s %s", n.task.ID, strings.ToLower(string(status)))
		for _, j := range g.descendants(i) {
			d := g.nodes[j]
			if d.task.Status.Terminal() {
				continue
			}
			s.abortLocked(d)
			s.setStatusLocked(d, StatusCancelled, why)
		}
	}
	if g.finished.IsZero() && g.done() {
		g.finished = s.now()
	}
}

func (s *Scheduler) setStatusLocked(n *node, status Status, reason string) {
	from := n.task.Status
	now := s.now()
	n.task.Status = status
	n.task.UpdatedAt = now
	if reason != "" {
		n.task.Error = reason
	}
	if status.Terminal() {
		n.task.FinishedAt = now
	}
	s.publishLocked(n, from)
}

func (s *Scheduler) publishLocked(n *node, from Status) {
	s.pub.Publish(events.Event{
		Time:    n.task.UpdatedAt,
		Kind:    events.TaskState,
		Subject: n.task.ID,
		Payload: Transition{
			TaskID:  n.task.ID,
			GraphID: n.task.GraphID,
			From:    from,
			To:      n.task.Status,
			Devices: append([]string(nil), n.task.Devices...),
			Error:   n.task.Error,
		},
	})
}

// sweep forgets graphs that finished more than Retention ago.
func (s *Scheduler) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	kept := s.order[:0]
	for _, gid := range s.order {
		g := s.graphs[gid]
		if !g.finished.IsZero() && now.Sub(g.finished) > s.cfg.Retention {
			for _, n := range g.nodes {
				delete(s.tasks, n.task.ID)
			}
			delete(s.graphs, gid)
			continue
		}
		kept = append(kept, gid)
	}
	s.order = kept
}
