package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/devmesh/internal/config"
	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/discovery"
	"github.com/dreamware/devmesh/internal/events"
	"github.com/dreamware/devmesh/internal/executor"
	"github.com/dreamware/devmesh/internal/fault"
	"github.com/dreamware/devmesh/internal/scheduler"
	"github.com/dreamware/devmesh/internal/statesync"
)

func testConfig(id string) config.Config {
	cfg := config.Default()
	cfg.NodeID = id
	cfg.Gossip.Interval = 20 * time.Millisecond
	cfg.Gossip.AntiEntropyInterval = 50 * time.Millisecond
	cfg.Devices.ExpiryInterval = 10 * time.Millisecond
	cfg.Scheduler.TickInterval = 5 * time.Millisecond
	cfg.Retry = config.Retry{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	cfg.Failover.Interval = 20 * time.Millisecond
	return cfg
}

// echo answers every command with the id of the device it ran on.
var echo = executor.Func(func(_ context.Context, d device.Device, _ string, _ map[string]any) (executor.Result, error) {
	return executor.Result{Status: executor.StatusDone, Output: d.ID}, nil
})

func start(t *testing.T, cfg config.Config, opts Options) *Engine {
	t.Helper()
	if opts.Strategies == nil {
		opts.Strategies = []discovery.Strategy{}
	}
	if opts.Executor == nil {
		opts.Executor = echo
	}
	e, err := New(cfg, opts)
	require.NoError(t, err)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func waitEvent(t *testing.T, sub <-chan events.Event, kind events.Kind, subject string) events.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == kind && (subject == "" || ev.Subject == subject) {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event for %q", kind, subject)
			return events.Event{}
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("c1")
	cfg.Gossip.Fanout = 0
	_, err := New(cfg, Options{})
	assert.Error(t, err)
}

func TestRegisterSubmitObserve(t *testing.T) {
	e := start(t, testConfig("c1"), Options{})
	sub, cancel := e.Events().Subscribe(1024)
	defer cancel()

	_, err := e.RegisterDevice(device.Device{ID: "cam", Kind: device.KindIoT, Capabilities: []string{"screen_capture"}})
	require.NoError(t, err)
	_, err = e.RegisterDevice(device.Device{ID: "laptop", Kind: device.KindDesktop})
	require.NoError(t, err)
	waitEvent(t, sub, events.DeviceJoined, "cam")

	out, err := e.SubmitTasks(context.Background(), []scheduler.TaskSpec{
		{ID: "shot", Command: "capture", Selector: &scheduler.Selector{Mode: scheduler.ModeCapability, Value: "screen_capture"}},
		{ID: "store", Command: "save", Dependencies: []string{"shot"}, Selector: &scheduler.Selector{Mode: scheduler.ModeExplicit, Value: "laptop"}},
	}, scheduler.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"shot", "store"}, out.TaskIDs)

	require.Eventually(t, func() bool {
		tk, ok := e.Task("store")
		return ok && tk.Status == scheduler.StatusDone
	}, 3*time.Second, 5*time.Millisecond)

	shot, _ := e.Task("shot")
	assert.Equal(t, "cam", shot.Result.Output)
	tasks, err := e.Tasks(out.GraphID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	st := e.Status()
	assert.Equal(t, "c1", st.NodeID)
	assert.Equal(t, 2, st.Devices[device.StatusOnline])
	assert.Equal(t, 2, st.Tasks[scheduler.StatusDone])
	assert.Empty(t, st.OpenBreakers)
	assert.True(t, st.Active)
	assert.Nil(t, st.Leader)
}

// kindLog is a publisher that remembers event kinds.
type kindLog struct {
	mu    sync.Mutex
	kinds map[events.Kind]int
}

func (l *kindLog) Publish(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.kinds == nil {
		l.kinds = make(map[events.Kind]int)
	}
	l.kinds[ev.Kind]++
}

func (l *kindLog) count(k events.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kinds[k]
}

func TestOptionsEventsSeesEngineEvents(t *testing.T) {
	seen := &kindLog{}
	e := start(t, testConfig("c1"), Options{Events: seen})
	sub, cancel := e.Events().Subscribe(1024)
	defer cancel()

	_, err := e.RegisterDevice(device.Device{ID: "d1"})
	require.NoError(t, err)
	_, err = e.SubmitTasks(context.Background(), []scheduler.TaskSpec{
		{ID: "t1", Command: "noop", Selector: &scheduler.Selector{Mode: scheduler.ModeExplicit, Value: "d1"}},
	}, scheduler.SubmitOptions{})
	require.NoError(t, err)

	waitEvent(t, sub, events.DeviceJoined, "d1")
	require.Eventually(t, func() bool {
		tk, ok := e.Task("t1")
		return ok && tk.Status == scheduler.StatusDone
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, seen.count(events.DeviceJoined))
	assert.GreaterOrEqual(t, seen.count(events.TaskState), 2, "queued to running to done")
}

func TestHeartbeatUnknownDevice(t *testing.T) {
	e := start(t, testConfig("c1"), Options{})
	assert.ErrorIs(t, e.Heartbeat("ghost"), device.ErrUnknownDevice)

	_, err := e.RegisterDevice(device.Device{ID: "d1"})
	require.NoError(t, err)
	assert.NoError(t, e.Heartbeat("d1"))
}

// TestExpiryStopsPlacement ages a device out through the engine's expiry
// loop and checks the scheduler stops targeting it.
func TestExpiryStopsPlacement(t *testing.T) {
	var offset atomic.Int64
	base := time.Now()
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	cfg := testConfig("c1")
	cfg.Scheduler.DeferPlacement = true
	e := start(t, cfg, Options{Clock: clock})
	sub, cancel := e.Events().Subscribe(1024)
	defer cancel()

	_, err := e.RegisterDevice(device.Device{ID: "d1", Capabilities: []string{"gpu"}})
	require.NoError(t, err)

	offset.Store(int64(3 * time.Minute))
	waitEvent(t, sub, events.DeviceOffline, "d1")
	d, ok := e.Device("d1")
	require.True(t, ok)
	assert.Equal(t, device.StatusOffline, d.Status)

	_, err = e.SubmitTasks(context.Background(), []scheduler.TaskSpec{
		{ID: "t", Command: "train", Selector: &scheduler.Selector{Mode: scheduler.ModeCapability, Value: "gpu"}},
	}, scheduler.SubmitOptions{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	tk, _ := e.Task("t")
	assert.NotEqual(t, scheduler.StatusRunning, tk.Status)
	assert.NotEqual(t, scheduler.StatusDone, tk.Status)

	offset.Store(int64(11 * time.Minute))
	waitEvent(t, sub, events.DevicePurged, "d1")
	_, ok = e.Device("d1")
	assert.False(t, ok)
}

func TestFailoverPromotesAndReroutes(t *testing.T) {
	var aDown atomic.Bool
	check := func(_ context.Context, m fault.Member) error {
		if m.ID == "cam-a" && aDown.Load() {
			return errors.New("no answer")
		}
		return nil
	}
	cfg := testConfig("c1")
	cfg.Failover.MaxMisses = 2
	cfg.Failover.Groups = []config.Group{{
		Name:    "cameras",
		Members: []fault.Member{{ID: "cam-a", Priority: 2}, {ID: "cam-b", Priority: 1}},
	}}
	e := start(t, cfg, Options{HealthCheck: check})
	sub, cancel := e.Events().Subscribe(1024)
	defer cancel()

	for _, id := range []string{"cam-a", "cam-b"} {
		_, err := e.RegisterDevice(device.Device{ID: id, Kind: device.KindIoT})
		require.NoError(t, err)
	}
	assert.Equal(t, "cam-a", e.Status().Primaries["cameras"])

	aDown.Store(true)
	ev := waitEvent(t, sub, events.FailoverTriggered, "cameras")
	fe, ok := ev.Payload.(fault.FailoverEvent)
	require.True(t, ok)
	assert.Equal(t, "cam-a", fe.From)
	assert.Equal(t, "cam-b", fe.To)
	assert.Equal(t, "cam-b", e.Status().Primaries["cameras"])

	// the old primary recovering does not reclaim the role
	aDown.Store(false)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, "cam-b", e.Status().Primaries["cameras"])

	_, err := e.SubmitTasks(context.Background(), []scheduler.TaskSpec{
		{ID: "snap", Command: "capture", Selector: &scheduler.Selector{Mode: scheduler.ModeExplicit, Value: "@cameras"}},
	}, scheduler.SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tk, _ := e.Task("snap")
		return tk.Status == scheduler.StatusDone
	}, 3*time.Second, 5*time.Millisecond)
	tk, _ := e.Task("snap")
	assert.Equal(t, []string{"cam-b"}, tk.Devices)
	assert.Equal(t, []string{"cameras"}, e.Groups())
}

func TestOfflineMemberFailsCheckWithoutProbe(t *testing.T) {
	var probes atomic.Int32
	e, err := New(testConfig("c1"), Options{
		Strategies: []discovery.Strategy{},
		HealthCheck: func(context.Context, fault.Member) error {
			probes.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	_, err = e.RegisterDevice(device.Device{ID: "m1"})
	require.NoError(t, err)
	require.NoError(t, e.registry.SetStatus("m1", device.StatusOffline))

	err = e.checkMember(context.Background(), fault.Member{ID: "m1"})
	assert.ErrorIs(t, err, fault.ErrDeviceUnreachable)
	assert.Zero(t, probes.Load())

	assert.NoError(t, e.checkMember(context.Background(), fault.Member{ID: "other"}))
	assert.Equal(t, int32(1), probes.Load())
}

func TestLeaderHandover(t *testing.T) {
	store := fault.NewMemoryLeaseStore()
	cfg := func(id string) config.Config {
		c := testConfig(id)
		c.Leader.Enabled = true
		c.Leader.LeaseTTL = 90 * time.Millisecond
		return c
	}

	first := start(t, cfg("c1"), Options{LeaseStore: store})
	require.Eventually(t, func() bool { return first.Status().Active }, 2*time.Second, 5*time.Millisecond)

	second, err := New(cfg("c2"), Options{LeaseStore: store, Strategies: []discovery.Strategy{}, Executor: echo})
	require.NoError(t, err)
	sub, cancel := second.Events().Subscribe(64)
	defer cancel()
	second.Start(context.Background())
	t.Cleanup(second.Stop)

	time.Sleep(60 * time.Millisecond)
	st := second.Status()
	assert.False(t, st.Active)
	require.NotNil(t, st.Leader)
	assert.Equal(t, "c1", st.Leader.ID)
	assert.False(t, st.Leader.Self)

	// a follower accepts work but does not dispatch it
	_, err = second.RegisterDevice(device.Device{ID: "d1"})
	require.NoError(t, err)
	_, err = second.SubmitTasks(context.Background(), []scheduler.TaskSpec{{ID: "t", Command: "x", Selector: &scheduler.Selector{Mode: scheduler.ModeExplicit, Value: "d1"}}}, scheduler.SubmitOptions{})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	tk, _ := second.Task("t")
	assert.Equal(t, scheduler.StatusPending, tk.Status)

	first.Stop()
	ev := waitEvent(t, sub, events.LeaderAcquired, "c2")
	term, ok := ev.Payload.(fault.Term)
	require.True(t, ok)
	assert.Greater(t, term.Number, uint64(1))

	require.Eventually(t, func() bool {
		tk, _ := second.Task("t")
		return tk.Status == scheduler.StatusDone
	}, 3*time.Second, 5*time.Millisecond)
}

func TestStateConvergesBetweenEngines(t *testing.T) {
	net := statesync.NewMemoryNetwork()
	a, err := New(testConfig("hub-a"), Options{Transport: net, Strategies: []discovery.Strategy{}, Executor: echo})
	require.NoError(t, err)
	b, err := New(testConfig("hub-b"), Options{Transport: net, Strategies: []discovery.Strategy{}, Executor: echo})
	require.NoError(t, err)
	net.Join(a.Synchronizer())
	net.Join(b.Synchronizer())

	_, err = a.RegisterDevice(device.Device{ID: "hub-b", Capabilities: []string{GossipCapability}})
	require.NoError(t, err)
	_, err = b.RegisterDevice(device.Device{ID: "hub-a", Capabilities: []string{GossipCapability}})
	require.NoError(t, err)

	a.Start(context.Background())
	b.Start(context.Background())
	t.Cleanup(a.Stop)
	t.Cleanup(b.Stop)

	a.Put("config/mode", []byte("eco"))
	b.Put("config/volume", []byte("7"))

	require.Eventually(t, func() bool {
		ea, okA := b.Get("config/mode")
		eb, okB := a.Get("config/volume")
		return okA && okB && string(ea.Value) == "eco" && string(eb.Value) == "7"
	}, 3*time.Second, 10*time.Millisecond)

	assert.Positive(t, a.Status().Gossip.MessagesSent)
}
