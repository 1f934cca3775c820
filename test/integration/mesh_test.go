package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/devmesh/internal/agent"
	"github.com/dreamware/devmesh/internal/api"
	"github.com/dreamware/devmesh/internal/config"
	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/discovery"
	"github.com/dreamware/devmesh/internal/engine"
	"github.com/dreamware/devmesh/internal/fault"
	"github.com/dreamware/devmesh/internal/metrics"
	"github.com/dreamware/devmesh/internal/scheduler"
)

// TestSystem is a coordinator and a set of device agents, all in process
// and talking over real HTTP.
type TestSystem struct {
	t          *testing.T
	eng        *engine.Engine
	coord      *httptest.Server
	agents     map[string]*agent.Agent
	servers    map[string]*httptest.Server
	cancel     context.CancelFunc
	httpClient *http.Client
}

type agentSpec struct {
	id   string
	kind device.Kind
	caps []string
}

// NewTestSystem binds every listener first so agents and failover groups
// know their addresses, then starts the coordinator and the agents'
// registration loops.
func NewTestSystem(t *testing.T, specs []agentSpec, groups []config.Group) *TestSystem {
	t.Helper()
	ts := &TestSystem{
		t:          t,
		agents:     make(map[string]*agent.Agent),
		servers:    make(map[string]*httptest.Server),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	ts.coord = httptest.NewUnstartedServer(nil)
	coordURL := "http://" + ts.coord.Listener.Addr().String()

	for _, s := range specs {
		srv := httptest.NewUnstartedServer(nil)
		a, err := agent.New(agent.Config{
			ID:                s.id,
			Kind:              s.kind,
			Capabilities:      s.caps,
			Advertise:         "http://" + srv.Listener.Addr().String(),
			Coordinator:       coordURL,
			HeartbeatInterval: 50 * time.Millisecond,
			Retry:             fault.RetryPolicy{MaxAttempts: 20, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		}, nil)
		require.NoError(t, err)
		srv.Config.Handler = a.Handler()
		srv.Start()
		ts.agents[s.id] = a
		ts.servers[s.id] = srv
	}
	for i, g := range groups {
		for j, m := range g.Members {
			if srv, ok := ts.servers[m.ID]; ok {
				groups[i].Members[j].Addr = srv.URL
			}
		}
	}

	cfg := config.Default()
	cfg.NodeID = "coord-it"
	cfg.Scheduler.TickInterval = 5 * time.Millisecond
	cfg.Devices.ExpiryInterval = 20 * time.Millisecond
	cfg.Retry = config.Retry{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	cfg.Failover = config.Failover{Interval: 20 * time.Millisecond, MaxMisses: 2, Groups: groups}

	eng, err := engine.New(cfg, engine.Options{Strategies: []discovery.Strategy{}})
	require.NoError(t, err)
	ts.eng = eng
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(eng))
	ts.coord.Config.Handler = api.NewServer(eng, reg).Handler()
	ts.coord.Start()

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	eng.Start(ctx)
	for _, a := range ts.agents {
		go func() {
			if err := a.Run(ctx); err != nil {
				t.Logf("agent %s: %v", a.ID(), err)
			}
		}()
	}

	t.Cleanup(ts.Stop)
	return ts
}

// Stop shuts everything down.
func (ts *TestSystem) Stop() {
	ts.cancel()
	ts.coord.Close()
	for _, srv := range ts.servers {
		srv.Close()
	}
	ts.eng.Stop()
}

// Kill makes a device stop answering, as if it dropped off the network.
func (ts *TestSystem) Kill(id string) {
	ts.servers[id].Close()
}

func (ts *TestSystem) request(method, path string, body any, out any) int {
	ts.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.coord.URL+path, r)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.httpClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *TestSystem) waitDevices(n int) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		var list struct {
			Count int `json:"count"`
		}
		ts.request(http.MethodGet, "/devices?status=ONLINE", nil, &list)
		return list.Count == n
	}, 5*time.Second, 10*time.Millisecond)
}

func (ts *TestSystem) waitTask(id string, want scheduler.Status) scheduler.Task {
	ts.t.Helper()
	var task scheduler.Task
	require.Eventually(ts.t, func() bool {
		code := ts.request(http.MethodGet, "/task/"+id, nil, &task)
		return code == http.StatusOK && task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
	return task
}

func TestDependencyGraphRunsOnAgents(t *testing.T) {
	ts := NewTestSystem(t, []agentSpec{
		{id: "laptop", kind: device.KindDesktop, caps: []string{"shell"}},
		{id: "phone", kind: device.KindMobile, caps: []string{"camera"}},
	}, nil)
	ts.waitDevices(2)

	var sub scheduler.Submission
	code := ts.request(http.MethodPost, "/task/submit", map[string]any{
		"graph_id": "pipeline",
		"tasks": []map[string]any{
			{"task_id": "capture", "command": "echo", "params": map[string]any{"shot": 1},
				"target_selector": map[string]any{"mode": "capability", "value": "camera"}},
			{"task_id": "process", "command": "sleep", "params": map[string]any{"ms": 5},
				"dependencies":    []string{"capture"},
				"target_selector": map[string]any{"mode": "capability", "value": "shell"}},
			{"task_id": "everywhere", "command": "echo", "dependencies": []string{"process"},
				"target_selector": map[string]any{"mode": "capability", "all": true}},
		},
	}, &sub)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "pipeline", sub.GraphID)

	capture := ts.waitTask("capture", scheduler.StatusDone)
	assert.Equal(t, []string{"phone"}, capture.Devices)
	assert.Equal(t, map[string]any{"shot": float64(1)}, capture.Result.Output)

	process := ts.waitTask("process", scheduler.StatusDone)
	assert.Equal(t, []string{"laptop"}, process.Devices)
	assert.False(t, process.FinishedAt.Before(capture.FinishedAt), "dependents finish after their dependencies")

	all := ts.waitTask("everywhere", scheduler.StatusDone)
	assert.ElementsMatch(t, []string{"laptop", "phone"}, all.Devices)
	assert.Len(t, all.Results, 2)

	assert.EqualValues(t, 2, ts.agents["phone"].Info().Executed)
	assert.EqualValues(t, 2, ts.agents["laptop"].Info().Executed)
}

func TestFailoverReroutesToSecondary(t *testing.T) {
	ts := NewTestSystem(t, []agentSpec{
		{id: "cam-a", kind: device.KindIoT, caps: []string{"camera"}},
		{id: "cam-b", kind: device.KindIoT, caps: []string{"camera"}},
	}, []config.Group{{
		Name:    "cameras",
		Members: []fault.Member{{ID: "cam-a", Priority: 2}, {ID: "cam-b", Priority: 1}},
	}})
	ts.waitDevices(2)

	snap := func(id string) {
		code := ts.request(http.MethodPost, "/task/submit", map[string]any{
			"task_id": id, "command": "echo",
			"target_selector": map[string]any{"mode": "explicit", "value": "@cameras"},
		}, nil)
		require.Equal(t, http.StatusAccepted, code)
	}

	snap("snap-1")
	assert.Equal(t, []string{"cam-a"}, ts.waitTask("snap-1", scheduler.StatusDone).Devices)

	ts.Kill("cam-a")
	require.Eventually(t, func() bool {
		var st engine.Status
		ts.request(http.MethodGet, "/status", nil, &st)
		return st.Primaries["cameras"] == "cam-b"
	}, 5*time.Second, 10*time.Millisecond)

	snap("snap-2")
	assert.Equal(t, []string{"cam-b"}, ts.waitTask("snap-2", scheduler.StatusDone).Devices)
}

func TestUnreachableDeviceFailsAfterRetries(t *testing.T) {
	ts := NewTestSystem(t, []agentSpec{
		{id: "flaky", kind: device.KindIoT, caps: []string{"sensor"}},
	}, nil)
	ts.waitDevices(1)
	ts.Kill("flaky")

	code := ts.request(http.MethodPost, "/task/submit", map[string]any{
		"task_id": "read", "command": "echo",
		"target_selector": map[string]any{"mode": "capability", "value": "sensor"},
	}, nil)
	require.Equal(t, http.StatusAccepted, code)

	task := ts.waitTask("read", scheduler.StatusFailed)
	assert.Equal(t, 2, task.Attempts)
	assert.Contains(t, task.Error, fault.ErrDeviceUnreachable.Error())
}
