// Package agent is the device side of the engine: a small HTTP endpoint
// that runs commands, plus the registration and heartbeat traffic that keeps
// the coordinator's registry current.
//
// An agent can reach the coordinator two ways. With a coordinator URL it
// registers directly and heartbeats every HeartbeatInterval; without one it
// relies on discovery announcements alone (see Announcement).
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dreamware/devmesh/internal/cluster"
	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/discovery"
	"github.com/dreamware/devmesh/internal/executor"
	"github.com/dreamware/devmesh/internal/fault"
)

// coordinatorID names the coordinator in classified errors.
const coordinatorID = "coordinator"

const maxBody = 1 << 20

// Runner executes one command locally. executor.Builtin satisfies it.
type Runner interface {
	Run(ctx context.Context, command string, params map[string]any) executor.Result
}

// Config describes the device an agent speaks for.
type Config struct {
	Labels            map[string]string
	ID                string
	Kind              device.Kind
	Advertise         string // address the coordinator dials for /execute
	Coordinator       string // coordinator base URL; empty disables registration
	Capabilities      []string
	HeartbeatInterval time.Duration
	AnnounceTTL       time.Duration
	Retry             fault.RetryPolicy
}

// Info is served at GET /info.
type Info struct {
	Labels       map[string]string `json:"labels,omitempty"`
	DeviceID     string            `json:"device_id"`
	Kind         device.Kind       `json:"kind"`
	Address      string            `json:"address"`
	Capabilities []string          `json:"capabilities"`
	Executed     uint64            `json:"executed"`
	Failed       uint64            `json:"failed"`
	Heartbeats   uint64            `json:"heartbeats"`
}

// Agent serves commands for one device.
type Agent struct {
	runner     Runner
	client     *cluster.Client
	retrier    *fault.Retrier
	cfg        Config
	executed   atomic.Uint64
	failed     atomic.Uint64
	heartbeats atomic.Uint64
}

// New creates an agent. A nil runner means executor.Builtin.
func New(cfg Config, runner Runner) (*Agent, error) {
	if cfg.ID == "" {
		return nil, errors.New("agent: device id is required")
	}
	if cfg.Kind == "" {
		cfg.Kind = device.KindUnknown
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.AnnounceTTL <= 0 {
		cfg.AnnounceTTL = 90 * time.Second
	}
	if runner == nil {
		runner = executor.Builtin{}
	}
	return &Agent{
		cfg:     cfg,
		runner:  runner,
		client:  cluster.NewClient(5 * time.Second),
		retrier: fault.NewRetrier(cfg.Retry),
	}, nil
}

// ID returns the device id.
func (a *Agent) ID() string { return a.cfg.ID }

// Handler serves /execute, /health and /info.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", a.handleExecute)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, a.Info())
	})
	return mux
}

func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req cluster.ExecuteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("bad json: %w", err))
		return
	}
	if req.Command == "" {
		cluster.WriteError(w, http.StatusBadRequest, errors.New("missing command"))
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	res := a.runner.Run(ctx, req.Command, req.Params)
	if res.Status == executor.StatusDone {
		a.executed.Add(1)
	} else {
		a.failed.Add(1)
		log.Printf("agent[%s]: %s failed: %s", a.cfg.ID, req.Command, res.Error)
	}
	cluster.WriteJSON(w, http.StatusOK, res)
}

// Info reports identity and counters.
func (a *Agent) Info() Info {
	return Info{
		DeviceID:     a.cfg.ID,
		Kind:         a.cfg.Kind,
		Address:      a.cfg.Advertise,
		Capabilities: a.cfg.Capabilities,
		Labels:       a.cfg.Labels,
		Executed:     a.executed.Load(),
		Failed:       a.failed.Load(),
		Heartbeats:   a.heartbeats.Load(),
	}
}

// Announcement is what discovery strategies advertise for this device.
func (a *Agent) Announcement() *discovery.Announcement {
	return &discovery.Announcement{
		DeviceID:     a.cfg.ID,
		Kind:         string(a.cfg.Kind),
		Address:      a.cfg.Advertise,
		Capabilities: a.cfg.Capabilities,
		Labels:       a.cfg.Labels,
		TTL:          int(a.cfg.AnnounceTTL / time.Second),
	}
}

// Register posts the device description to the coordinator, retrying
// unreachable coordinators per the retry policy. A 4xx answer is final.
func (a *Agent) Register(ctx context.Context) error {
	if a.cfg.Coordinator == "" {
		return errors.New("agent: no coordinator configured")
	}
	req := cluster.RegisterRequest{
		DeviceID:     a.cfg.ID,
		Kind:         string(a.cfg.Kind),
		Address:      a.cfg.Advertise,
		Capabilities: a.cfg.Capabilities,
		Labels:       a.cfg.Labels,
	}
	url := cluster.BaseURL(a.cfg.Coordinator) + "/device/register"
	return a.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		var resp cluster.RegisterResponse
		err := classify(a.client.PostJSON(ctx, url, req, &resp))
		if err != nil {
			log.Printf("agent[%s]: register attempt %d: %v", a.cfg.ID, attempt, err)
			return err
		}
		log.Printf("agent[%s]: registered with coordinator @ %s", a.cfg.ID, a.cfg.Coordinator)
		return nil
	})
}

// errNotRegistered is returned by Heartbeat when the coordinator no longer
// knows the device, typically after it was purged.
var errNotRegistered = errors.New("device not registered")

// Heartbeat sends one liveness signal.
func (a *Agent) Heartbeat(ctx context.Context) error {
	url := cluster.BaseURL(a.cfg.Coordinator) + "/device/heartbeat"
	err := a.client.PostJSON(ctx, url, cluster.HeartbeatRequest{DeviceID: a.cfg.ID, TimestampUnix: time.Now().Unix()}, nil)
	var se *cluster.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return errNotRegistered
	}
	if err != nil {
		return classify(err)
	}
	a.heartbeats.Add(1)
	return nil
}

// Run registers and then heartbeats until ctx is done. When the
// coordinator has forgotten the device it registers again.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}
	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		err := a.Heartbeat(ctx)
		switch {
		case err == nil:
		case errors.Is(err, errNotRegistered):
			log.Printf("agent[%s]: coordinator lost registration, registering again", a.cfg.ID)
			if err := a.Register(ctx); err != nil && ctx.Err() == nil {
				log.Printf("agent[%s]: re-register: %v", a.cfg.ID, err)
			}
		case ctx.Err() == nil:
			log.Printf("agent[%s]: heartbeat: %v", a.cfg.ID, err)
		}
	}
}

// classify maps coordinator call failures onto the fault taxonomy so the
// retrier only repeats unreachable attempts.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *cluster.StatusError
	if errors.As(err, &se) {
		if se.ClientError() {
			return fault.Rejected(coordinatorID, err)
		}
		return fault.Unreachable(coordinatorID, err)
	}
	return fault.Classify(coordinatorID, err)
}
