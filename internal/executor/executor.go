// Package executor is the seam between the engine and the platform-specific
// adapters that actually drive devices. The engine only ever sees Result.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/devmesh/internal/cluster"
	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/fault"
)

// Status is the outcome reported by a device adapter.
type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Result is what a device returns for one command.
type Result struct {
	Output any    `json:"output,omitempty"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Executor runs one command on one device.
//
// Implementations classify their errors with the fault taxonomy: a refusal
// by the device is fault.ErrCommandRejected, anything that may succeed on a
// later attempt is fault.ErrDeviceUnreachable.
type Executor interface {
	Execute(ctx context.Context, d device.Device, command string, params map[string]any) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, d device.Device, command string, params map[string]any) (Result, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, d device.Device, command string, params map[string]any) (Result, error) {
	return f(ctx, d, command, params)
}

// ErrNoAdapter is returned when no adapter is registered for a device kind
// and the registry has no fallback.
var ErrNoAdapter = errors.New("no executor adapter for device kind")

// Registry maps device kinds to adapters. It replaces runtime plugin loading
// with an explicit table filled at process start.
type Registry struct {
	byKind   map[device.Kind]Executor
	fallback Executor
	mu       sync.RWMutex
}

// NewRegistry creates a registry that uses fallback for kinds without a
// dedicated adapter. fallback may be nil.
func NewRegistry(fallback Executor) *Registry {
	return &Registry{byKind: make(map[device.Kind]Executor), fallback: fallback}
}

// Register installs ex as the adapter for kind.
func (r *Registry) Register(kind device.Kind, ex Executor) {
	r.mu.Lock()
	r.byKind[kind] = ex
	r.mu.Unlock()
}

// For returns the adapter for kind.
func (r *Registry) For(kind device.Kind) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ex, ok := r.byKind[kind]; ok {
		return ex, true
	}
	return r.fallback, r.fallback != nil
}

// Execute implements Executor by dispatching on the device kind.
func (r *Registry) Execute(ctx context.Context, d device.Device, command string, params map[string]any) (Result, error) {
	ex, ok := r.For(d.Kind)
	if !ok {
		return Result{}, fault.Rejected(d.ID, fmt.Errorf("%w: %s", ErrNoAdapter, d.Kind))
	}
	return ex.Execute(ctx, d, command, params)
}

// HTTPExecutor posts commands to a device agent's /execute endpoint.
type HTTPExecutor struct {
	client *cluster.Client
}

// NewHTTPExecutor returns an adapter whose calls are bounded only by the
// context deadline the scheduler sets per attempt.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: cluster.NewClient(0)}
}

// Execute implements Executor.
func (h *HTTPExecutor) Execute(ctx context.Context, d device.Device, command string, params map[string]any) (Result, error) {
	base := cluster.BaseURL(d.Address)
	if base == "" {
		return Result{}, fault.Rejected(d.ID, errors.New("device has no address"))
	}
	req := cluster.ExecuteRequest{Command: command, Params: params}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMS = time.Until(deadline).Milliseconds()
	}

	var res Result
	err := h.client.PostJSON(ctx, base+"/execute", req, &res)
	if err != nil {
		var se *cluster.StatusError
		if errors.As(err, &se) {
			if se.ClientError() {
				return Result{}, fault.Rejected(d.ID, err)
			}
			return Result{}, fault.Unreachable(d.ID, err)
		}
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return Result{}, fault.Rejected(d.ID, fmt.Errorf("malformed result: %w", err))
		}
		return Result{}, fault.Classify(d.ID, err)
	}
	return Check(d.ID, res)
}

// Check turns a failed Result into a CommandRejected error.
func Check(deviceID string, res Result) (Result, error) {
	switch res.Status {
	case StatusDone:
		return res, nil
	case StatusFailed:
		msg := res.Error
		if msg == "" {
			msg = "command failed"
		}
		return res, fault.Rejected(deviceID, errors.New(msg))
	default:
		return res, fault.Rejected(deviceID, fmt.Errorf("unknown result status %q", res.Status))
	}
}
