package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/executor"
	"github.com/dreamware/devmesh/internal/fault"
	"github.com/dreamware/devmesh/internal/observability"
)

// job is everything a dispatch goroutine needs, copied out from under the
// scheduler lock.
type job struct {
	g       *graph
	params  map[string]any
	taskID  string
	command string
	sel     target
	i       int
	token   uint64
	timeout time.Duration
}

// reresolve reports whether retries may move to another device.
func (j job) reresolve() bool {
	return j.sel.group != "" || len(j.sel.ids) == 0
}

func (s *Scheduler) run(ctx context.Context, j job, targets []device.Device) {
	defer s.wg.Done()

	if !j.sel.multi() {
		res, id, err := s.runOne(ctx, j, targets[0], j.reresolve())
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var failed *executor.Result
			if res.Status != "" {
				failed = &res
			}
			s.complete(j, StatusFailed, failed, nil, []string{id}, err.Error())
			return
		}
		s.complete(j, StatusDone, &res, nil, []string{id}, "")
		return
	}

	results := make(map[string]executor.Result, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, d := range targets {
		wg.Add(1)
		go func(d device.Device) {
			defer wg.Done()
			res, _, err := s.runOne(ctx, j, d, false)
			if err != nil {
				res.Status = executor.StatusFailed
				res.Error = err.Error()
			}
			mu.Lock()
			results[d.ID] = res
			mu.Unlock()
		}(d)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return
	}

	ok := 0
	ids := make([]string, 0, len(targets))
	for _, d := range targets {
		ids = append(ids, d.ID)
		if results[d.ID].Status == executor.StatusDone {
			ok++
		}
	}
	switch {
	case ok == len(targets):
		s.complete(j, StatusDone, nil, results, ids, "")
	case ok > 0:
		s.complete(j, StatusPartial, nil, results, ids, fmt.Sprintf("%d of %d targets failed", len(targets)-ok, len(targets)))
	default:
		s.complete(j, StatusFailed, nil, results, ids, "all targets failed")
	}
}

// runOne executes the task on d with retries. It returns the result, the
// device the last attempt went to and the final error.
func (s *Scheduler) runOne(ctx context.Context, j job, d device.Device, reresolve bool) (executor.Result, string, error) {
	cur := d
	var res executor.Result
	err := s.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 && reresolve {
			next, ok := s.retarget(j, cur.ID)
			if !ok {
				return errStale
			}
			cur = next
		}
		if !s.countAttempt(j) {
			return errStale
		}
		var err error
		res, err = s.attempt(ctx, j, cur.ID, attempt)
		return err
	})
	return res, cur.ID, err
}

func (s *Scheduler) countAttempt(j job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := j.g.nodes[j.i]
	if n.token != j.token {
		return false
	}
	n.task.Attempts++
	n.task.UpdatedAt = s.now()
	return true
}

// retarget resolves the task's selector again before a retry and moves the
// concurrency slot from prev to the new device.
func (s *Scheduler) retarget(j job, prev string) (device.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := j.g.nodes[j.i]
	if n.token != j.token {
		return device.Device{}, false
	}
	for k, id := range n.slots {
		if id == prev {
			s.releaseSlotLocked(id)
			n.slots = append(n.slots[:k], n.slots[k+1:]...)
			break
		}
	}
	next := device.Device{ID: prev}
	if targets, _ := s.resolveLocked(j.sel, prev); len(targets) > 0 {
		next = targets[0]
	}
	s.acquireLocked(n, next.ID)
	if next.ID != prev {
		log.Printf("scheduler: task %s retargeted %s -> %s", j.taskID, prev, next.ID)
	}
	n.task.Devices = []string{next.ID}
	return next, true
}

// attempt is one guarded call: liveness check, breaker, executor with
// timeout.
func (s *Scheduler) attempt(ctx context.Context, j job, deviceID string, attempt int) (executor.Result, error) {
	d, ok := s.devices.Get(deviceID)
	if !ok || d.Status != device.StatusOnline {
		return executor.Result{}, fault.Unreachable(deviceID, errNotOnline)
	}
	br := s.breakers.For(deviceID)
	if err := br.Allow(); err != nil {
		return executor.Result{}, err
	}

	actx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	id := s.track(deviceID, abort)
	defer s.untrack(deviceID, id)

	cctx, cancel := context.WithTimeout(actx, j.timeout)
	defer cancel()
	cctx, span := observability.StartSpan(cctx, "scheduler.attempt",
		attribute.String("task.id", j.taskID),
		attribute.String("device.id", deviceID),
		attribute.String("command", j.command),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	res, err := s.exec.Execute(cctx, d, j.command, j.params)
	if err == nil {
		res, err = executor.Check(deviceID, res)
	}
	if ctx.Err() != nil {
		br.Release()
		return res, ctx.Err()
	}
	if err == nil {
		br.Success()
		return res, nil
	}

	if cause := context.Cause(actx); errors.Is(cause, errDeviceOffline) {
		err = fault.Unreachable(deviceID, cause)
	} else {
		err = fault.Classify(deviceID, err)
	}
	if errors.Is(err, fault.ErrCommandRejected) {
		// the device answered; it is healthy even if the command was refused
		br.Success()
	} else {
		br.Failure()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return res, err
}

func (s *Scheduler) track(deviceID string, abort context.CancelCauseFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	calls := s.inflight[deviceID]
	if calls == nil {
		calls = make(map[uint64]context.CancelCauseFunc)
		s.inflight[deviceID] = calls
	}
	calls[s.seq] = abort
	return s.seq
}

func (s *Scheduler) untrack(deviceID string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight[deviceID], id)
	if len(s.inflight[deviceID]) == 0 {
		delete(s.inflight, deviceID)
	}
}

// complete records the outcome of a dispatch. Outcomes of a dispatch that
// was cancelled or superseded are discarded.
func (s *Scheduler) complete(j job, status Status, result *executor.Result, results map[string]executor.Result, devices []string, reason string) {
	s.mu.Lock()
	n := j.g.nodes[j.i]
	if n.token != j.token || n.task.Status != StatusRunning {
		s.mu.Unlock()
		log.Printf("scheduler: discarding late result for task %s", j.taskID)
		return
	}
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	s.releaseLocked(n)
	n.task.Result = result
	n.task.Results = results
	n.task.Devices = devices
	s.settleLocked(j.g, j.i, status, reason)
	s.mu.Unlock()
	s.Kick()
}
