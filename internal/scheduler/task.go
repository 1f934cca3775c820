package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/executor"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusPartial   Status = "PARTIAL"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled, StatusPartial:
		return true
	}
	return false
}

// Mode selects how a task's target device is resolved.
type Mode string

const (
	ModeExplicit    Mode = "explicit"
	ModeCapability  Mode = "capability"
	ModeLeastLoaded Mode = "least_loaded"
	ModeRoundRobin  Mode = "round_robin"
)

// Selector is the wire form of a target selector.
//
// For ModeExplicit, Value is a device id, a list of ids (one execution per
// device) or "@group" for the current primary of a failover group. For the
// other modes Value is a capability or a list of capabilities; nil matches
// every device. All fans the task out to every ONLINE match.
type Selector struct {
	Value any  `json:"value,omitempty"`
	Mode  Mode `json:"mode"`
	All   bool `json:"all,omitempty"`
}

// TaskSpec is one task as submitted.
type TaskSpec struct {
	Params       map[string]any `json:"params,omitempty"`
	Selector     *Selector      `json:"target_selector,omitempty"`
	ID           string         `json:"task_id,omitempty"`
	Command      string         `json:"command"`
	Dependencies []string       `json:"dependencies,omitempty"`
	TimeoutMS    int64          `json:"timeout_ms,omitempty"`
}

// SubmitOptions apply to a whole submission.
type SubmitOptions struct {
	// Selector is used for tasks that carry none.
	Selector *Selector
	// GraphID names the graph; a uuid is generated when empty.
	GraphID string
	// BestEffort lets dependents run once their dependencies are terminal
	// instead of cancelling them when a dependency fails.
	BestEffort bool
}

// Submission is the result of an accepted Submit.
type Submission struct {
	GraphID string   `json:"graph_id"`
	TaskIDs []string `json:"tasks"`
}

// Task is a snapshot of one scheduled task.
type Task struct {
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
	FinishedAt   time.Time                  `json:"finished_at,omitempty"`
	Params       map[string]any             `json:"params,omitempty"`
	Result       *executor.Result           `json:"result,omitempty"`
	Results      map[string]executor.Result `json:"results,omitempty"`
	Selector     Selector                   `json:"target_selector"`
	ID           string                     `json:"task_id"`
	GraphID      string                     `json:"graph_id"`
	Command      string                     `json:"command"`
	Status       Status                     `json:"status"`
	Error        string                     `json:"error,omitempty"`
	Dependencies []string                   `json:"dependencies,omitempty"`
	Devices      []string                   `json:"devices,omitempty"`
	Attempts     int                        `json:"attempt_count"`
}

func (t Task) clone() Task {
	out := t
	out.Params = maps.Clone(t.Params)
	out.Dependencies = slices.Clone(t.Dependencies)
	out.Devices = slices.Clone(t.Devices)
	if t.Result != nil {
		r := *t.Result
		out.Result = &r
	}
	if t.Results != nil {
		out.Results = maps.Clone(t.Results)
	}
	return out
}

// Transition is the payload of a task.state event.
type Transition struct {
	TaskID  string   `json:"task_id"`
	GraphID string   `json:"graph_id"`
	From    Status   `json:"from"`
	To      Status   `json:"to"`
	Devices []string `json:"devices,omitempty"`
	Error   string   `json:"error,omitempty"`
}

var (
	ErrCyclicGraph       = errors.New("dependency cycle")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrInvalidSelector   = errors.New("invalid target selector")
	ErrNoCapableDevice   = errors.New("no capable device")
	ErrEmptyGraph        = errors.New("empty task graph")
	ErrInvalidTask       = errors.New("invalid task")

	ErrUnknownTask  = errors.New("unknown task")
	ErrUnknownGraph = errors.New("unknown graph")
)

// SchedulingError rejects a submission. Nothing from a rejected submission
// is enqueued.
type SchedulingError struct {
	Err    error
	TaskID string
	Detail string
}

func (e *SchedulingError) Error() string {
	var b strings.Builder
	b.WriteString("scheduling: ")
	if e.TaskID != "" {
		fmt.Fprintf(&b, "task %s: ", e.TaskID)
	}
	b.WriteString(e.Err.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *SchedulingError) Unwrap() error { return e.Err }

func reject(err error, taskID, format string, args ...any) *SchedulingError {
	return &SchedulingError{Err: err, TaskID: taskID, Detail: fmt.Sprintf(format, args...)}
}

// target is a validated selector.
type target struct {
	mode  Mode
	group string
	ids   []string
	caps  []string
	all   bool
}

// multi reports whether the task runs once per device.
func (t target) multi() bool {
	return t.all || len(t.ids) > 1
}

// key identifies the candidate set for round-robin cursors.
func (t target) key() string {
	return strings.Join(t.caps, ",")
}

// parseSelector validates sel. A nil selector means capability mode with no
// requirements.
func parseSelector(sel *Selector) (target, error) {
	if sel == nil {
		return target{mode: ModeCapability}, nil
	}
	mode := Mode(strings.ToLower(strings.TrimSpace(string(sel.Mode))))
	if mode == "" {
		mode = ModeCapability
	}
	values, err := stringList(sel.Value)
	if err != nil {
		return target{}, err
	}

	switch mode {
	case ModeExplicit:
		if sel.All {
			return target{}, errors.New("all is not valid with explicit targets")
		}
		if len(values) == 0 {
			return target{}, errors.New("explicit selector needs a device id")
		}
		if len(values) == 1 && strings.HasPrefix(values[0], "@") {
			g := strings.TrimPrefix(values[0], "@")
			if g == "" {
				return target{}, errors.New("empty group name")
			}
			return target{mode: mode, group: g}, nil
		}
		ids := make([]string, 0, len(values))
		for _, v := range values {
			if v == "" || strings.HasPrefix(v, "@") {
				return target{}, fmt.Errorf("invalid device id %q in list", v)
			}
			if !slices.Contains(ids, v) {
				ids = append(ids, v)
			}
		}
		return target{mode: mode, ids: ids}, nil
	case ModeCapability, ModeLeastLoaded, ModeRoundRobin:
		return target{mode: mode, caps: device.NormalizeCapabilities(values), all: sel.All}, nil
	default:
		return target{}, fmt.Errorf("unknown mode %q", sel.Mode)
	}
}

// stringList accepts a string, a list of strings or a JSON-decoded []any.
func stringList(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		if x == "" {
			return nil, nil
		}
		return []string{x}, nil
	case []string:
		return slices.Clone(x), nil
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("selector value %v is not a string", e)
			}
			out = append(out, s)
		}
		return out, nil
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(x, &out); err != nil {
			return nil, err
		}
		return stringList(out)
	default:
		return nil, fmt.Errorf("unsupported selector value of type %T", v)
	}
}
