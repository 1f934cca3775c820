package executor

import (
	"context"
	"fmt"
	"time"
)

// Builtin runs the commands every reference agent understands:
//
//	echo   returns its params as output
//	sleep  waits params["ms"] milliseconds (or until ctx is done)
//
// Any other command is answered with a failed Result.
type Builtin struct{}

// Run executes command locally.
func (Builtin) Run(ctx context.Context, command string, params map[string]any) Result {
	switch command {
	case "echo":
		return Result{Status: StatusDone, Output: params}
	case "sleep":
		d := time.Duration(number(params["ms"])) * time.Millisecond
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return Result{Status: StatusDone, Output: map[string]any{"slept_ms": d.Milliseconds()}}
		case <-ctx.Done():
			return Result{Status: StatusFailed, Error: ctx.Err().Error()}
		}
	default:
		return Result{Status: StatusFailed, Error: fmt.Sprintf("unknown command %q", command)}
	}
}

func number(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}
