package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  error
		transient bool
	}{
		{name: "deadline", err: context.DeadlineExceeded, wantKind: ErrDeviceUnreachable, transient: true},
		{name: "refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), wantKind: ErrDeviceUnreachable, transient: true},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: errors.New("no route")}, wantKind: ErrDeviceUnreachable, transient: true},
		{name: "plain error is a rejection", err: errors.New("invalid command"), wantKind: ErrCommandRejected, transient: false},
		{name: "already classified", err: CircuitOpen("d"), wantKind: ErrCircuitOpen, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("d", tt.err)
			assert.True(t, errors.Is(got, tt.wantKind), "got %v", got)
			assert.Equal(t, tt.transient, Transient(got))
		})
	}

	assert.NoError(t, Classify("d", nil))
	assert.False(t, Transient(nil))
}

func TestDeviceErrorUnwrapsCause(t *testing.T) {
	err := Unreachable("phone", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrDeviceUnreachable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "phone")

	var de *DeviceError
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, "phone", de.DeviceID)
}

func TestRetrierRetriesTransientOnly(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), func(_ context.Context, attempt int) error {
			calls++
			assert.Equal(t, calls, attempt)
			if attempt < 3 {
				return Unreachable("d", errors.New("timeout"))
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("never retries rejection", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), func(context.Context, int) error {
			calls++
			return Rejected("d", errors.New("bad command"))
		})
		assert.True(t, errors.Is(err, ErrCommandRejected))
		assert.Equal(t, 1, calls)
	})

	t.Run("stops after max attempts", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), func(context.Context, int) error {
			calls++
			return Unreachable("d", nil)
		})
		assert.True(t, errors.Is(err, ErrDeviceUnreachable))
		assert.Equal(t, 4, calls)
	})
}

func TestRetrierHonoursContext(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(context.Context, int) error {
			calls++
			return Unreachable("d", nil)
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrDeviceUnreachable))
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retrier did not observe cancellation")
	}
}

func TestBackOffGrowsAndCaps(t *testing.T) {
	b := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}.NewBackOff()

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "delay %d", i+1)
	}

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestBackOffJitterStaysInBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.5}

	for i := 0; i < 100; i++ {
		d := p.NewBackOff().NextBackOff()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetrierSingleAttempt(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond})

	calls := 0
	err := r.Do(context.Background(), func(context.Context, int) error {
		calls++
		return Unreachable("d", nil)
	})
	assert.True(t, errors.Is(err, ErrDeviceUnreachable))
	assert.Equal(t, 1, calls)
}
