package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/fault"
)

func sighting(id, addr string, ttl int, caps ...string) Sighting {
	return Sighting{
		Source: "test",
		From:   "127.0.0.1:1",
		SeenAt: time.Now(),
		Announcement: Announcement{
			DeviceID:     id,
			Kind:         "desktop",
			Address:      addr,
			Capabilities: caps,
			TTL:          ttl,
		},
	}
}

func TestHandle(t *testing.T) {
	reg := device.NewRegistry(device.DefaultThresholds())
	svc := NewService(reg, "self", 5*time.Second)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	assert.False(t, svc.Handle(sighting("self", "10.0.0.1:80", 90)), "own announcement")
	assert.Equal(t, 0, reg.Len())

	assert.True(t, svc.Handle(sighting("laptop", "10.0.0.2:80", 90, "gpu")))
	d, ok := reg.Get("laptop")
	require.True(t, ok)
	assert.Equal(t, device.KindDesktop, d.Kind)
	assert.Equal(t, device.StatusOnline, d.Status)
	assert.True(t, d.HasCapabilities("gpu"))

	assert.False(t, svc.Handle(sighting("laptop", "10.0.0.2:80", 90, "gpu")), "duplicate within window")

	assert.True(t, svc.Handle(sighting("laptop", "10.0.0.9:80", 90, "gpu")), "address changed")
	d, _ = reg.Get("laptop")
	assert.Equal(t, "10.0.0.9:80", d.Address)

	now = now.Add(6 * time.Second)
	assert.True(t, svc.Handle(sighting("laptop", "10.0.0.9:80", 90, "gpu")), "window elapsed")

	assert.True(t, svc.Handle(sighting("laptop", "", 0)))
	d, _ = reg.Get("laptop")
	assert.Equal(t, device.StatusOffline, d.Status)

	assert.False(t, svc.Handle(sighting("ghost", "", 0)), "goodbye from unknown device")

	assert.True(t, svc.Handle(sighting("laptop", "10.0.0.9:80", 90, "gpu")), "goodbye clears dedupe state")
	d, _ = reg.Get("laptop")
	assert.Equal(t, device.StatusOnline, d.Status)

	st := svc.Stats()
	assert.Equal(t, uint64(8), st.Sightings)
	assert.Equal(t, uint64(1), st.SelfIgnored)
	assert.Equal(t, uint64(1), st.Deduplicated)
	assert.Equal(t, uint64(2), st.Goodbyes)
	assert.Equal(t, uint64(4), st.Applied)
	assert.Equal(t, 1, reg.Len())
}

// flakyStrategy fails a fixed number of times, then emits its sighting and
// blocks until cancelled.
type flakyStrategy struct {
	sg    Sighting
	fails int32
	runs  atomic.Int32
}

func (f *flakyStrategy) Name() string { return "flaky" }

func (f *flakyStrategy) Run(ctx context.Context, out chan<- Sighting) error {
	if f.runs.Add(1) <= f.fails {
		return errors.New("socket gone")
	}
	emit(ctx, out, f.sg)
	<-ctx.Done()
	return nil
}

type staticStrategy struct{ sg Sighting }

func (s staticStrategy) Name() string { return "static" }

func (s staticStrategy) Run(ctx context.Context, out chan<- Sighting) error {
	emit(ctx, out, s.sg)
	<-ctx.Done()
	return nil
}

func TestRunRestartsFailedStrategies(t *testing.T) {
	reg := device.NewRegistry(device.DefaultThresholds())
	flaky := &flakyStrategy{sg: sighting("tv", "10.0.0.3:80", 90), fails: 2}
	svc := NewService(reg, "self", time.Second, flaky, staticStrategy{sg: sighting("phone", "10.0.0.4:80", 90)})
	svc.restart = fault.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()

	require.Eventually(t, func() bool { return reg.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	assert.Equal(t, uint64(2), svc.Stats().Restarts)
	assert.Equal(t, int32(3), flaky.runs.Load())
}

// TestSameDeviceFromTwoStrategies registers once when multicast and search
// both report the same device.
func TestSameDeviceFromTwoStrategies(t *testing.T) {
	reg := device.NewRegistry(device.DefaultThresholds())
	var changes atomic.Int32
	reg.AddListener(func(device.Change) { changes.Add(1) })

	svc := NewService(reg, "self", time.Minute)
	a := sighting("laptop", "10.0.0.2:80", 90)
	b := a
	b.Source = "search"

	assert.True(t, svc.Handle(a))
	assert.False(t, svc.Handle(b))
	assert.Equal(t, int32(1), changes.Load())
}
