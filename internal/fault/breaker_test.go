package fault

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSet(clk *manualClock) *BreakerSet {
	set := NewBreakerSet(BreakerConfig{Threshold: 3, Window: time.Minute, Cooldown: 10 * time.Second, MaxCooldown: 30 * time.Second})
	set.SetClock(clk.Now)
	return set
}

// TestBreakerOpensAfterThreshold verifies that N consecutive failures open
// the breaker and that the next call is short-circuited.
func TestBreakerOpensAfterThreshold(t *testing.T) {
	clk := newManualClock()
	b := newTestSet(clk).For("dev-1")

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
		assert.Equal(t, StateClosed, b.State())
	}
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.False(t, errors.Is(err, ErrDeviceUnreachable))
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	clk := newManualClock()
	b := newTestSet(clk).For("dev-1")

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().Failures)
}

func TestBreakerWindowRestartsCount(t *testing.T) {
	clk := newManualClock()
	b := newTestSet(clk).For("dev-1")

	b.Failure()
	b.Failure()
	clk.Advance(2 * time.Minute)
	b.Failure()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Snapshot().Failures)
}

// TestBreakerWindowSpansTheStreak spaces failures closer than the window
// to each other but further apart in total; they must not open the breaker.
func TestBreakerWindowSpansTheStreak(t *testing.T) {
	clk := newManualClock()
	b := newTestSet(clk).For("dev-1")

	for i := 0; i < 5; i++ {
		b.Failure()
		assert.Equal(t, StateClosed, b.State(), "failure %d", i+1)
		clk.Advance(50 * time.Second)
	}
	assert.Less(t, b.Snapshot().Failures, 3)

	clk.Advance(2 * time.Minute)
	for i := 0; i < 3; i++ {
		b.Failure()
		clk.Advance(20 * time.Second)
	}
	assert.Equal(t, StateOpen, b.State(), "three failures inside one window")
}

// TestBreakerHalfOpenSingleProbe verifies that exactly one probe passes
// after the cooldown.
func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clk := newManualClock()
	b := newTestSet(clk).For("dev-1")
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	require.Equal(t, StateOpen, b.State())

	clk.Advance(5 * time.Second)
	assert.Error(t, b.Allow(), "still cooling down")

	clk.Advance(5 * time.Second)
	require.NoError(t, b.Allow(), "first caller after cooldown is the probe")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, errors.Is(b.Allow(), ErrCircuitOpen), "second caller must be rejected while probing")

	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerFailedProbeDoublesCooldown(t *testing.T) {
	clk := newManualClock()
	b := newTestSet(clk).For("dev-1")
	for i := 0; i < 3; i++ {
		b.Failure()
	}

	clk.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 20*time.Second, b.Snapshot().Cooldown)

	clk.Advance(15 * time.Second)
	assert.Error(t, b.Allow())

	clk.Advance(5 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, 30*time.Second, b.Snapshot().Cooldown, "cooldown is capped")

	clk.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, 10*time.Second, b.Snapshot().Cooldown, "closing resets the cooldown")
}

func TestBreakerSetOpenAndCallbacks(t *testing.T) {
	clk := newManualClock()
	set := newTestSet(clk)

	var mu sync.Mutex
	var transitions []string
	set.OnChange(func(id string, from, to BreakerState) {
		mu.Lock()
		transitions = append(transitions, id+":"+string(from)+"->"+string(to))
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		set.For("b").Failure()
	}
	set.For("a").Success()

	assert.Equal(t, []string{"b"}, set.Open())
	assert.Len(t, set.Snapshots(), 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b:CLOSED->OPEN"}, transitions)
}
