package fault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLeaseStore(t *testing.T) {
	store := NewMemoryLeaseStore()
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	term, held, err := store.TryAcquire(ctx, "dom", "a", 10*time.Second, t0)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, uint64(1), term.Number)

	_, held, _ = store.TryAcquire(ctx, "dom", "b", 10*time.Second, t0.Add(5*time.Second))
	assert.False(t, held, "b cannot take a running lease")

	renewed, err := store.Renew(ctx, "dom", "a", 1, 10*time.Second, t0.Add(8*time.Second))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(18*time.Second), renewed.LeaseExpiry)

	_, err = store.Renew(ctx, "dom", "a", 1, 10*time.Second, t0.Add(30*time.Second))
	assert.True(t, errors.Is(err, ErrLeaseLost))

	term, held, _ = store.TryAcquire(ctx, "dom", "b", 10*time.Second, t0.Add(30*time.Second))
	assert.True(t, held)
	assert.Equal(t, uint64(2), term.Number)
	assert.Equal(t, "b", term.Leader)

	require.NoError(t, store.Release(ctx, "dom", "b", 2))
	term, held, _ = store.TryAcquire(ctx, "dom", "a", 10*time.Second, t0.Add(31*time.Second))
	assert.True(t, held)
	assert.Equal(t, uint64(3), term.Number)
}

// TestElectorLeaseLifecycle runs two electors against one store and checks
// that leadership moves only after the leader fails to renew.
func TestElectorLeaseLifecycle(t *testing.T) {
	store := NewMemoryLeaseStore()
	clk := newManualClock()
	ctx := context.Background()

	a := NewElector(store, "coord", "a", 15*time.Second)
	b := NewElector(store, "coord", "b", 15*time.Second)
	a.SetClock(clk.Now)
	b.SetClock(clk.Now)

	var lost []Term
	var acquired []string
	a.OnLost(func(t Term) { lost = append(lost, t) })
	a.OnAcquired(func(t Term) { acquired = append(acquired, "a") })
	b.OnAcquired(func(t Term) { acquired = append(acquired, "b") })

	a.Tick(ctx)
	b.Tick(ctx)
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())
	assert.Equal(t, "a", b.Term().Leader)

	// a keeps renewing
	clk.Advance(10 * time.Second)
	a.Tick(ctx)
	b.Tick(ctx)
	assert.True(t, a.IsLeader())

	// a stalls past its expiry; its own view already reports no leadership
	clk.Advance(30 * time.Second)
	assert.False(t, a.IsLeader())

	b.Tick(ctx)
	assert.True(t, b.IsLeader())
	assert.Equal(t, uint64(2), b.Term().Number)

	a.Tick(ctx)
	assert.False(t, a.IsLeader())
	require.Len(t, lost, 1)
	assert.Equal(t, uint64(1), lost[0].Number)
	assert.Equal(t, []string{"a", "b"}, acquired)
}

func TestElectorRunReleasesOnStop(t *testing.T) {
	store := NewMemoryLeaseStore()
	e := NewElector(store, "coord", "solo", 300*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, e.IsLeader, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	term, ok, err := store.Current(context.Background(), "coord")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, term.Valid(time.Now()), "lease is released on shutdown")
}
