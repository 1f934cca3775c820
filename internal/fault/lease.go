package fault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrLeaseLost is returned by Renew when the caller no longer holds the lease.
var ErrLeaseLost = errors.New("leader lease lost")

// Term is one leadership term of a coordination domain.
type Term struct {
	AcquiredAt  time.Time `json:"acquired_at"`
	LeaseExpiry time.Time `json:"lease_expiry"`
	Leader      string    `json:"leader_device_id"`
	Number      uint64    `json:"term_number"`
}

// Valid reports whether the term's lease is still running at now.
func (t Term) Valid(now time.Time) bool {
	return t.Leader != "" && now.Before(t.LeaseExpiry)
}

// LeaseStore is the shared, linearizable record of who leads a domain.
// Implementations must make TryAcquire and Renew atomic per domain.
type LeaseStore interface {
	// TryAcquire grants the lease to candidate when the domain has no valid
	// lease (term+1) or when candidate already holds it (renewal). It returns
	// the resulting current term and whether candidate holds it.
	TryAcquire(ctx context.Context, domain, candidate string, ttl time.Duration, now time.Time) (Term, bool, error)
	// Renew extends a lease held by holder in term. It fails with
	// ErrLeaseLost when the lease lapsed or belongs to someone else.
	Renew(ctx context.Context, domain, holder string, term uint64, ttl time.Duration, now time.Time) (Term, error)
	// Current returns the last granted term for domain.
	Current(ctx context.Context, domain string) (Term, bool, error)
	// Release gives up a lease early.
	Release(ctx context.Context, domain, holder string, term uint64) error
}

// MemoryLeaseStore is a LeaseStore shared by coordinators running in the
// same process (and by tests).
type MemoryLeaseStore struct {
	terms map[string]Term
	mu    sync.Mutex
}

// NewMemoryLeaseStore returns an empty store.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{terms: make(map[string]Term)}
}

// TryAcquire implements LeaseStore.
func (s *MemoryLeaseStore) TryAcquire(_ context.Context, domain, candidate string, ttl time.Duration, now time.Time) (Term, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.terms[domain]
	if cur.Valid(now) {
		if cur.Leader != candidate {
			return cur, false, nil
		}
		cur.LeaseExpiry = now.Add(ttl)
		s.terms[domain] = cur
		return cur, true, nil
	}
	next := Term{Number: cur.Number + 1, Leader: candidate, AcquiredAt: now, LeaseExpiry: now.Add(ttl)}
	s.terms[domain] = next
	return next, true, nil
}

// Renew implements LeaseStore.
func (s *MemoryLeaseStore) Renew(_ context.Context, domain, holder string, term uint64, ttl time.Duration, now time.Time) (Term, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.terms[domain]
	if cur.Leader != holder || cur.Number != term || !cur.Valid(now) {
		return cur, ErrLeaseLost
	}
	cur.LeaseExpiry = now.Add(ttl)
	s.terms[domain] = cur
	return cur, nil
}

// Current implements LeaseStore.
func (s *MemoryLeaseStore) Current(_ context.Context, domain string) (Term, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terms[domain]
	return t, ok, nil
}

// Release implements LeaseStore.
func (s *MemoryLeaseStore) Release(_ context.Context, domain, holder string, term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.terms[domain]
	if cur.Leader == holder && cur.Number == term {
		cur.LeaseExpiry = time.Time{}
		s.terms[domain] = cur
	}
	return nil
}

// Elector holds or competes for leadership of a domain through a LeaseStore.
// A coordinator is leader only while it renews its lease before
// LeaseExpiry; a failed renewal surrenders leadership immediately and any
// other candidate may take over once the lease has lapsed.
type Elector struct {
	store      LeaseStore
	now        func() time.Time
	onAcquired func(Term)
	onLost     func(Term)
	term       Term
	domain     string
	id         string
	ttl        time.Duration
	mu         sync.RWMutex
	leading    bool
}

// NewElector creates an elector for candidate id in domain.
func NewElector(store LeaseStore, domain, id string, ttl time.Duration) *Elector {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Elector{store: store, domain: domain, id: id, ttl: ttl, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (e *Elector) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// OnAcquired sets the callback run when this candidate becomes leader.
func (e *Elector) OnAcquired(fn func(Term)) {
	e.mu.Lock()
	e.onAcquired = fn
	e.mu.Unlock()
}

// OnLost sets the callback run when this candidate surrenders leadership.
func (e *Elector) OnLost(fn func(Term)) {
	e.mu.Lock()
	e.onLost = fn
	e.mu.Unlock()
}

// IsLeader reports whether this candidate currently holds a valid lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leading && e.term.Valid(e.now())
}

// Term returns the last term this elector observed.
func (e *Elector) Term() Term {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.term
}

// Run campaigns and renews every ttl/3 until ctx is done, then releases
// the lease if held.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.release()
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick performs one campaign or renewal step. A leader renews its lease
// and surrenders when renewal fails or the lease has lapsed; a follower
// tries to acquire the lease. The OnAcquired and OnLost callbacks run on
// the calling goroutine.
//
// Parameters:
//   - ctx: bounds the lease store calls
//
// Example:
//
//	el := NewElector(store, "devmesh", "coord-1", 10*time.Second)
//	el.OnAcquired(func(t Term) { sched.SetActive(true) })
//	el.Tick(ctx)
func (e *Elector) Tick(ctx context.Context) {
	e.mu.RLock()
	now := e.now()
	leading, term := e.leading, e.term
	e.mu.RUnlock()

	if leading {
		renewed, err := e.store.Renew(ctx, e.domain, e.id, term.Number, e.ttl, now)
		if err != nil || !renewed.Valid(now) {
			e.surrender(term, err)
			return
		}
		e.mu.Lock()
		e.term = renewed
		e.mu.Unlock()
		return
	}

	cur, held, err := e.store.TryAcquire(ctx, e.domain, e.id, e.ttl, now)
	if err != nil {
		log.Printf("lease: %s could not campaign for %s: %v", e.id, e.domain, err)
		return
	}
	e.mu.Lock()
	e.term = cur
	e.leading = held
	cb := e.onAcquired
	e.mu.Unlock()
	if held {
		log.Printf("lease: %s acquired leadership of %s (term %d)", e.id, e.domain, cur.Number)
		if cb != nil {
			cb(cur)
		}
	}
}

func (e *Elector) surrender(term Term, cause error) {
	e.mu.Lock()
	e.leading = false
	cb := e.onLost
	e.mu.Unlock()
	if cause == nil {
		cause = fmt.Errorf("lease expired at %s", term.LeaseExpiry.Format(time.RFC3339))
	}
	log.Printf("lease: %s surrendered leadership of %s (term %d): %v", e.id, e.domain, term.Number, cause)
	if cb != nil {
		cb(term)
	}
}

func (e *Elector) release() {
	e.mu.Lock()
	leading, term := e.leading, e.term
	e.leading = false
	e.mu.Unlock()
	if leading {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.store.Release(ctx, e.domain, e.id, term.Number)
	}
}
