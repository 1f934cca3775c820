package fault

import (
	"log"
	"sort"
	"sync"
	"time"
)

// BreakerState is the position of a circuit breaker's state machine.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig holds the thresholds shared by every breaker of a set.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Window bounds a streak: Threshold failures must fall within Window of
	// the streak's first failure, otherwise the count restarts.
	Window time.Duration
	// Cooldown is the initial time spent OPEN before a probe is allowed.
	Cooldown time.Duration
	// MaxCooldown caps the doubling applied after each failed probe.
	MaxCooldown time.Duration
}

// DefaultBreakerConfig returns the thresholds used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   5,
		Window:      time.Minute,
		Cooldown:    10 * time.Second,
		MaxCooldown: 5 * time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

// BreakerSnapshot is a point-in-time copy of a breaker.
type BreakerSnapshot struct {
	LastFailure time.Time     `json:"last_failure"`
	OpenedAt    time.Time     `json:"opened_at"`
	DeviceID    string        `json:"device_id"`
	State       BreakerState  `json:"state"`
	Failures    int           `json:"failures"`
	Cooldown    time.Duration `json:"cooldown"`
}

// Breaker guards calls to a single remote endpoint.
//
//	CLOSED ──N failures in window──► OPEN ──cooldown──► HALF_OPEN
//	  ▲                               ▲                    │
//	  └──────── probe succeeds ───────┼────────────────────┤
//	                                  └── probe fails, cooldown×2 (capped)
//
// In HALF_OPEN exactly one probe is let through; every other caller gets
// ErrCircuitOpen until the probe reports back.
type Breaker struct {
	lastFailure   time.Time
	streakStart   time.Time
	openedAt      time.Time
	now           func() time.Time
	onChange      func(id string, from, to BreakerState)
	id            string
	state         BreakerState
	cfg           BreakerConfig
	cooldown      time.Duration
	failures      int
	mu            sync.Mutex
	probeInFlight bool
}

// NewBreaker creates a closed breaker for the endpoint id.
func NewBreaker(id string, cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		id:       id,
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen
// (wrapped with the device id) when the call must be short-circuited.
// A nil return obliges the caller to report the outcome with Success or
// Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var from, to BreakerState
	defer func() {
		b.mu.Unlock()
		b.fire(from, to)
	}()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return CircuitOpen(b.id)
		}
		from, to = b.state, StateHalfOpen
		b.state = StateHalfOpen
		b.probeInFlight = true
		return nil
	default: // half-open
		if b.probeInFlight {
			return CircuitOpen(b.id)
		}
		b.probeInFlight = true
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probeInFlight = false
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.cooldown = b.cfg.Cooldown
	}
	to := b.state
	b.mu.Unlock()
	b.fire(from, to)
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	now := b.now()
	from := b.state
	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.state = StateOpen
		b.openedAt = now
	case StateClosed:
		if b.failures == 0 || now.Sub(b.streakStart) > b.cfg.Window {
			b.failures = 0
			b.streakStart = now
		}
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	}
	b.lastFailure = now
	to := b.state
	b.mu.Unlock()
	b.fire(from, to)
}

// Release gives back a probe slot without recording an outcome, used when
// the caller abandons the call (for example on cancellation).
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) fire(from, to BreakerState) {
	if from == to || b.onChange == nil {
		return
	}
	log.Printf("breaker: %s %s -> %s", b.id, from, to)
	b.onChange(b.id, from, to)
}

// State returns the current state without advancing it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		DeviceID:    b.id,
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
		Cooldown:    b.cooldown,
	}
}

// BreakerSet holds one breaker per device id, created lazily.
type BreakerSet struct {
	breakers map[string]*Breaker
	now      func() time.Time
	onChange func(id string, from, to BreakerState)
	cfg      BreakerConfig
	mu       sync.Mutex
}

// NewBreakerSet creates an empty set sharing cfg.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// SetClock overrides the time source for all current and future breakers.
func (s *BreakerSet) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	for _, b := range s.breakers {
		b.mu.Lock()
		b.now = now
		b.mu.Unlock()
	}
}

// OnChange registers a callback for state transitions of any breaker in the
// set. It must be set before the set is used.
func (s *BreakerSet) OnChange(fn func(id string, from, to BreakerState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// For returns the breaker for id, creating it on first use.
func (s *BreakerSet) For(id string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[id]
	if !ok {
		b = NewBreaker(id, s.cfg)
		b.now = s.now
		b.onChange = s.onChange
		s.breakers[id] = b
	}
	return b
}

// Open returns the ids of breakers that are not CLOSED, sorted.
func (s *BreakerSet) Open() []string {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	var out []string
	for _, b := range list {
		if b.State() != StateClosed {
			out = append(out, b.id)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshots returns a copy of every breaker in the set, sorted by id.
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
