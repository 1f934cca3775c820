package fault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Member is one candidate of a failover group: a device or a coordinator
// replica that can act as primary.
type Member struct {
	ID       string `json:"id" yaml:"id"`
	Addr     string `json:"addr" yaml:"addr"`
	Priority int    `json:"priority" yaml:"priority"` // higher wins promotion
}

// MemberHealth tracks the health of a single group member.
// Thread-safe: Protected by FailoverManager's mutex when accessed.
type MemberHealth struct {
	LastCheck        time.Time // Timestamp of the last health check attempt
	LastHealthy      time.Time // Timestamp of the last successful health check
	MemberID         string    // Member identifier
	Status           string    // "healthy", "unhealthy" or "unknown"
	ConsecutiveFails int       // Number of consecutive failed health checks
}

const (
	healthUnknown   = "unknown"
	healthHealthy   = "healthy"
	healthUnhealthy = "unhealthy"
)

// FailoverEvent is emitted when a secondary is promoted.
type FailoverEvent struct {
	At     time.Time `json:"at"`
	Group  string    `json:"group"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Misses int       `json:"misses"`
}

// FailoverManager keeps a primary/secondary relationship inside a group of
// members and promotes a secondary when the primary stops answering.
//
// A background loop pings every member each interval. When the primary has
// missed maxMisses consecutive checks, the highest-priority healthy secondary
// becomes primary in the same round and a FailoverEvent is emitted. The old
// primary is not reinstated when it recovers; it rejoins as a secondary.
//
// Thread-safe: All methods are safe for concurrent access.
type FailoverManager struct {
	health     map[string]*MemberHealth
	checkFunc  func(ctx context.Context, m Member) error
	onFailover func(FailoverEvent)
	ctx        context.Context
	cancel     context.CancelFunc
	httpClient *http.Client
	group      string
	primary    string
	members    []Member
	interval   time.Duration
	timeout    time.Duration
	maxMisses  int
	mu         sync.RWMutex
	wg         sync.WaitGroup
}

// NewFailoverManager creates a manager for group. The highest-priority
// member starts as primary.
//
// Parameters:
//   - group: name of the coordination group (used in events and logs)
//   - members: candidates; must not be empty
//   - interval: how often to check members
//   - maxMisses: consecutive missed checks that trigger failover
//
// Example:
//
//	fm, _ := NewFailoverManager("cameras", []Member{{ID: "cam-a", Priority: 2}, {ID: "cam-b", Priority: 1}}, 5*time.Second, 3)
//	fm.SetOnFailover(func(ev FailoverEvent) { log.Printf("%s: %s -> %s", ev.Group, ev.From, ev.To) })
//	fm.Start(ctx)
func NewFailoverManager(group string, members []Member, interval time.Duration, maxMisses int) (*FailoverManager, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("failover group %q has no members", group)
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxMisses <= 0 {
		maxMisses = 3
	}
	sorted := append([]Member(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	ctx, cancel := context.WithCancel(context.Background())
	fm := &FailoverManager{
		group:      group,
		members:    sorted,
		primary:    sorted[0].ID,
		health:     make(map[string]*MemberHealth, len(sorted)),
		interval:   interval,
		timeout:    2 * time.Second,
		maxMisses:  maxMisses,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, m := range sorted {
		if m.ID == "" {
			cancel()
			return nil, errors.New("failover member id cannot be empty")
		}
		fm.health[m.ID] = &MemberHealth{MemberID: m.ID, Status: healthUnknown}
	}
	return fm, nil
}

// SetOnFailover sets the callback invoked after a promotion.
func (f *FailoverManager) SetOnFailover(fn func(FailoverEvent)) {
	f.mu.Lock()
	f.onFailover = fn
	f.mu.Unlock()
}

// SetCheckFunction overrides the default HTTP health check.
func (f *FailoverManager) SetCheckFunction(fn func(ctx context.Context, m Member) error) {
	f.mu.Lock()
	f.checkFunc = fn
	f.mu.Unlock()
}

// Group returns the group name.
func (f *FailoverManager) Group() string { return f.group }

// Primary returns the id of the current primary.
func (f *FailoverManager) Primary() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.primary
}

// Start launches the health-check loop, which runs until ctx or Stop
// cancels it. It returns immediately.
func (f *FailoverManager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = f.ctx
	}
	f.wg.Add(1)
	go f.loop(ctx)
}

func (f *FailoverManager) loop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	log.Printf("failover: group %s started with primary %s, interval %v", f.group, f.Primary(), f.interval)

	f.CheckNow(ctx)
	for {
		select {
		case <-ticker.C:
			f.CheckNow(ctx)
		case <-ctx.Done():
			return
		case <-f.ctx.Done():
			return
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (f *FailoverManager) Stop() {
	f.cancel()
	f.wg.Wait()
}

// CheckNow performs one round of health checks on every member in parallel
// and promotes a secondary if the primary crossed the miss threshold.
func (f *FailoverManager) CheckNow(ctx context.Context) {
	f.mu.RLock()
	check := f.checkFunc
	members := append([]Member(nil), f.members...)
	f.mu.RUnlock()
	if check == nil {
		check = f.defaultHealthCheck
	}

	results := make([]error, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m Member) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			results[i] = check(cctx, m)
		}(i, m)
	}
	wg.Wait()

	now := time.Now()
	f.mu.Lock()
	for i, m := range members {
		h := f.health[m.ID]
		h.LastCheck = now
		if results[i] != nil {
			h.ConsecutiveFails++
			if h.ConsecutiveFails >= f.maxMisses {
				h.Status = healthUnhealthy
			}
			if m.ID == f.primary {
				log.Printf("failover: primary %s of %s missed check %d/%d: %v", m.ID, f.group, h.ConsecutiveFails, f.maxMisses, results[i])
			}
			continue
		}
		h.Status = healthHealthy
		h.ConsecutiveFails = 0
		h.LastHealthy = now
	}
	ev, promoted := f.promoteLocked(now)
	cb := f.onFailover
	f.mu.Unlock()

	if promoted && cb != nil {
		cb(ev)
	}
}

func (f *FailoverManager) promoteLocked(now time.Time) (FailoverEvent, bool) {
	ph := f.health[f.primary]
	if ph.ConsecutiveFails < f.maxMisses {
		return FailoverEvent{}, false
	}
	for _, m := range f.members { // sorted by priority
		if m.ID == f.primary {
			continue
		}
		if f.health[m.ID].Status == healthHealthy {
			ev := FailoverEvent{Group: f.group, From: f.primary, To: m.ID, At: now, Misses: ph.ConsecutiveFails}
			log.Printf("failover: group %s promoted %s (old primary %s missed %d checks)", f.group, m.ID, f.primary, ph.ConsecutiveFails)
			f.primary = m.ID
			return ev, true
		}
	}
	log.Printf("failover: group %s primary %s is down and no healthy secondary is available", f.group, f.primary)
	return FailoverEvent{}, false
}

// Health returns a copy of every member's health record.
func (f *FailoverManager) Health() map[string]MemberHealth {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]MemberHealth, len(f.health))
	for id, h := range f.health {
		out[id] = *h
	}
	return out
}

// defaultHealthCheck issues GET <addr>/health and expects 200.
func (f *FailoverManager) defaultHealthCheck(ctx context.Context, m Member) error {
	url := m.Addr
	if url == "" {
		return fmt.Errorf("member %s has no address", m.ID)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
