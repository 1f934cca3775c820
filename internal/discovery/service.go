package discovery

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/fault"
)

// Stats counts what the service has seen and done.
type Stats struct {
	Sightings    uint64 `json:"sightings"`
	Applied      uint64 `json:"applied"`
	Deduplicated uint64 `json:"deduplicated"`
	Goodbyes     uint64 `json:"goodbyes"`
	SelfIgnored  uint64 `json:"self_ignored"`
	Restarts     uint64 `json:"restarts"`
}

type seen struct {
	at  time.Time
	ann Announcement
}

// Service runs discovery strategies concurrently and feeds what they see
// into a device registry.
//
// Sightings are de-duplicated by device id, not by transport source: the
// same device found by several strategies within Window causes a single
// registry write, unless its announcement changed. A failed strategy is
// restarted with exponential backoff and never affects the others.
type Service struct {
	registry   *device.Registry
	now        func() time.Time
	last       map[string]seen
	restart    fault.RetryPolicy
	selfID     string
	strategies []Strategy
	window     time.Duration
	mu         sync.Mutex
	st         struct {
		sightings, applied, deduped, goodbyes, self, restarts atomic.Uint64
	}
}

// NewService creates a service. selfID is filtered out so a node never
// registers its own announcements. window is the de-duplication window.
func NewService(reg *device.Registry, selfID string, window time.Duration, strategies ...Strategy) *Service {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Service{
		registry:   reg,
		selfID:     selfID,
		strategies: strategies,
		window:     window,
		last:       make(map[string]seen),
		now:        time.Now,
		restart: fault.RetryPolicy{
			BaseDelay:  time.Second,
			MaxDelay:   time.Minute,
			Multiplier: 2,
			Jitter:     0.2,
		},
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Run starts every strategy and applies sightings until ctx is done.
func (s *Service) Run(ctx context.Context) {
	out := make(chan Sighting, 64)
	var wg sync.WaitGroup
	for _, st := range s.strategies {
		wg.Add(1)
		go func(st Strategy) {
			defer wg.Done()
			s.supervise(ctx, st, out)
		}(st)
	}
	log.Printf("discovery: running %d strategies", len(s.strategies))

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sg := <-out:
			s.Handle(sg)
		}
	}
}

// supervise runs st until ctx is done, restarting it after failures.
func (s *Service) supervise(ctx context.Context, st Strategy, out chan<- Sighting) {
	b := s.restart.NewBackOff()
	for {
		started := time.Now()
		err := st.Run(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		s.st.restarts.Add(1)
		delay := b.NextBackOff()
		log.Printf("discovery: strategy %s stopped: %v (restart in %v)", st.Name(), err, delay.Round(time.Millisecond))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Handle applies one sighting to the registry. It reports whether the
// registry was written.
func (s *Service) Handle(sg Sighting) bool {
	s.st.sightings.Add(1)
	a := sg.Announcement
	if a.DeviceID == s.selfID {
		s.st.self.Add(1)
		return false
	}

	if a.Goodbye() {
		s.mu.Lock()
		delete(s.last, a.DeviceID)
		s.mu.Unlock()
		s.st.goodbyes.Add(1)
		if err := s.registry.SetStatus(a.DeviceID, device.StatusOffline); err != nil {
			return false
		}
		log.Printf("discovery: %s said goodbye via %s", a.DeviceID, sg.Source)
		return true
	}

	s.mu.Lock()
	now := s.now()
	prev, ok := s.last[a.DeviceID]
	if ok && now.Sub(prev.at) < s.window && sameAnnouncement(prev.ann, a) {
		s.mu.Unlock()
		s.st.deduped.Add(1)
		return false
	}
	s.last[a.DeviceID] = seen{at: now, ann: a}
	s.mu.Unlock()

	if _, err := s.registry.Register(a.Device()); err != nil {
		log.Printf("discovery: %s sighting of %q rejected: %v", sg.Source, a.DeviceID, err)
		return false
	}
	s.st.applied.Add(1)
	return true
}

func sameAnnouncement(a, b Announcement) bool {
	if a.Kind != b.Kind || a.Address != b.Address || !slices.Equal(a.Capabilities, b.Capabilities) || len(a.Labels) != len(b.Labels) {
		return false
	}
	for k, v := range a.Labels {
		if b.Labels[k] != v {
			return false
		}
	}
	return true
}

// Stats returns the service counters.
func (s *Service) Stats() Stats {
	return Stats{
		Sightings:    s.st.sightings.Load(),
		Applied:      s.st.applied.Load(),
		Deduplicated: s.st.deduped.Load(),
		Goodbyes:     s.st.goodbyes.Load(),
		SelfIgnored:  s.st.self.Load(),
		Restarts:     s.st.restarts.Load(),
	}
}
