// Package device implements the in-memory catalog of known devices.
// See doc.go for complete package documentation.
package device

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/devmesh/internal/events"
)

var (
	// ErrUnknownDevice is returned when an operation names a device the
	// registry has never seen or has already purged.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrInvalidDevice is returned when a registration is missing its id.
	ErrInvalidDevice = errors.New("invalid device")
)

// Change describes a transition that downstream components react to.
// Kind is one of the device.* event kinds.
type Change struct {
	Device   Device
	Kind     events.Kind
	Previous Status
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status       Status
	Capabilities []string
}

func (f Filter) match(d *Device) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return d.HasCapabilities(f.Capabilities...)
}

// Thresholds control how Expire ages devices out.
type Thresholds struct {
	// HeartbeatTimeout is the silence after which a device becomes DEGRADED.
	HeartbeatTimeout time.Duration
	// OfflineAfter is the silence after which a device becomes OFFLINE and
	// stops receiving work. Must be longer than HeartbeatTimeout.
	OfflineAfter time.Duration
	// PurgeAfter is the silence after which the entry is forgotten entirely.
	PurgeAfter time.Duration
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HeartbeatTimeout: 45 * time.Second,
		OfflineAfter:     2 * time.Minute,
		PurgeAfter:       10 * time.Minute,
	}
}

// Registry is the authoritative catalog of devices for one coordinator.
//
// Discovery strategies, the synchronizer and the HTTP surface all write to it
// concurrently; a single RWMutex guards the map and the registration order.
// Listeners are always invoked after the lock is released.
//
// Thread Safety:
// All methods are safe for concurrent use. Returned devices are deep copies.
type Registry struct {
	devices    map[string]*Device
	now        func() time.Time
	listeners  []func(Change)
	order      []string // registration order, used by round-robin placement
	thresholds Thresholds
	mu         sync.RWMutex
	lmu        sync.RWMutex
}

// NewRegistry creates an empty registry.
//
// Parameters:
//   - th: expiry thresholds; zero fields fall back to DefaultThresholds
//
// Example:
//
//	reg := NewRegistry(DefaultThresholds())
//	reg.AddListener(func(c Change) { log.Printf("%s %s", c.Kind, c.Device.ID) })
func NewRegistry(th Thresholds) *Registry {
	def := DefaultThresholds()
	if th.HeartbeatTimeout <= 0 {
		th.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if th.OfflineAfter <= th.HeartbeatTimeout {
		th.OfflineAfter = th.HeartbeatTimeout + def.OfflineAfter - def.HeartbeatTimeout
	}
	if th.PurgeAfter <= th.OfflineAfter {
		th.PurgeAfter = th.OfflineAfter + def.PurgeAfter - def.OfflineAfter
	}
	return &Registry{
		devices:    make(map[string]*Device),
		thresholds: th,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// AddListener registers fn to be called for every Change.
// Listeners must not block for long: they run on the caller's goroutine.
func (r *Registry) AddListener(fn func(Change)) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

func (r *Registry) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	r.lmu.RLock()
	ls := slices.Clone(r.listeners)
	r.lmu.RUnlock()
	for _, c := range changes {
		for _, fn := range ls {
			fn(c)
		}
	}
}

// Register adds a device or refreshes an existing one.
//
// Registration is idempotent by id: a known device has its kind,
// capabilities, address and labels replaced, its status set to ONLINE and
// LastSeen bumped. The registry never grows on re-registration.
//
// Returns:
//   - the stored device (copy)
//   - ErrInvalidDevice if d.ID is empty
func (r *Registry) Register(d Device) (Device, error) {
	if d.ID == "" {
		return Device{}, fmt.Errorf("%w: missing device id", ErrInvalidDevice)
	}

	r.mu.Lock()
	now := r.now()
	var change Change
	existing, ok := r.devices[d.ID]
	if !ok {
		stored := &Device{
			ID:           d.ID,
			Kind:         ParseKind(string(d.Kind)),
			Capabilities: NormalizeCapabilities(d.Capabilities),
			Address:      d.Address,
			Labels:       d.Clone().Labels,
			Status:       StatusOnline,
			ClockID:      d.ClockID,
			LastSeen:     now,
			RegisteredAt: now,
		}
		if stored.ClockID == "" {
			stored.ClockID = stored.ID
		}
		r.devices[d.ID] = stored
		r.order = append(r.order, d.ID)
		change = Change{Kind: events.DeviceJoined, Device: stored.Clone(), Previous: StatusUnknown}
		existing = stored
	} else {
		prev := existing.Status
		existing.Kind = ParseKind(string(d.Kind))
		existing.Capabilities = NormalizeCapabilities(d.Capabilities)
		if d.Address != "" {
			existing.Address = d.Address
		}
		if d.Labels != nil {
			existing.Labels = d.Clone().Labels
		}
		if now.After(existing.LastSeen) {
			existing.LastSeen = now
		}
		existing.Status = StatusOnline
		kind := events.DeviceUpdated
		if prev != StatusOnline {
			kind = events.DeviceRecovered
		}
		change = Change{Kind: kind, Device: existing.Clone(), Previous: prev}
	}
	out := existing.Clone()
	r.mu.Unlock()

	r.notify(change)
	return out, nil
}

// MarkSeen records contact with a device at ts. LastSeen never moves
// backwards; a DEGRADED or OFFLINE device is revived to ONLINE.
func (r *Registry) MarkSeen(id string, ts time.Time) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if ts.After(d.LastSeen) {
		d.LastSeen = ts
	}
	var changes []Change
	if d.Status != StatusOnline {
		prev := d.Status
		d.Status = StatusOnline
		changes = append(changes, Change{Kind: events.DeviceRecovered, Device: d.Clone(), Previous: prev})
	}
	r.mu.Unlock()

	r.notify(changes...)
	return nil
}

// SetStatus forces a device into status. Moving a device to OFFLINE emits the
// same removal change that Expire would.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	prev := d.Status
	d.Status = status
	var changes []Change
	if prev != status {
		changes = append(changes, Change{Kind: kindForStatus(status), Device: d.Clone(), Previous: prev})
	}
	r.mu.Unlock()

	r.notify(changes...)
	return nil
}

func kindForStatus(s Status) events.Kind {
	switch s {
	case StatusOnline:
		return events.DeviceRecovered
	case StatusDegraded:
		return events.DeviceDegraded
	case StatusOffline:
		return events.DeviceOffline
	default:
		return events.DeviceUpdated
	}
}

// Get returns a copy of the device with the given id.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// List returns copies of every device matching f, in registration order.
func (r *Registry) List(f Filter) []Device {
	caps := NormalizeCapabilities(f.Capabilities)
	f.Capabilities = caps

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		d := r.devices[id]
		if f.match(d) {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Counts returns the number of devices per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Status]int{
		StatusOnline:   0,
		StatusDegraded: 0,
		StatusOffline:  0,
		StatusUnknown:  0,
	}
	for _, d := range r.devices {
		out[d.Status]++
	}
	return out
}

// Expire ages devices by their LastSeen:
//
//	age > HeartbeatTimeout → DEGRADED
//	age > OfflineAfter     → OFFLINE (removal change)
//	age > PurgeAfter       → forgotten (purged change)
//
// It is called periodically by the engine and returns the changes it made
// after notifying listeners.
func (r *Registry) Expire() []Change {
	r.mu.Lock()
	now := r.now()
	var changes []Change
	kept := r.order[:0]
	for _, id := range r.order {
		d := r.devices[id]
		age := now.Sub(d.LastSeen)
		prev := d.Status

		switch {
		case age > r.thresholds.PurgeAfter:
			delete(r.devices, id)
			if prev != StatusOffline {
				changes = append(changes, Change{Kind: events.DeviceOffline, Device: d.Clone(), Previous: prev})
			}
			changes = append(changes, Change{Kind: events.DevicePurged, Device: d.Clone(), Previous: prev})
			log.Printf("registry: purged device %s after %v without contact", id, age.Round(time.Second))
			continue
		case age > r.thresholds.OfflineAfter:
			if prev != StatusOffline {
				d.Status = StatusOffline
				changes = append(changes, Change{Kind: events.DeviceOffline, Device: d.Clone(), Previous: prev})
				log.Printf("registry: device %s offline (last seen %v ago)", id, age.Round(time.Second))
			}
		case age > r.thresholds.HeartbeatTimeout:
			if prev == StatusOnline || prev == StatusUnknown {
				d.Status = StatusDegraded
				changes = append(changes, Change{Kind: events.DeviceDegraded, Device: d.Clone(), Previous: prev})
			}
		}
		kept = append(kept, id)
	}
	r.order = kept
	r.mu.Unlock()

	r.notify(changes...)
	return changes
}
