package device

import (
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// Kind classifies the hardware class of a device.
type Kind string

const (
	KindMobile  Kind = "mobile"
	KindDesktop Kind = "desktop"
	KindServer  Kind = "server"
	KindIoT     Kind = "iot"
	KindUnknown Kind = "unknown"
)

// ParseKind maps a wire string to a Kind. Unrecognised values become KindUnknown.
func ParseKind(s string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindMobile:
		return KindMobile
	case KindDesktop:
		return KindDesktop
	case KindServer:
		return KindServer
	case KindIoT:
		return KindIoT
	default:
		return KindUnknown
	}
}

// Status is the liveness of a device as seen by this coordinator.
type Status string

const (
	StatusOnline   Status = "ONLINE"
	StatusDegraded Status = "DEGRADED"
	StatusOffline  Status = "OFFLINE"
	StatusUnknown  Status = "UNKNOWN"
)

// ParseStatus maps a wire string to a Status, case-insensitively.
func ParseStatus(s string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusOnline:
		return StatusOnline
	case StatusDegraded:
		return StatusDegraded
	case StatusOffline:
		return StatusOffline
	default:
		return StatusUnknown
	}
}

// Device is a single entry of the registry.
//
// ID is stable and globally unique. ClockID is the slot this device owns in
// vector clocks; it defaults to ID. Capabilities are kept sorted and free of
// duplicates so that set comparisons stay cheap.
type Device struct {
	LastSeen     time.Time         `json:"last_seen"`
	RegisteredAt time.Time         `json:"registered_at"`
	Labels       map[string]string `json:"labels,omitempty"`
	ID           string            `json:"device_id"`
	Kind         Kind              `json:"kind"`
	Address      string            `json:"address"`
	Status       Status            `json:"status"`
	ClockID      string            `json:"vector_clock_id"`
	Capabilities []string          `json:"capabilities"`
}

// HasCapabilities reports whether the device's capability set is a superset
// of required. An empty requirement matches every device.
func (d Device) HasCapabilities(required ...string) bool {
	for _, c := range required {
		if _, found := slices.BinarySearch(d.Capabilities, c); !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can never reach registry internals.
func (d Device) Clone() Device {
	out := d
	out.Capabilities = slices.Clone(d.Capabilities)
	if d.Labels != nil {
		out.Labels = make(map[string]string, len(d.Labels))
		for k, v := range d.Labels {
			out.Labels[k] = v
		}
	}
	return out
}

// NormalizeCapabilities trims, drops empties, sorts and de-duplicates tags.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
