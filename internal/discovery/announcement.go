package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/devmesh/internal/device"
)

// ServiceName is what search requests ask for.
const ServiceName = "devmesh"

// maxPacket bounds a single discovery datagram.
const maxPacket = 8 << 10

// Announcement is the payload devices multicast, broadcast or send in reply
// to a search. TTL is in seconds; an explicit zero announces that the
// device is leaving. A datagram without ttl is malformed.
type Announcement struct {
	Labels       map[string]string `json:"labels,omitempty"`
	DeviceID     string            `json:"device_id"`
	Kind         string            `json:"kind"`
	Address      string            `json:"address"`
	Capabilities []string          `json:"capabilities"`
	TTL          int               `json:"ttl"`
}

// SearchRequest asks every listener on the search address to answer with
// its announcement.
type SearchRequest struct {
	Search    string `json:"search"`
	Requester string `json:"requester"`
}

// ErrMalformed is returned for datagrams that are neither an announcement
// nor a search request.
var ErrMalformed = errors.New("malformed discovery packet")

// Validate checks the fields a registry needs.
func (a Announcement) Validate() error {
	if a.DeviceID == "" {
		return fmt.Errorf("%w: missing device_id", ErrMalformed)
	}
	if a.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrMalformed)
	}
	return nil
}

// Goodbye reports whether the announcement withdraws the device.
func (a Announcement) Goodbye() bool { return a.TTL == 0 }

// Device converts the announcement into a registry entry.
func (a Announcement) Device() device.Device {
	return device.Device{
		ID:           a.DeviceID,
		Kind:         device.ParseKind(a.Kind),
		Capabilities: a.Capabilities,
		Address:      a.Address,
		Labels:       a.Labels,
	}
}

// Encode marshals the announcement for the wire.
func (a Announcement) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// packet is the union of everything that travels on the discovery ports.
// TTL shadows Announcement.TTL so a missing ttl can be told from a goodbye.
type packet struct {
	TTL *int `json:"ttl"`
	Announcement
	SearchRequest
}

// decode classifies a datagram. Exactly one of the returned pointers is
// non-nil when err is nil.
func decode(b []byte) (*Announcement, *SearchRequest, error) {
	var p packet
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Search != "" {
		sr := p.SearchRequest
		return nil, &sr, nil
	}
	a := p.Announcement
	if p.TTL == nil {
		if a.DeviceID == "" {
			return nil, nil, fmt.Errorf("%w: missing device_id", ErrMalformed)
		}
		return nil, nil, fmt.Errorf("%w: missing ttl", ErrMalformed)
	}
	a.TTL = *p.TTL
	if err := a.Validate(); err != nil {
		return nil, nil, err
	}
	return &a, nil, nil
}

// Sighting is one observation of a device by one strategy.
type Sighting struct {
	SeenAt       time.Time
	Source       string // strategy name
	From         string // transport source address
	Announcement Announcement
}
