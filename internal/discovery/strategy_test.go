package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/devmesh/internal/device"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := c.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, c.Close())
	return port
}

// collect reads sightings until one matches id or the deadline passes.
func collect(t *testing.T, out <-chan Sighting, id string) Sighting {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case sg := <-out:
			if sg.Announcement.DeviceID == id {
				return sg
			}
		case <-timeout:
			t.Fatalf("no sighting of %q", id)
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantAnn bool
		wantSR  bool
		wantErr bool
	}{
		{name: "announcement", in: `{"device_id":"tv","kind":"iot","address":"10.0.0.5:80","ttl":60}`, wantAnn: true},
		{name: "goodbye", in: `{"device_id":"tv","ttl":0}`, wantAnn: true},
		{name: "search", in: `{"search":"devmesh","requester":"phone"}`, wantSR: true},
		{name: "not json", in: `hello`, wantErr: true},
		{name: "missing id", in: `{"kind":"iot","ttl":60}`, wantErr: true},
		{name: "negative ttl", in: `{"device_id":"tv","ttl":-1}`, wantErr: true},
		{name: "missing ttl is not a goodbye", in: `{"device_id":"tv","address":"10.0.0.5:80"}`, wantErr: true},
		{name: "null ttl", in: `{"device_id":"tv","ttl":null}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ann, sr, err := decode([]byte(tt.in))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAnn, ann != nil)
			assert.Equal(t, tt.wantSR, sr != nil)
		})
	}

	ann, _, err := decode([]byte(`{"device_id":"tv","ttl":0}`))
	require.NoError(t, err)
	assert.True(t, ann.Goodbye())
	ann, _, err = decode([]byte(`{"device_id":"tv","ttl":60}`))
	require.NoError(t, err)
	assert.Equal(t, 60, ann.TTL)
	assert.False(t, ann.Goodbye())
}

func TestAnnouncementDevice(t *testing.T) {
	a := Announcement{DeviceID: "tv", Kind: "IoT", Address: "10.0.0.5:80", Capabilities: []string{"display"}, TTL: 60}
	d := a.Device()
	assert.Equal(t, "tv", d.ID)
	assert.Equal(t, device.KindIoT, d.Kind)
	assert.Equal(t, []string{"display"}, d.Capabilities)
	assert.False(t, a.Goodbye())
}

// TestBroadcastLoopback sends announcements to our own socket over loopback;
// real broadcast addresses are not needed to exercise the loop.
func TestBroadcastLoopback(t *testing.T) {
	port := freeUDPPort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	self := &Announcement{DeviceID: "desk", Kind: "desktop", Address: "10.0.0.2:80", TTL: 90}
	b := &BroadcastStrategy{Self: self, Listen: addr, Target: addr, Interval: 20 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Sighting, 16)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, out) }()

	sg := collect(t, out, "desk")
	assert.Equal(t, "broadcast", sg.Source)
	assert.Equal(t, "10.0.0.2:80", sg.Announcement.Address)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast strategy did not stop")
	}
}

func TestSearchLoopback(t *testing.T) {
	port := freeUDPPort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	responder := &SearchStrategy{
		Self:    &Announcement{DeviceID: "server", Kind: "server", Address: "10.0.0.7:80", Capabilities: []string{"gpu"}, TTL: 90},
		Address: addr,
		Listen:  addr,
		Cycle:   time.Hour,
	}
	searcher := &SearchStrategy{
		Self:    &Announcement{DeviceID: "phone", Kind: "mobile", TTL: 90},
		Address: addr,
		Cycle:   50 * time.Millisecond,
		Window:  40 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	respOut := make(chan Sighting, 16)
	out := make(chan Sighting, 16)
	go func() { _ = responder.Run(ctx, respOut) }()
	go func() { _ = searcher.Run(ctx, out) }()

	sg := collect(t, out, "server")
	assert.Equal(t, "search", sg.Source)
	assert.Equal(t, []string{"gpu"}, sg.Announcement.Capabilities)

	select {
	case sg := <-respOut:
		t.Fatalf("responder must not report itself: %+v", sg)
	default:
	}
}

func TestBroadcastListenFailure(t *testing.T) {
	c, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	b := &BroadcastStrategy{Listen: c.LocalAddr().String(), Target: "127.0.0.1:9"}
	err = b.Run(context.Background(), make(chan Sighting))
	require.Error(t, err)
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))
}

func TestGuessKind(t *testing.T) {
	assert.Equal(t, device.KindMobile, guessKind("android", 8, 8192))
	assert.Equal(t, device.KindDesktop, guessKind("darwin", 16, 32768))
	assert.Equal(t, device.KindIoT, guessKind("linux", 1, 512))
	assert.Equal(t, device.KindServer, guessKind("linux", 32, 131072))
	assert.Equal(t, device.KindDesktop, guessKind("linux", 4, 8192))
	assert.Equal(t, device.KindUnknown, guessKind("linux", 0, 0))
}

func TestProfileDeviceID(t *testing.T) {
	p := Profile{Hostname: "Alice's MacBook.local", Kind: device.KindDesktop, Labels: map[string]string{"os": "darwin"}}
	assert.Equal(t, "alice-s-macbook-local", p.DeviceID())

	a := p.Announcement("", "10.0.0.2:80", []string{"gpu"}, 90)
	assert.Equal(t, "alice-s-macbook-local", a.DeviceID)
	assert.Equal(t, "desktop", a.Kind)
	a.Labels["os"] = "changed"
	assert.Equal(t, "darwin", p.Labels["os"])
}

func TestLocalProfile(t *testing.T) {
	p, err := LocalProfile()
	require.NoError(t, err)
	assert.NotEmpty(t, p.Hostname)
	assert.Equal(t, runtime.GOOS, p.Labels["os"])
}
