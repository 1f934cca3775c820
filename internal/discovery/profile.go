package discovery

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dreamware/devmesh/internal/device"
)

// Profile is what a node knows about the machine it runs on.
type Profile struct {
	Labels   map[string]string
	Hostname string
	Kind     device.Kind
	CPUs     int
	MemoryMB uint64
}

// LocalProfile inspects the host. Probes that fail leave their field empty;
// only a missing hostname is an error.
func LocalProfile() (Profile, error) {
	p := Profile{Labels: map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}}

	if info, err := host.Info(); err == nil {
		p.Hostname = info.Hostname
		if info.Platform != "" {
			p.Labels["platform"] = info.Platform
		}
		if info.VirtualizationRole == "guest" && info.VirtualizationSystem != "" {
			p.Labels["virtualization"] = info.VirtualizationSystem
		}
	}
	if p.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return Profile{}, fmt.Errorf("hostname: %w", err)
		}
		p.Hostname = h
	}

	if n, err := cpu.Counts(true); err == nil {
		p.CPUs = n
		p.Labels["cpus"] = fmt.Sprint(n)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		p.MemoryMB = vm.Total >> 20
		p.Labels["memory_mb"] = fmt.Sprint(p.MemoryMB)
	}
	p.Kind = guessKind(runtime.GOOS, p.CPUs, p.MemoryMB)
	return p, nil
}

// guessKind picks a hardware class from coarse host facts.
func guessKind(goos string, cpus int, memMB uint64) device.Kind {
	switch goos {
	case "android", "ios":
		return device.KindMobile
	case "darwin", "windows":
		return device.KindDesktop
	}
	switch {
	case cpus == 0 && memMB == 0:
		return device.KindUnknown
	case cpus <= 2 && memMB < 2048:
		return device.KindIoT
	case cpus >= 8:
		return device.KindServer
	default:
		return device.KindDesktop
	}
}

// DeviceID derives a stable id from the hostname.
func (p Profile) DeviceID() string {
	id := strings.ToLower(strings.TrimSpace(p.Hostname))
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, id)
	return strings.Trim(id, "-")
}

// Announcement builds the announcement a node advertises for itself.
func (p Profile) Announcement(id, address string, capabilities []string, ttl int) *Announcement {
	if id == "" {
		id = p.DeviceID()
	}
	labels := make(map[string]string, len(p.Labels))
	for k, v := range p.Labels {
		labels[k] = v
	}
	return &Announcement{
		DeviceID:     id,
		Kind:         string(p.Kind),
		Address:      address,
		Capabilities: capabilities,
		Labels:       labels,
		TTL:          ttl,
	}
}
