package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"time"
)

// Strategy is one independent way of finding devices. Run blocks until ctx
// is done (returning nil) or the strategy cannot continue (returning an
// error, after which the Service restarts it).
type Strategy interface {
	Name() string
	Run(ctx context.Context, out chan<- Sighting) error
}

func emit(ctx context.Context, out chan<- Sighting, sg Sighting) {
	select {
	case out <- sg:
	case <-ctx.Done():
	}
}

// readLoop reads datagrams from conn until it is closed. It returns nil when
// the close was caused by ctx.
func readLoop(ctx context.Context, conn net.PacketConn, handle func(b []byte, from net.Addr)) error {
	buf := make([]byte, maxPacket)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		handle(append([]byte(nil), buf[:n]...), from)
	}
}

// sightingHandler turns announcement datagrams into sightings. Search
// requests are passed to onSearch when it is non-nil.
func sightingHandler(ctx context.Context, source string, out chan<- Sighting, onSearch func(SearchRequest, net.Addr)) func([]byte, net.Addr) {
	return func(b []byte, from net.Addr) {
		ann, sr, err := decode(b)
		if err != nil {
			log.Printf("discovery: %s dropped packet from %v: %v", source, from, err)
			return
		}
		if sr != nil {
			if onSearch != nil {
				onSearch(*sr, from)
			}
			return
		}
		emit(ctx, out, Sighting{Announcement: *ann, Source: source, From: from.String(), SeenAt: time.Now()})
	}
}

func listen(addr string, iface *net.Interface) (net.PacketConn, error) {
	udp, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	if udp.IP != nil && udp.IP.IsMulticast() {
		return net.ListenMulticastUDP("udp4", iface, udp)
	}
	return net.ListenUDP("udp4", udp)
}

// MulticastStrategy joins a multicast group, listens for announcements and
// re-announces Self every Interval. On shutdown it sends a goodbye.
type MulticastStrategy struct {
	Self      *Announcement // nil means listen only
	Interface *net.Interface
	Group     string
	Interval  time.Duration
}

// Name implements Strategy.
func (m *MulticastStrategy) Name() string { return "multicast" }

// Run implements Strategy.
func (m *MulticastStrategy) Run(ctx context.Context, out chan<- Sighting) error {
	group, err := net.ResolveUDPAddr("udp4", m.Group)
	if err != nil {
		return fmt.Errorf("resolve multicast group: %w", err)
	}
	conn, err := listen(m.Group, m.Interface)
	if err != nil {
		return fmt.Errorf("join multicast group %s: %w", m.Group, err)
	}
	return announceLoop(ctx, conn, group, m.Self, m.Interval, sightingHandler(ctx, m.Name(), out, nil), m.Name())
}

// BroadcastStrategy sends and receives announcements as UDP broadcasts for
// networks that filter multicast.
type BroadcastStrategy struct {
	Self     *Announcement
	Listen   string // default ":<Port>"
	Target   string // default "255.255.255.255:<Port>"
	Port     int
	Interval time.Duration
}

// Name implements Strategy.
func (b *BroadcastStrategy) Name() string { return "broadcast" }

// Run implements Strategy.
func (b *BroadcastStrategy) Run(ctx context.Context, out chan<- Sighting) error {
	listenAddr, target := b.Listen, b.Target
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%d", b.Port)
	}
	if target == "" {
		target = fmt.Sprintf("255.255.255.255:%d", b.Port)
	}
	dst, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return fmt.Errorf("resolve broadcast target: %w", err)
	}
	conn, err := listen(listenAddr, nil)
	if err != nil {
		return fmt.Errorf("listen for broadcasts on %s: %w", listenAddr, err)
	}
	return announceLoop(ctx, conn, dst, b.Self, b.Interval, sightingHandler(ctx, b.Name(), out, nil), b.Name())
}

// announceLoop reads from conn while sending self to dst every interval.
// conn is closed on return.
func announceLoop(ctx context.Context, conn net.PacketConn, dst net.Addr, self *Announcement, interval time.Duration, handle func([]byte, net.Addr), name string) error {
	errc := make(chan error, 1)
	go func() { errc <- readLoop(ctx, conn, handle) }()

	send := func(a Announcement) {
		payload, err := a.Encode()
		if err != nil {
			log.Printf("discovery: %s encode: %v", name, err)
			return
		}
		if _, err := conn.WriteTo(payload, dst); err != nil {
			log.Printf("discovery: %s announce to %v failed: %v", name, dst, err)
		}
	}
	if self != nil {
		send(*self)
	}

	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if self != nil {
				bye := *self
				bye.TTL = 0
				send(bye)
			}
			conn.Close()
			<-errc
			return nil
		case err := <-errc:
			conn.Close()
			return err
		case <-ticker.C:
			if self != nil {
				send(*self)
			}
		}
	}
}

// SearchStrategy issues a search request to a well-known address every
// Cycle and collects the replies for Window. When Listen is set it also
// answers other nodes' searches with Self.
type SearchStrategy struct {
	Self    *Announcement
	Address string // where searches are sent
	Listen  string // where searches are answered; empty disables answering
	Cycle   time.Duration
	Window  time.Duration
}

// Name implements Strategy.
func (s *SearchStrategy) Name() string { return "search" }

// Run implements Strategy.
func (s *SearchStrategy) Run(ctx context.Context, out chan<- Sighting) error {
	errc := make(chan error, 1)
	if s.Listen != "" {
		conn, err := listen(s.Listen, nil)
		if err != nil {
			return fmt.Errorf("listen for searches on %s: %w", s.Listen, err)
		}
		defer conn.Close()
		go func() {
			errc <- readLoop(ctx, conn, sightingHandler(ctx, s.Name(), out, func(sr SearchRequest, from net.Addr) {
				s.answer(conn, sr, from)
			}))
		}()
	}

	if s.Cycle <= 0 {
		s.Cycle = 60 * time.Second
	}
	if s.Window <= 0 || s.Window > s.Cycle {
		s.Window = s.Cycle / 12
	}
	s.searchOnce(ctx, out)
	ticker := time.NewTicker(s.Cycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return err
			}
		case <-ticker.C:
			s.searchOnce(ctx, out)
		}
	}
}

func (s *SearchStrategy) answer(conn net.PacketConn, sr SearchRequest, from net.Addr) {
	if s.Self == nil || sr.Search != ServiceName || sr.Requester == s.Self.DeviceID {
		return
	}
	payload, err := s.Self.Encode()
	if err != nil {
		return
	}
	if _, err := conn.WriteTo(payload, from); err != nil {
		log.Printf("discovery: search reply to %v failed: %v", from, err)
	}
}

// searchOnce sends one search request and gathers replies until the window
// closes. Failures are logged; the next cycle tries again.
func (s *SearchStrategy) searchOnce(ctx context.Context, out chan<- Sighting) {
	dst, err := net.ResolveUDPAddr("udp4", s.Address)
	if err != nil {
		log.Printf("discovery: search address %q: %v", s.Address, err)
		return
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		log.Printf("discovery: search socket: %v", err)
		return
	}
	defer conn.Close()

	req := SearchRequest{Search: ServiceName}
	if s.Self != nil {
		req.Requester = s.Self.DeviceID
	}
	payload, _ := json.Marshal(req)
	if _, err := conn.WriteTo(payload, dst); err != nil {
		log.Printf("discovery: search to %s failed: %v", s.Address, err)
		return
	}

	deadline := time.Now().Add(s.Window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, maxPacket)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return // window closed
		}
		ann, _, err := decode(buf[:n])
		if err != nil || ann == nil {
			continue
		}
		emit(ctx, out, Sighting{Announcement: *ann, Source: s.Name(), From: from.String(), SeenAt: time.Now()})
	}
}
