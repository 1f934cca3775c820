// Package main runs a reference device agent.
//
// The agent serves the device side of the coordinator's executor protocol
// and makes itself known to the mesh:
//
//	POST /execute   run a command (echo, sleep) and return its Result
//	GET  /health    liveness probe used by failover checks
//	GET  /info      identity and counters
//
// Discovery happens two ways, either or both:
//   - broadcast (and optionally multicast) announcements of the device,
//     answered by any coordinator listening on the same port
//   - direct registration and heartbeats when DEVMESH_COORDINATOR is set
//
// Configuration:
//   - DEVMESH_AGENT_ID: device id (default: derived from the hostname)
//   - DEVMESH_AGENT_LISTEN: listen address (default ":8081")
//   - DEVMESH_AGENT_ADVERTISE: address the coordinator dials (default "127.0.0.1:8081")
//   - DEVMESH_COORDINATOR: coordinator URL (optional)
//   - DEVMESH_CAPABILITIES: comma separated capability list
//   - DEVMESH_DISCOVERY: comma separated strategies, "broadcast" and/or "multicast" (default "broadcast")
//   - DEVMESH_BROADCAST_PORT: broadcast port (default 9991)
//   - DEVMESH_MULTICAST_GROUP: multicast group (default "239.255.90.90:9990")
//   - DEVMESH_HEARTBEAT_INTERVAL: heartbeat period (default 10s)
//
// Example:
//
//	DEVMESH_AGENT_ID=phone-1 \
//	DEVMESH_AGENT_ADVERTISE=10.0.0.5:8081 \
//	DEVMESH_COORDINATOR=http://10.0.0.2:8080 \
//	DEVMESH_CAPABILITIES=camera,screen_capture \
//	./agent
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dreamware/devmesh/internal/agent"
	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/discovery"
	"github.com/dreamware/devmesh/internal/fault"
)

// logFatal is swapped out by tests.
var logFatal = log.Fatalf

func main() {
	cfg, strategies := loadConfig()
	a, err := agent.New(cfg, nil)
	if err != nil {
		logFatal("agent: %v", err)
	}
	listen := getenv("DEVMESH_AGENT_LISTEN", ":8081")

	s := &http.Server{
		Addr:              listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("agent[%s] listening on %s (advertise %s)", cfg.ID, listen, cfg.Advertise)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, st := range buildStrategies(strategies, a.Announcement()) {
		go announce(ctx, st)
	}
	if cfg.Coordinator != "" {
		go func() {
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				logFatal("failed to register with coordinator: %v", err)
			}
		}()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("agent stopped")
}

// loadConfig reads the environment. The device profile from the host
// supplies the kind, labels and default id.
func loadConfig() (agent.Config, []string) {
	profile, err := discovery.LocalProfile()
	if err != nil {
		logFatal("profile: %v", err)
	}
	cfg := agent.Config{
		ID:          getenv("DEVMESH_AGENT_ID", profile.DeviceID()),
		Kind:        profile.Kind,
		Labels:      profile.Labels,
		Advertise:   getenv("DEVMESH_AGENT_ADVERTISE", "127.0.0.1:8081"),
		Coordinator: os.Getenv("DEVMESH_COORDINATOR"),
		Retry:       fault.RetryPolicy{MaxAttempts: 10, BaseDelay: 400 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	if v := os.Getenv("DEVMESH_AGENT_KIND"); v != "" {
		cfg.Kind = device.ParseKind(v)
	}
	cfg.Capabilities = splitList(os.Getenv("DEVMESH_CAPABILITIES"))
	if v := os.Getenv("DEVMESH_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logFatal("DEVMESH_HEARTBEAT_INTERVAL: %v", err)
		}
		cfg.HeartbeatInterval = d
	}
	return cfg, splitList(getenv("DEVMESH_DISCOVERY", "broadcast"))
}

// buildStrategies returns the announcers named in names. Unknown names are
// logged and skipped.
func buildStrategies(names []string, self *discovery.Announcement) []discovery.Strategy {
	var out []discovery.Strategy
	for _, name := range names {
		switch name {
		case "broadcast":
			port, err := strconv.Atoi(getenv("DEVMESH_BROADCAST_PORT", "9991"))
			if err != nil {
				logFatal("DEVMESH_BROADCAST_PORT: %v", err)
			}
			out = append(out, &discovery.BroadcastStrategy{Self: self, Port: port, Interval: 10 * time.Second})
		case "multicast":
			out = append(out, &discovery.MulticastStrategy{
				Self:     self,
				Group:    getenv("DEVMESH_MULTICAST_GROUP", "239.255.90.90:9990"),
				Interval: 30 * time.Second,
			})
		default:
			log.Printf("agent: unknown discovery strategy %q", name)
		}
	}
	return out
}

// announce keeps st running until ctx is done. Sightings of other devices
// are not interesting to an agent and are dropped.
func announce(ctx context.Context, st discovery.Strategy) {
	sightings := make(chan discovery.Sighting, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sightings:
			}
		}
	}()
	for {
		err := st.Run(ctx, sightings)
		if ctx.Err() != nil {
			return
		}
		log.Printf("agent: %s announcer stopped: %v", st.Name(), err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
