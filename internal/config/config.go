// Package config loads coordinator settings from an optional YAML file and
// the DEVMESH_* environment.
//
// Precedence is defaults, then the file, then the environment:
//
//	cfg, err := config.Load(os.Getenv("DEVMESH_CONFIG"))
//
// Durations in the file are Go duration strings ("5s", "2m").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/fault"
	"github.com/dreamware/devmesh/internal/observability"
	"github.com/dreamware/devmesh/internal/scheduler"
	"github.com/dreamware/devmesh/internal/statesync"
)

// Config is the full coordinator configuration.
type Config struct {
	NodeID       string   `yaml:"node_id"`
	Listen       string   `yaml:"listen"`
	Advertise    string   `yaml:"advertise"`
	Capabilities []string `yaml:"capabilities"`

	Discovery Discovery                   `yaml:"discovery"`
	Gossip    Gossip                      `yaml:"gossip"`
	Devices   Devices                     `yaml:"devices"`
	Breaker   Breaker                     `yaml:"breaker"`
	Retry     Retry                       `yaml:"retry"`
	Failover  Failover                    `yaml:"failover"`
	Leader    Leader                      `yaml:"leader"`
	Scheduler Scheduler                   `yaml:"scheduler"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
}

// Discovery configures the three discovery strategies.
type Discovery struct {
	Enabled           []string      `yaml:"enabled"` // multicast, search, broadcast
	MulticastGroup    string        `yaml:"multicast_group"`
	AnnounceInterval  time.Duration `yaml:"announce_interval"`
	SearchAddress     string        `yaml:"search_address"`
	SearchListen      string        `yaml:"search_listen"`
	SearchCycle       time.Duration `yaml:"search_cycle"`
	SearchWindow      time.Duration `yaml:"search_window"`
	BroadcastPort     int           `yaml:"broadcast_port"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	// RefreshWindow de-duplicates sightings of one device across strategies.
	RefreshWindow time.Duration `yaml:"refresh_window"`
}

// Gossip configures state synchronization.
type Gossip struct {
	Interval            time.Duration `yaml:"interval"`
	AntiEntropyInterval time.Duration `yaml:"anti_entropy_interval"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
	Fanout              int           `yaml:"fanout"`
	MaxHops             int           `yaml:"max_hops"`
	BatchSize           int           `yaml:"batch_size"`
	Shards              int           `yaml:"shards"`
	ConflictLogSize     int           `yaml:"conflict_log_size"`
}

// Devices configures registry expiry.
type Devices struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	OfflineAfter     time.Duration `yaml:"offline_after"`
	PurgeAfter       time.Duration `yaml:"purge_after"`
	ExpiryInterval   time.Duration `yaml:"expiry_interval"`
}

// Breaker configures per-device circuit breakers.
type Breaker struct {
	Threshold   int           `yaml:"threshold"`
	Window      time.Duration `yaml:"window"`
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxCooldown time.Duration `yaml:"max_cooldown"`
}

// Retry configures task attempt retries.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// Group is one failover group. Selectors address it as "@<name>".
type Group struct {
	Name    string         `yaml:"name"`
	Members []fault.Member `yaml:"members"`
}

// Failover configures primary/secondary groups.
type Failover struct {
	Interval  time.Duration `yaml:"interval"`
	MaxMisses int           `yaml:"max_misses"`
	Groups    []Group       `yaml:"groups"`
}

// Leader configures coordinator leader election.
type Leader struct {
	Enabled  bool          `yaml:"enabled"`
	Domain   string        `yaml:"domain"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// Scheduler configures task placement.
type Scheduler struct {
	PerDeviceConcurrency int           `yaml:"per_device_concurrency"`
	AttemptTimeout       time.Duration `yaml:"attempt_timeout"`
	PlacementTimeout     time.Duration `yaml:"placement_timeout"`
	Retention            time.Duration `yaml:"retention"`
	TickInterval         time.Duration `yaml:"tick_interval"`
	DeferPlacement       bool          `yaml:"defer_placement"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		NodeID: "coordinator",
		Listen: ":8080",
		Discovery: Discovery{
			Enabled:           []string{"multicast", "search", "broadcast"},
			MulticastGroup:    "239.255.90.90:9990",
			AnnounceInterval:  30 * time.Second,
			SearchAddress:     "239.255.90.91:9992",
			SearchCycle:       60 * time.Second,
			SearchWindow:      5 * time.Second,
			BroadcastPort:     9991,
			BroadcastInterval: 10 * time.Second,
			RefreshWindow:     5 * time.Second,
		},
		Gossip: Gossip{
			Interval:            5 * time.Second,
			AntiEntropyInterval: 30 * time.Second,
			SendTimeout:         3 * time.Second,
			Fanout:              3,
			MaxHops:             10,
			BatchSize:           256,
			Shards:              statesync.DefaultShards,
			ConflictLogSize:     256,
		},
		Devices: Devices{
			HeartbeatTimeout: 45 * time.Second,
			OfflineAfter:     2 * time.Minute,
			PurgeAfter:       10 * time.Minute,
			ExpiryInterval:   5 * time.Second,
		},
		Breaker: Breaker{
			Threshold:   5,
			Window:      time.Minute,
			Cooldown:    10 * time.Second,
			MaxCooldown: 5 * time.Minute,
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Failover: Failover{
			Interval:  5 * time.Second,
			MaxMisses: 3,
		},
		Leader: Leader{
			Domain:   "devmesh/coordinator",
			LeaseTTL: 15 * time.Second,
		},
		Scheduler: Scheduler{
			PerDeviceConcurrency: 4,
			AttemptTimeout:       30 * time.Second,
			PlacementTimeout:     2 * time.Minute,
			Retention:            10 * time.Minute,
			TickInterval:         time.Second,
		},
		Tracing: observability.TracingConfig{Exporter: "none"},
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse overlays the YAML document b onto cfg. Keys missing from b keep
// their current values.
func Parse(b []byte, cfg *Config) error {
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from DEVMESH_* variables looked up through
// lookup (os.Getenv in production).
func (c *Config) ApplyEnv(lookup func(string) string) error {
	getenv := func(k, def string) string {
		if v := lookup(k); v != "" {
			return v
		}
		return def
	}

	c.NodeID = getenv("DEVMESH_NODE_ID", c.NodeID)
	c.Listen = getenv("DEVMESH_LISTEN", c.Listen)
	c.Advertise = getenv("DEVMESH_ADVERTISE", c.Advertise)
	c.Tracing.Exporter = getenv("DEVMESH_OTEL_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = getenv("DEVMESH_OTEL_ENDPOINT", c.Tracing.Endpoint)
	if v := lookup("DEVMESH_CAPABILITIES"); v != "" {
		c.Capabilities = splitList(v)
	}
	if v := lookup("DEVMESH_DISCOVERY"); v != "" {
		c.Discovery.Enabled = splitList(v)
	}

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DEVMESH_GOSSIP_INTERVAL", &c.Gossip.Interval},
		{"DEVMESH_ANTI_ENTROPY_INTERVAL", &c.Gossip.AntiEntropyInterval},
		{"DEVMESH_HEARTBEAT_TIMEOUT", &c.Devices.HeartbeatTimeout},
		{"DEVMESH_OFFLINE_AFTER", &c.Devices.OfflineAfter},
		{"DEVMESH_PURGE_AFTER", &c.Devices.PurgeAfter},
		{"DEVMESH_LEASE_TTL", &c.Leader.LeaseTTL},
		{"DEVMESH_PLACEMENT_TIMEOUT", &c.Scheduler.PlacementTimeout},
	}
	for _, d := range durations {
		v := lookup(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
			continue
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DEVMESH_FANOUT", &c.Gossip.Fanout},
		{"DEVMESH_MAX_HOPS", &c.Gossip.MaxHops},
		{"DEVMESH_CONCURRENCY", &c.Scheduler.PerDeviceConcurrency},
		{"DEVMESH_BROADCAST_PORT", &c.Discovery.BroadcastPort},
	}
	for _, n := range ints {
		v := lookup(n.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.key, err))
			continue
		}
		*n.dst = parsed
	}

	if v := lookup("DEVMESH_LEADER"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEVMESH_LEADER: %w", err))
		} else {
			c.Leader.Enabled = on
		}
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	positive("gossip.interval", c.Gossip.Interval)
	positive("gossip.anti_entropy_interval", c.Gossip.AntiEntropyInterval)
	positive("devices.heartbeat_timeout", c.Devices.HeartbeatTimeout)
	positive("devices.expiry_interval", c.Devices.ExpiryInterval)
	positive("failover.interval", c.Failover.Interval)
	positive("leader.lease_ttl", c.Leader.LeaseTTL)
	positive("scheduler.tick_interval", c.Scheduler.TickInterval)
	if c.Gossip.Fanout <= 0 {
		errs = append(errs, fmt.Errorf("gossip.fanout must be positive, got %d", c.Gossip.Fanout))
	}
	if c.Gossip.MaxHops < 0 {
		errs = append(errs, fmt.Errorf("gossip.max_hops must not be negative, got %d", c.Gossip.MaxHops))
	}
	if c.Devices.OfflineAfter <= c.Devices.HeartbeatTimeout {
		errs = append(errs, fmt.Errorf("devices.offline_after (%v) must exceed heartbeat_timeout (%v)", c.Devices.OfflineAfter, c.Devices.HeartbeatTimeout))
	}
	if c.Devices.PurgeAfter <= c.Devices.OfflineAfter {
		errs = append(errs, fmt.Errorf("devices.purge_after (%v) must exceed offline_after (%v)", c.Devices.PurgeAfter, c.Devices.OfflineAfter))
	}
	for _, name := range c.Discovery.Enabled {
		switch name {
		case "multicast", "search", "broadcast":
		default:
			errs = append(errs, fmt.Errorf("discovery.enabled: unknown strategy %q", name))
		}
	}
	seen := make(map[string]bool, len(c.Failover.Groups))
	for _, g := range c.Failover.Groups {
		if g.Name == "" || len(g.Members) == 0 {
			errs = append(errs, fmt.Errorf("failover group %q needs a name and members", g.Name))
		}
		if seen[g.Name] {
			errs = append(errs, fmt.Errorf("failover group %q defined twice", g.Name))
		}
		seen[g.Name] = true
	}
	return errors.Join(errs...)
}

// SchedulerConfig converts to the scheduler's settings.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Retry:                c.RetryPolicy(),
		PerDeviceConcurrency: c.Scheduler.PerDeviceConcurrency,
		AttemptTimeout:       c.Scheduler.AttemptTimeout,
		PlacementTimeout:     c.Scheduler.PlacementTimeout,
		Retention:            c.Scheduler.Retention,
		TickInterval:         c.Scheduler.TickInterval,
		DeferPlacement:       c.Scheduler.DeferPlacement,
	}
}

// SyncConfig converts to the synchronizer's settings.
func (c Config) SyncConfig() statesync.Config {
	return statesync.Config{
		NodeID:              c.NodeID,
		GossipInterval:      c.Gossip.Interval,
		AntiEntropyInterval: c.Gossip.AntiEntropyInterval,
		SendTimeout:         c.Gossip.SendTimeout,
		Fanout:              c.Gossip.Fanout,
		MaxHops:             c.Gossip.MaxHops,
		BatchSize:           c.Gossip.BatchSize,
		Shards:              c.Gossip.Shards,
		ConflictLogSize:     c.Gossip.ConflictLogSize,
	}
}

func (c Config) BreakerConfig() fault.BreakerConfig {
	return fault.BreakerConfig{
		Threshold:   c.Breaker.Threshold,
		Window:      c.Breaker.Window,
		Cooldown:    c.Breaker.Cooldown,
		MaxCooldown: c.Breaker.MaxCooldown,
	}
}

func (c Config) RetryPolicy() fault.RetryPolicy {
	return fault.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
	}
}

func (c Config) Thresholds() device.Thresholds {
	return device.Thresholds{
		HeartbeatTimeout: c.Devices.HeartbeatTimeout,
		OfflineAfter:     c.Devices.OfflineAfter,
		PurgeAfter:       c.Devices.PurgeAfter,
	}
}

// DiscoveryEnabled reports whether the named strategy is switched on.
func (c Config) DiscoveryEnabled(name string) bool {
	for _, n := range c.Discovery.Enabled {
		if n == name {
			return true
		}
	}
	return false
}
