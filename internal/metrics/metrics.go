// Package metrics exposes engine state to Prometheus.
//
// Collector samples engine.Status on every scrape. Recorder turns the
// engine's events into counters; hand it to engine.Options.Events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/engine"
	"github.com/dreamware/devmesh/internal/events"
	"github.com/dreamware/devmesh/internal/fault"
	"github.com/dreamware/devmesh/internal/scheduler"
)

const namespace = "devmesh"

// Source is anything that can report engine status.
type Source interface {
	Status() engine.Status
}

var (
	devicesDesc = prometheus.NewDesc(namespace+"_devices", "Registered devices by status.", []string{"status"}, nil)
	tasksDesc   = prometheus.NewDesc(namespace+"_tasks", "Known tasks by status.", []string{"status"}, nil)
	openDesc    = prometheus.NewDesc(namespace+"_open_breakers", "Circuit breakers not CLOSED.", nil, nil)
	lagDesc     = prometheus.NewDesc(namespace+"_gossip_convergence_lag_seconds", "Delay between a remote write and this node applying it, last observed.", nil, nil)
	keysDesc    = prometheus.NewDesc(namespace+"_state_keys", "Keys held in the replicated store.", nil, nil)
	sentDesc    = prometheus.NewDesc(namespace+"_gossip_messages_sent_total", "Gossip messages sent.", nil, nil)
	recvDesc    = prometheus.NewDesc(namespace+"_gossip_messages_received_total", "Gossip messages received.", nil, nil)
	failDesc    = prometheus.NewDesc(namespace+"_gossip_send_failures_total", "Gossip sends that failed.", nil, nil)
	termDesc    = prometheus.NewDesc(namespace+"_leader_term", "Current leadership term number, 0 without election.", nil, nil)
	leaderDesc  = prometheus.NewDesc(namespace+"_dispatch_active", "1 when this node dispatches tasks.", nil, nil)
	dropDesc    = prometheus.NewDesc(namespace+"_event_drops_total", "Events dropped because a subscriber was full.", nil, nil)
)

var deviceStatuses = []device.Status{device.StatusOnline, device.StatusDegraded, device.StatusOffline, device.StatusUnknown}

var taskStatuses = []scheduler.Status{
	scheduler.StatusPending, scheduler.StatusScheduled, scheduler.StatusRunning,
	scheduler.StatusDone, scheduler.StatusFailed, scheduler.StatusCancelled, scheduler.StatusPartial,
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	src Source
}

// NewCollector returns a collector sampling src.
func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{devicesDesc, tasksDesc, openDesc, lagDesc, keysDesc, sentDesc, recvDesc, failDesc, termDesc, leaderDesc, dropDesc} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Status()
	for _, s := range deviceStatuses {
		ch <- prometheus.MustNewConstMetric(devicesDesc, prometheus.GaugeValue, float64(st.Devices[s]), string(s))
	}
	for _, s := range taskStatuses {
		ch <- prometheus.MustNewConstMetric(tasksDesc, prometheus.GaugeValue, float64(st.Tasks[s]), string(s))
	}
	ch <- prometheus.MustNewConstMetric(openDesc, prometheus.GaugeValue, float64(len(st.OpenBreakers)))
	ch <- prometheus.MustNewConstMetric(lagDesc, prometheus.GaugeValue, st.ConvergenceLag.Seconds())
	ch <- prometheus.MustNewConstMetric(keysDesc, prometheus.GaugeValue, float64(st.Gossip.Keys))
	ch <- prometheus.MustNewConstMetric(sentDesc, prometheus.CounterValue, float64(st.Gossip.MessagesSent))
	ch <- prometheus.MustNewConstMetric(recvDesc, prometheus.CounterValue, float64(st.Gossip.MessagesReceived))
	ch <- prometheus.MustNewConstMetric(failDesc, prometheus.CounterValue, float64(st.Gossip.SendFailures))

	var term float64
	if st.Leader != nil {
		term = float64(st.Leader.Term)
	}
	ch <- prometheus.MustNewConstMetric(termDesc, prometheus.GaugeValue, term)
	active := 0.0
	if st.Active {
		active = 1
	}
	ch <- prometheus.MustNewConstMetric(leaderDesc, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(dropDesc, prometheus.CounterValue, float64(st.EventsDropped))
}

// Recorder counts events: task transitions by target status, device
// lifecycle events, conflicts, failovers and breaker transitions.
type Recorder struct {
	transitions *prometheus.CounterVec
	devices     *prometheus.CounterVec
	failovers   *prometheus.CounterVec
	breakers    *prometheus.CounterVec
	leadership  *prometheus.CounterVec
	conflicts   prometheus.Counter
}

// NewRecorder creates the counters and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_transitions_total", Help: "Task status transitions by new status.",
		}, []string{"status"}),
		devices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "device_events_total", Help: "Device lifecycle events by kind.",
		}, []string{"kind"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "failovers_total", Help: "Primary promotions by failover group.",
		}, []string{"group"}),
		breakers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "breaker_transitions_total", Help: "Circuit breaker transitions by new state.",
		}, []string{"state"}),
		leadership: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "leadership_changes_total", Help: "Leases acquired and lost.",
		}, []string{"change"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "conflicts_total", Help: "Concurrent writes resolved by the synchronizer.",
		}),
	}
	for _, c := range []prometheus.Collector{r.transitions, r.devices, r.failovers, r.breakers, r.leadership, r.conflicts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe counts one event.
func (r *Recorder) Observe(ev events.Event) {
	switch ev.Kind {
	case events.TaskState:
		if tr, ok := ev.Payload.(scheduler.Transition); ok {
			r.transitions.WithLabelValues(string(tr.To)).Inc()
		}
	case events.DeviceJoined, events.DeviceUpdated, events.DeviceDegraded,
		events.DeviceOffline, events.DevicePurged, events.DeviceRecovered:
		r.devices.WithLabelValues(string(ev.Kind)).Inc()
	case events.ConflictDetected:
		r.conflicts.Inc()
	case events.FailoverTriggered:
		r.failovers.WithLabelValues(ev.Subject).Inc()
	case events.BreakerState:
		if m, ok := ev.Payload.(map[string]fault.BreakerState); ok {
			r.breakers.WithLabelValues(string(m["to"])).Inc()
		}
	case events.LeaderAcquired:
		r.leadership.WithLabelValues("acquired").Inc()
	case events.LeaderLeaseExpired:
		r.leadership.WithLabelValues("lost").Inc()
	}
}

// Publish implements events.Publisher.
func (r *Recorder) Publish(ev events.Event) { r.Observe(ev) }
