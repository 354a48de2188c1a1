// Package metrics exports node state as Prometheus metrics.
//
// The orchestrator hands a [Sample] to [Metrics.Observe] once per
// tick. Counters in the sample are running totals; Observe adds the
// difference since the previous sample.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/envnode/internal/mqtt"
	"github.com/nugget/envnode/internal/sensors"
	"github.com/nugget/envnode/internal/telemetry"
	"github.com/nugget/envnode/internal/timesync"
	"github.com/nugget/envnode/internal/wireless"
)

const namespace = "envnode"

// Sample is the node state at the end of one tick.
type Sample struct {
	Tick uint64

	Link         wireless.Status
	RSSI         int
	Associations int

	Phase timesync.Phase

	TransportUp       bool
	SessionUp         bool
	SessionState      mqtt.SessionState
	TransportAttempts int
	SessionAttempts   int

	// Publish is the outcome of this tick's publish window, if the tick
	// opened one.
	Publish *telemetry.Result

	Slots []sensors.Slot

	// Battery is the charge in percent, negative when unknown.
	Battery int
}

// Metrics holds the collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	ticks             prometheus.Counter
	associations      prometheus.Counter
	transportAttempts prometheus.Counter
	sessionAttempts   prometheus.Counter
	publishes         *prometheus.CounterVec

	linkStatus   prometheus.Gauge
	rssi         prometheus.Gauge
	timePhase    prometheus.Gauge
	transportUp  prometheus.Gauge
	sessionUp    prometheus.Gauge
	sessionState prometheus.Gauge
	battery      prometheus.Gauge
	sensorState  *prometheus.GaugeVec
	reading      *prometheus.GaugeVec

	last Sample
}

// New creates the collectors and registers them, along with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Orchestrator loop iterations.",
		}),
		associations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "wifi_association_attempts_total",
			Help: "Wireless association requests issued.",
		}),
		transportAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mqtt_transport_attempts_total",
			Help: "Broker transport connect attempts.",
		}),
		sessionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mqtt_session_attempts_total",
			Help: "Broker session connect attempts.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "telemetry_windows_total",
			Help: "Telemetry publish windows by outcome and skip reason.",
		}, []string{"outcome", "reason"}),
		linkStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "wifi_status",
			Help: "Wireless status: 0 disconnected, 1 connecting, 2 connected.",
		}),
		rssi: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "wifi_rssi_dbm",
			Help: "Signal strength of the current association.",
		}),
		timePhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "timesync_phase",
			Help: "Time sync phase: 0 not started, 1 in progress, 2 completed.",
		}),
		transportUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mqtt_transport_up",
			Help: "Whether the broker transport is connected.",
		}),
		sessionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mqtt_session_up",
			Help: "Whether the broker session is connected.",
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mqtt_session_state",
			Help: "Most recent session state code.",
		}),
		battery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "battery_percent",
			Help: "Remaining battery charge, -1 when unknown.",
		}),
		sensorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sensor_state",
			Help: "1 for the current state of each sensor slot.",
		}, []string{"sensor", "state"}),
		reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sensor_reading",
			Help: "Latest reading of each sensor quantity.",
		}, []string{"sensor", "quantity", "unit"}),
	}

	m.reg.MustRegister(
		m.ticks, m.associations, m.transportAttempts, m.sessionAttempts, m.publishes,
		m.linkStatus, m.rssi, m.timePhase, m.transportUp, m.sessionUp, m.sessionState,
		m.battery, m.sensorState, m.reading,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe records s.
func (m *Metrics) Observe(s Sample) {
	if s.Tick > m.last.Tick {
		m.ticks.Add(float64(s.Tick - m.last.Tick))
	}
	addDelta(m.associations, s.Associations, m.last.Associations)
	addDelta(m.transportAttempts, s.TransportAttempts, m.last.TransportAttempts)
	addDelta(m.sessionAttempts, s.SessionAttempts, m.last.SessionAttempts)

	if r := s.Publish; r != nil {
		m.publishes.WithLabelValues(r.Outcome.String(), r.Reason).Inc()
	}

	m.linkStatus.Set(float64(s.Link))
	m.rssi.Set(float64(s.RSSI))
	m.timePhase.Set(float64(s.Phase))
	m.transportUp.Set(boolFloat(s.TransportUp))
	m.sessionUp.Set(boolFloat(s.SessionUp))
	m.sessionState.Set(float64(s.SessionState))
	if s.Battery < 0 {
		m.battery.Set(-1)
	} else {
		m.battery.Set(float64(s.Battery))
	}

	for _, slot := range s.Slots {
		kind := string(slot.Kind)
		for _, st := range []sensors.State{sensors.Uninitialized, sensors.Ready, sensors.Faulted} {
			m.sensorState.WithLabelValues(kind, st.String()).Set(boolFloat(slot.State == st))
		}
		if slot.State != sensors.Ready || !slot.HasReading {
			m.reading.DeletePartialMatch(prometheus.Labels{"sensor": kind})
			continue
		}
		for _, q := range slot.Last.Quantities {
			m.reading.WithLabelValues(kind, q.Name, q.Unit).Set(q.Value)
		}
	}

	m.last = s
}

func addDelta(c prometheus.Counter, now, prev int) {
	if now > prev {
		c.Add(float64(now - prev))
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
