package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marinex-ng/internal/aisstream"
)

const namespace = "marinex"

// Metrics exposes stream and sink activity to Prometheus. It satisfies
// sink.Observer.
type Metrics struct {
	reg *prometheus.Registry

	positions     prometheus.Counter
	streamErrors  *prometheus.CounterVec
	statusChanges *prometheus.CounterVec
	connected     prometheus.Gauge

	sinkPublished *prometheus.CounterVec
	sinkFailed    *prometheus.CounterVec
	sinkDropped   prometheus.Counter
}

// New registers the collectors on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		reg: reg,
		positions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "positions_total",
			Help:      "Validated vessel positions published.",
		}),
		streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "errors_total",
			Help:      "Stream errors by category.",
		}, []string{"category"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "status_changes_total",
			Help:      "Connection status events.",
		}, []string{"connected"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 while a subscribed session is streaming.",
		}),
		sinkPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "published_total",
			Help:      "Positions delivered per sink.",
		}, []string{"sink"}),
		sinkFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "failed_total",
			Help:      "Failed sink publishes per sink.",
		}, []string{"sink"}),
		sinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "dropped_total",
			Help:      "Positions dropped because the sink queue was full.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.positions, m.streamErrors, m.statusChanges, m.connected,
		m.sinkPublished, m.sinkFailed, m.sinkDropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Attach counts events from a client's publisher.
func (m *Metrics) Attach(pub *aisstream.Publisher) []aisstream.ListenerID {
	if m == nil || pub == nil {
		return nil
	}
	return []aisstream.ListenerID{
		pub.OnPositionReceived(func(aisstream.VesselPosition) { m.positions.Inc() }),
		pub.OnError(func(se aisstream.StreamError) {
			m.streamErrors.WithLabelValues(string(se.Category)).Inc()
		}),
		pub.OnConnectionStatusChanged(func(ev aisstream.ConnectionStatusEvent) {
			m.statusChanges.WithLabelValues(strconv.FormatBool(ev.Connected)).Inc()
			if ev.Connected {
				m.connected.Set(1)
			} else {
				m.connected.Set(0)
			}
		}),
	}
}

// ObserveStream exports the client's frame and message counters, which
// include the unrecognized messages that never become events.
func (m *Metrics) ObserveStream(snapshot func() aisstream.Snapshot) error {
	if m == nil || snapshot == nil {
		return nil
	}
	funcs := []struct {
		name string
		help string
		get  func(aisstream.Snapshot) uint64
	}{
		{"frames_total", "WebSocket frames received.", func(s aisstream.Snapshot) uint64 { return s.Frames }},
		{"messages_total", "Complete messages assembled.", func(s aisstream.Snapshot) uint64 { return s.Messages }},
		{"unrecognized_total", "Messages of a type that is not consumed.", func(s aisstream.Snapshot) uint64 { return s.Unrecognized }},
		{"sessions_total", "Sessions started.", func(s aisstream.Snapshot) uint64 { return s.Sessions }},
	}
	for _, f := range funcs {
		get := f.get
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      f.name,
			Help:      f.help,
		}, func() float64 { return float64(get(snapshot())) })
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) SinkPublished(name string) {
	if m != nil {
		m.sinkPublished.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) SinkFailed(name string) {
	if m != nil {
		m.sinkFailed.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) SinkDropped() {
	if m != nil {
		m.sinkDropped.Inc()
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
