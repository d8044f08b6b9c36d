package lightstreamer

import (
	"github.com/clambin/lightstream/lightstreamer/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments a session. A nil *Metrics disables instrumentation.
type Metrics struct {
	frames          *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	controlRequests *prometheus.CounterVec
	controlRetries  prometheus.Counter
	reconnects      *prometheus.CounterVec
	updates         prometheus.Counter
	droppedEvents   prometheus.Counter
	sessionState    prometheus.Gauge
}

// NewMetrics creates session metrics and registers them with r.
func NewMetrics(r prometheus.Registerer) *Metrics {
	m := Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightstreamer", Name: "frames_total",
			Help: "stream frames received, by tag",
		}, []string{"tag"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lightstreamer", Name: "decode_errors_total",
			Help: "stream frames dropped because they could not be decoded",
		}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightstreamer", Name: "control_requests_total",
			Help: "control requests, by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		controlRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lightstreamer", Name: "control_retries_total",
			Help: "control request delivery retries",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightstreamer", Name: "reconnects_total",
			Help: "stream reconnections, by kind (rebind or recovery)",
		}, []string{"kind"}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lightstreamer", Name: "updates_total",
			Help: "item updates delivered to listeners",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lightstreamer", Name: "dropped_events_total",
			Help: "listener events dropped because no subscription matched",
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lightstreamer", Name: "session_state",
			Help: "current session state (0=connecting 1=connected 2=stalled 3=recovering 4=closed 5=failed)",
		}),
	}
	r.MustRegister(m.frames, m.decodeErrors, m.controlRequests, m.controlRetries, m.reconnects, m.updates, m.droppedEvents, m.sessionState)
	return &m
}

func (m *Metrics) frame(tag protocol.Tag) {
	if m != nil {
		m.frames.WithLabelValues(string(tag)).Inc()
	}
}

func (m *Metrics) decodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) controlRequest(endpoint, outcome string) {
	if m != nil {
		m.controlRequests.WithLabelValues(endpoint, outcome).Inc()
	}
}

func (m *Metrics) controlRetry() {
	if m != nil {
		m.controlRetries.Inc()
	}
}

func (m *Metrics) reconnect(kind string) {
	if m != nil {
		m.reconnects.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) update() {
	if m != nil {
		m.updates.Inc()
	}
}

func (m *Metrics) droppedEvent() {
	if m != nil {
		m.droppedEvents.Inc()
	}
}

func (m *Metrics) state(s State) {
	if m != nil {
		m.sessionState.Set(float64(s))
	}
}
