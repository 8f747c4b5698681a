package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/jingle_phone/pkg/jingle"
)

const metricsNamespace = "jingle"

// Metrics метрики ядра звонка. Методы безопасны для nil.
type Metrics struct {
	stateTransitions    *prometheus.CounterVec
	stanzasSent         *prometheus.CounterVec
	negotiationFailures *prometheus.CounterVec
	activePeers         prometheus.Gauge
	contentAddRetries   prometheus.Counter
	duplicateAccepts    prometheus.Counter
}

// NewMetrics регистрирует метрики в reg. При nil reg метрики не регистрируются.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "peer_state_transitions_total",
			Help:      "Peer state transitions by source and destination state",
		}, []string{"from", "to"}),
		stanzasSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stanzas_sent_total",
			Help:      "Jingle actions sent by action",
		}, []string{"action"}),
		negotiationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "negotiation_failures_total",
			Help:      "Sessions terminated on negotiation failure by reason",
		}, []string{"reason"}),
		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_peers",
			Help:      "Peers not yet in a terminal state",
		}),
		contentAddRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "content_add_deferred_total",
			Help:      "content-add batches deferred waiting for transport candidates",
		}),
		duplicateAccepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "duplicate_session_accepts_total",
			Help:      "Ignored repeated session-accept actions",
		}),
	}
}

func (m *Metrics) stateChanged(from, to PeerState) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) stanzaSent(action jingle.Action) {
	if m == nil {
		return
	}
	m.stanzasSent.WithLabelValues(action.String()).Inc()
}

func (m *Metrics) negotiationFailed(reason jingle.ReasonCondition) {
	if m == nil {
		return
	}
	m.negotiationFailures.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) peerStarted() {
	if m == nil {
		return
	}
	m.activePeers.Inc()
}

func (m *Metrics) peerFinished() {
	if m == nil {
		return
	}
	m.activePeers.Dec()
}

func (m *Metrics) contentAddDeferred() {
	if m == nil {
		return
	}
	m.contentAddRetries.Inc()
}

func (m *Metrics) duplicateAccept() {
	if m == nil {
		return
	}
	m.duplicateAccepts.Inc()
}
