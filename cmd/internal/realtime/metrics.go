package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	onlineUsers       prometheus.Gauge
	pendingDeliveries prometheus.Gauge
	events            *prometheus.CounterVec
	emitted           *prometheus.CounterVec
	dropped           prometheus.Counter
	rejected          *prometheus.CounterVec
	sweeperEvictions  prometheus.Counter
	ledgerEvictions   *prometheus.CounterVec
	signalingDropped  prometheus.Counter
}

// NewMetrics creates the relay collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "online_users",
			Help:      "Users with a registered session.",
		}),
		pendingDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pending_deliveries",
			Help:      "Message entries in the pending delivery ledger.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_total",
			Help:      "Inbound client events by type.",
		}, []string{"type"}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "emitted_total",
			Help:      "Outbound envelopes enqueued by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "emit_dropped_total",
			Help:      "Outbound envelopes dropped on full or closing client queues.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_rejected_total",
			Help:      "Inbound events rejected, by error code.",
		}, []string{"code"}),
		sweeperEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sweeper_evictions_total",
			Help:      "Sessions evicted by the staleness sweeper.",
		}),
		ledgerEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "ledger_evictions_total",
			Help:      "Pending delivery entries dropped without delivery, by reason.",
		}, []string{"reason"}),
		signalingDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "signaling_dropped_total",
			Help:      "Call signaling events dropped because the target was not registered.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.onlineUsers,
			m.pendingDeliveries,
			m.events,
			m.emitted,
			m.dropped,
			m.rejected,
			m.sweeperEvictions,
			m.ledgerEvictions,
			m.signalingDropped,
		)
	}
	return m
}

func (m *Metrics) observeTables(online, pending int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(online))
	m.pendingDeliveries.Set(float64(pending))
}

func (m *Metrics) incEvent(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}

func (m *Metrics) addEmitted(typ string, sent, dropped int) {
	if m == nil {
		return
	}
	if sent > 0 {
		m.emitted.WithLabelValues(typ).Add(float64(sent))
	}
	if dropped > 0 {
		m.dropped.Add(float64(dropped))
	}
}

func (m *Metrics) incRejected(code string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(code).Inc()
}

func (m *Metrics) incSweeperEviction() {
	if m == nil {
		return
	}
	m.sweeperEvictions.Inc()
}

func (m *Metrics) addLedgerEvictions(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ledgerEvictions.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) incSignalingDropped() {
	if m == nil {
		return
	}
	m.signalingDropped.Inc()
}
