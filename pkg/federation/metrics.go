package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Inbound message outcomes, used as metric labels.
const (
	OutcomeApplied     = "applied"
	OutcomeLoopback    = "loopback"
	OutcomeStale       = "stale"
	OutcomeIgnored     = "ignored"
	OutcomeMalformed   = "malformed"
	OutcomeUnknownType = "unknown_type"
	OutcomeFailed      = "failed"
)

// Metrics tracks federation-wide metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Connection metrics
	ConnectionStatus   *prometheus.GaugeVec
	ConnectionAttempts *prometheus.CounterVec
	ConnectionFailures *prometheus.CounterVec
	SitesConnected     prometheus.Gauge

	// Message metrics
	Published        *prometheus.CounterVec
	Inbound          *prometheus.CounterVec
	InboxDepth       *prometheus.GaugeVec
	HandlerPanics    prometheus.Counter
	AlertsSuppressed prometheus.Counter
	AlertsDispatched *prometheus.CounterVec
	SnapshotsSent    prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshfed_connection_status",
			Help: "Current connection status per site (1 for the active status)",
		}, []string{"site", "status"}),
		ConnectionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfed_connection_attempts_total",
			Help: "Total number of connection attempts",
		}, []string{"site"}),
		ConnectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfed_connection_failures_total",
			Help: "Total number of connection failures",
		}, []string{"site"}),
		SitesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshfed_sites_connected",
			Help: "Number of sites with a connected transport client",
		}),

		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfed_published_total",
			Help: "Publishes per site and message class by result",
		}, []string{"site", "class", "result"}),
		Inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfed_inbound_messages_total",
			Help: "Inbound federation messages per module by outcome",
		}, []string{"module", "site", "outcome"}),
		InboxDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshfed_inbox_depth",
			Help: "Messages waiting in a module inbox",
		}, []string{"module", "site"}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfed_handler_panics_total",
			Help: "Inbound handlers that panicked and were recovered",
		}),
		AlertsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfed_alerts_suppressed_total",
			Help: "Repeated alerts kept from external notification dispatch",
		}),
		AlertsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfed_alerts_dispatched_total",
			Help: "Federated alerts handed to the notification dispatcher",
		}, []string{"result"}),
		SnapshotsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfed_geofence_snapshots_sent_total",
			Help: "Geofence snapshots sent to newly connected sites",
		}),
	}
}

var allStatuses = []Status{StatusNotConfigured, StatusDisabled, StatusConnecting, StatusConnected, StatusError}

func (m *Metrics) setStatus(site string, status Status) {
	if m == nil {
		return
	}
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(site, string(s)).Set(v)
	}
}

func (m *Metrics) connectAttempt(site string, err error) {
	if m == nil {
		return
	}
	m.ConnectionAttempts.WithLabelValues(site).Inc()
	if err != nil {
		m.ConnectionFailures.WithLabelValues(site).Inc()
	}
}

func (m *Metrics) connected(n int) {
	if m == nil {
		return
	}
	m.SitesConnected.Set(float64(n))
}

func (m *Metrics) published(site, class string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Published.WithLabelValues(site, class, result).Inc()
}

func (m *Metrics) inbound(module, site, outcome string) {
	if m == nil {
		return
	}
	m.Inbound.WithLabelValues(module, site, outcome).Inc()
}

func (m *Metrics) inboxDepth(module, site string, depth int) {
	if m == nil {
		return
	}
	m.InboxDepth.WithLabelValues(module, site).Set(float64(depth))
}

func (m *Metrics) handlerPanic() {
	if m == nil {
		return
	}
	m.HandlerPanics.Inc()
}

func (m *Metrics) alertSuppressed() {
	if m == nil {
		return
	}
	m.AlertsSuppressed.Inc()
}

func (m *Metrics) alertDispatched(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AlertsDispatched.WithLabelValues(result).Inc()
}

func (m *Metrics) snapshotSent() {
	if m == nil {
		return
	}
	m.SnapshotsSent.Inc()
}
