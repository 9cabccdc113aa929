package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors. All methods are safe on a nil receiver.
type Metrics struct {
	blocksProcessed    prometheus.Counter
	transfersObserved  *prometheus.CounterVec
	violations         *prometheus.CounterVec
	uncheckedTransfers *prometheus.CounterVec
	fetchFailures      *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	alertsSent         prometheus.Counter
	alertsDropped      prometheus.Counter
	errors             prometheus.Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_watch_blocks_processed_total",
				Help: "Total number of L1 blocks processed",
			}),
			transfersObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_watch_transfers_observed_total",
				Help: "Transfers into a monitored escrow",
			}, []string{"network"}),
			violations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_watch_supply_violations_total",
				Help: "Transfers where L2 total supply exceeded the L1 escrow balance",
			}, []string{"network"}),
			uncheckedTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_watch_unchecked_transfers_total",
				Help: "Transfers whose invariant check was skipped because a balance was unknown",
			}, []string{"network"}),
			fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_watch_fetch_failures_total",
				Help: "Failed balance or supply lookups",
			}, []string{"kind", "network"}),
			cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_watch_cache_lookups_total",
				Help: "Balance cache lookups by result",
			}, []string{"kind", "network", "result"}),
			alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_watch_alerts_sent_total",
				Help: "Total number of alerts sent to sinks",
			}),
			alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_watch_alerts_dropped_total",
				Help: "Total number of alerts dropped (dedupe/filter)",
			}),
			errors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_watch_errors_total",
				Help: "Total number of errors encountered",
			}),
		}
		prometheus.MustRegister(
			metrics.blocksProcessed,
			metrics.transfersObserved,
			metrics.violations,
			metrics.uncheckedTransfers,
			metrics.fetchFailures,
			metrics.cacheLookups,
			metrics.alertsSent,
			metrics.alertsDropped,
			metrics.errors,
		)
	})
	return metrics
}

// BlocksProcessed increments the blocks processed counter.
func (m *Metrics) BlocksProcessed() {
	if m != nil {
		m.blocksProcessed.Inc()
	}
}

// TransferObserved counts an escrow deposit for network.
func (m *Metrics) TransferObserved(network string) {
	if m != nil {
		m.transfersObserved.WithLabelValues(network).Inc()
	}
}

// Violation counts a failed supply invariant for network.
func (m *Metrics) Violation(network string) {
	if m != nil {
		m.violations.WithLabelValues(network).Inc()
	}
}

// Unchecked counts a transfer whose invariant could not be evaluated.
func (m *Metrics) Unchecked(network string) {
	if m != nil {
		m.uncheckedTransfers.WithLabelValues(network).Inc()
	}
}

// FetchFailed counts a failed lookup; kind is "l1_balance", "l2_supply" or "l2_block".
func (m *Metrics) FetchFailed(kind, network string) {
	if m != nil {
		m.fetchFailures.WithLabelValues(kind, network).Inc()
	}
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(kind, network string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(kind, network, result).Inc()
}

// AlertsSent increments the alerts sent counter.
func (m *Metrics) AlertsSent() {
	if m != nil {
		m.alertsSent.Inc()
	}
}

// AlertsDropped increments the alerts dropped counter.
func (m *Metrics) AlertsDropped() {
	if m != nil {
		m.alertsDropped.Inc()
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
