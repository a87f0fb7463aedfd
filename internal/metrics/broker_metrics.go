package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BrokerMetrics instruments the L2 broker's hot and cold paths, grounded
// on internal/hft/metrics/baseline_metrics.go's promauto histogram/gauge
// pattern but scoped to spec.md's own domain: frame parse latency,
// compaction counts, subscribe/unsubscribe traffic, and affinity worker
// liveness, rather than order/DB/HTTP latency.
type BrokerMetrics struct {
	ParseLatency      prometheus.Histogram
	CompactionsTotal  prometheus.Counter
	UpsertsTotal      prometheus.Counter
	SubscribesTotal   prometheus.Counter
	UnsubscribesTotal prometheus.Counter
	ProtocolErrors    *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	ActiveStreams     prometheus.Gauge
	PinnedWorkers     prometheus.Gauge
}

// NewBrokerMetrics creates the broker's metric set and registers it with
// reg via promauto.With(reg); Module passes the fx graph's registry. A nil
// reg creates the metrics without registering them anywhere.
func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	factory := promauto.With(reg)
	return &BrokerMetrics{
		ParseLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "l2broker_parse_latency_microseconds",
			Help:    "Time to parse one inbound frame and apply its book mutations.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		CompactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "l2broker_book_compactions_total",
			Help: "Number of end_packet calls that performed a tombstone sweep.",
		}),
		UpsertsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "l2broker_book_upserts_total",
			Help: "Number of upsert calls applied across all books.",
		}),
		SubscribesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "l2broker_subscribes_total",
			Help: "Number of 0->1 subscribe transitions that posted a SubscribeIntent.",
		}),
		UnsubscribesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "l2broker_unsubscribes_total",
			Help: "Number of last-1->0 drop transitions that posted an UnsubscribeIntent.",
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "l2broker_protocol_errors_total",
			Help: "Protocol-level errors reported by a driver, by exchange.",
		}, []string{"exchange"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "l2broker_reconnects_total",
			Help: "Connection loss and reconnect events, by exchange.",
		}, []string{"exchange"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "l2broker_active_streams",
			Help: "Number of (exchange,symbol) streams currently Active.",
		}),
		PinnedWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "l2broker_pinned_workers",
			Help: "Number of affinity-pinned pipeline workers currently running.",
		}),
	}
}
