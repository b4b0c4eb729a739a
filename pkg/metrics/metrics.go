package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Exchange metrics
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_exchanges_total",
			Help: "Total number of exchanges by result (success or failure)",
		},
		[]string{"result"},
	)

	ExchangeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corral_exchange_duration_seconds",
			Help:    "Wall-clock duration of one exchange round-trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_messages_sent_total",
			Help: "Total number of messages delivered to the server",
		},
	)

	MessagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_messages_received_total",
			Help: "Total number of messages received from the server",
		},
	)

	MessagesPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_messages_pending",
			Help: "Messages queued for the server at the end of the last exchange",
		},
	)

	Resynchronizations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_resynchronizations_total",
			Help: "Total number of server-directed resynchronizations",
		},
	)

	// Pinger metrics
	PingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_pings_total",
			Help: "Total number of ping probes by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ExchangesTotal)
	prometheus.MustRegister(ExchangeDuration)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(MessagesPending)
	prometheus.MustRegister(Resynchronizations)
	prometheus.MustRegister(PingsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
