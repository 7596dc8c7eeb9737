package network

import "github.com/prometheus/client_golang/prometheus"

// Metrics used in monitoring service.
var (
	clientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of connected client actors",
			Name:      "clients_connected",
			Namespace: "peercall",
		},
	)
	acceptorsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of live server acceptors",
			Name:      "acceptors_connected",
			Namespace: "peercall",
		},
	)
	callsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of calls sent",
			Name:      "calls_sent_total",
			Namespace: "peercall",
		},
	)
	castsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of casts sent",
			Name:      "casts_sent_total",
			Namespace: "peercall",
		},
	)
	requestsServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of inbound requests served",
			Name:      "requests_served_total",
			Namespace: "peercall",
		},
	)
)

func init() {
	prometheus.MustRegister(
		clientsConnected,
		acceptorsConnected,
		callsSent,
		castsSent,
		requestsServed,
	)
}

func updateClientsConnectedMetric(n int) {
	clientsConnected.Set(float64(n))
}

func updateAcceptorsConnectedMetric(n int) {
	acceptorsConnected.Set(float64(n))
}
