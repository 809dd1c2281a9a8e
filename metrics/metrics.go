package metrics

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_sessions_total",
			Help: "Session requests resolved by the distributor",
		},
		[]string{"result"}, // success|failure
	)

	SessionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_session_failures_total",
			Help: "Terminal session failures by reason",
		},
		[]string{"reason"},
	)

	SessionCreationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grid_session_creation_duration_seconds",
			Help:    "Time from enqueue to session created",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_session_queue_size",
			Help: "Session requests waiting in the queue",
		},
	)

	QueueTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_session_queue_timeouts_total",
			Help: "Session requests evicted after their deadline",
		},
	)

	ReservationRacesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_reservation_races_total",
			Help: "Slot reservations lost to a concurrent worker",
		},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_session_retries_total",
			Help: "Session requests handed back to the queue for another attempt",
		},
	)

	DelegationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_delegations_in_flight",
			Help: "Session creations currently delegated to nodes",
		},
	)

	Nodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_nodes",
			Help: "Registered nodes by availability",
		},
		[]string{"availability"}, // UP|DRAINING|DOWN
	)
)

func init() {
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionFailuresTotal)
	prometheus.MustRegister(SessionCreationDuration)
	prometheus.MustRegister(QueueSize)
	prometheus.MustRegister(QueueTimeoutsTotal)
	prometheus.MustRegister(ReservationRacesTotal)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(DelegationsInFlight)
	prometheus.MustRegister(Nodes)
}

func Register(r *mux.Router) {
	r.Handle("/metrics", promhttp.Handler())
}
