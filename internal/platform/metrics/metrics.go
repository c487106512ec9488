package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	DecisionsTotal     *prometheus.CounterVec
	LoopGuardTrips     prometheus.Counter
	PollerFetches      prometheus.Counter
	PollerResults      *prometheus.CounterVec
	WizardCalcs        *prometheus.CounterVec
	BackendCallMs      *prometheus.HistogramVec
	AuthCacheRefreshes prometheus.Counter
	AuthCacheHits      prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_decisions_total",
			Help: "Navigation decisions by resulting action",
		}, []string{"action"}),
		LoopGuardTrips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_loop_guard_trips_total",
			Help: "Times the redirect loop guard entered cooldown",
		}),
		PollerFetches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_poller_fetches_total",
			Help: "Balance fetches performed by the payment poller",
		}),
		PollerResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_poller_results_total",
			Help: "Payment poller outcomes (confirmed, timeout, unauthorized, cancelled)",
		}, []string{"result"}),
		WizardCalcs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_wizard_calculations_total",
			Help: "Calculator runs by outcome",
		}, []string{"outcome"}),
		BackendCallMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "funnel_backend_call_duration_ms",
			Help:    "Latency of backend API calls in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"endpoint"}),
		AuthCacheRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_auth_cache_refreshes_total",
			Help: "Identity refetches performed by the auth cache",
		}),
		AuthCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_auth_cache_hits_total",
			Help: "Auth checks served from the fresh cached snapshot",
		}),
	}
}
