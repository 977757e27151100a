package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatchq_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatchq_enqueue_total", Help: "Enqueue outcomes"},
		[]string{"result"}, // created, updated, absorbed, error
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatchq_dispatch_total", Help: "Per-entry dispatch outcomes"},
		[]string{"result"}, // sent, requeued, failed, released
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatchq_provider_send_total", Help: "Provider send outcomes"},
		[]string{"result", "http_status"},
	)
	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dispatchq_provider_send_latency_seconds", Help: "Provider send latency"},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dispatchq_tick_duration_seconds", Help: "Dispatch tick duration"},
	)
	BudgetExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatchq_budget_exhausted_total", Help: "Ticks that found a tenant out of budget"},
		[]string{"tenant"},
	)
	StuckReleased = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatchq_stuck_released_total", Help: "Entries reverted from stale processing"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, Dispatches, ProviderSend, ProviderLatency, TickDuration, BudgetExhausted, StuckReleased)
}
