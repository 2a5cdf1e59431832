package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bus_events_published_total", Help: "Envelopes accepted by the transport"})
	EventsDelivered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bus_events_delivered_total", Help: "Handler invocations across all topics"})
	HandlerErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bus_handler_errors_total", Help: "Handler failures isolated by the bus"})
	DecisionsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "decisions_total", Help: "Decision engine outcomes"}, []string{"action"})
	ApprovalsPending = prometheus.NewGauge(prometheus.GaugeOpts{Name: "approvals_pending", Help: "Approval records awaiting a human decision"})
	ApprovalsDecided = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "approvals_decided_total", Help: "Recorded human approval decisions"}, []string{"decision"})
	TasksExecuted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_executed_total", Help: "Tasks completed successfully by an agent"})
	TasksFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks whose agent execution failed"})
	TasksUnassigned  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_unassigned_total", Help: "Tasks no registered agent could handle"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "approval_api_rate_limited_total", Help: "Approval API requests rejected by the rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsPublished,
			EventsDelivered,
			HandlerErrors,
			DecisionsTotal,
			ApprovalsPending,
			ApprovalsDecided,
			TasksExecuted,
			TasksFailed,
			TasksUnassigned,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
