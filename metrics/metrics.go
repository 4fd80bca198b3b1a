// Package metrics exports Prometheus collectors for the core subsystems.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the subsystems report into. One instance
// per process, wired in at construction time.
type Metrics struct {
	registry *prometheus.Registry

	MessagesProcessed  *prometheus.CounterVec
	MessageFailures    *prometheus.CounterVec
	Escalations        *prometheus.CounterVec
	ResponderLatency   prometheus.Histogram
	AutomationRuns     *prometheus.CounterVec
	AutomationRetries  prometheus.Counter
	SocketConnections  *prometheus.GaugeVec
	WebhookRejections  *prometheus.CounterVec
	EventsDropped      prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "butler_messages_processed_total",
			Help: "Inbound messages processed by the pipeline, by channel.",
		}, []string{"channel"}),
		MessageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "butler_message_failures_total",
			Help: "Pipeline invocations that ended in an error, by channel.",
		}, []string{"channel"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "butler_escalations_total",
			Help: "Conversations escalated to staff, by priority.",
		}, []string{"priority"}),
		ResponderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "butler_responder_latency_seconds",
			Help:    "Latency of responder generation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		AutomationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "butler_automation_runs_total",
			Help: "Automation executions reaching a terminal state, by status.",
		}, []string{"status"}),
		AutomationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "butler_automation_retries_total",
			Help: "Automation executions re-run by the retry scheduler.",
		}),
		SocketConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "butler_socket_connections",
			Help: "Open websocket connections, by kind (staff, guest).",
		}, []string{"kind"}),
		WebhookRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "butler_webhook_rejections_total",
			Help: "Inbound webhooks rejected, by route and reason.",
		}, []string{"route", "reason"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "butler_events_dropped_total",
			Help: "Events dropped from the bus queue under overflow.",
		}),
	}

	registry.MustRegister(
		m.MessagesProcessed,
		m.MessageFailures,
		m.Escalations,
		m.ResponderLatency,
		m.AutomationRuns,
		m.AutomationRetries,
		m.SocketConnections,
		m.WebhookRejections,
		m.EventsDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
