// services/lockplane/internal/infrastructure/metrics.go
package infrastructure

import (
	"strconv"
	"time"

	"example.com/backstage/services/lockplane/internal/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the control plane's prometheus collectors.
type Metrics struct {
	lockCommands *prometheus.CounterVec
	enrollments  *prometheus.CounterVec
	webhooks     *prometheus.CounterVec
	pushes       *prometheus.CounterVec
	httpRequests *prometheus.HistogramVec
}

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lockCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockplane",
			Name:      "lock_commands_total",
			Help:      "Lock commands applied, by command, actor and whether state changed.",
		}, []string{"command", "actor", "changed"}),
		enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockplane",
			Name:      "enrollments_total",
			Help:      "Enrollment billing attempts by outcome.",
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockplane",
			Name:      "partner_webhooks_total",
			Help:      "Partner webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockplane",
			Name:      "agent_wake_pushes_total",
			Help:      "Agent wake-up pushes by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lockplane",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}

	reg.MustRegister(m.lockCommands, m.enrollments, m.webhooks, m.pushes, m.httpRequests)
	return m
}

func (m *Metrics) RecordLockCommand(command core.CommandType, actor core.ActorType, changed bool) {
	m.lockCommands.WithLabelValues(string(command), string(actor), strconv.FormatBool(changed)).Inc()
}

func (m *Metrics) RecordEnrollment(outcome string) {
	m.enrollments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordWebhook(event, outcome string) {
	m.webhooks.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) RecordPush(success bool) {
	result := "failed"
	if success {
		result = "delivered"
	}
	m.pushes.WithLabelValues(result).Inc()
}

// ObserveHTTP records one request.
func (m *Metrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
