package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "intake"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		},
		[]string{"route", "status"},
	)

	crmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crm_requests_total",
			Help:      "CRM API calls by method and status class.",
		},
		[]string{"method", "status"},
	)

	crmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crm_request_duration_seconds",
			Help:      "CRM API call latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	tokenExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_exchanges_total",
			Help:      "OAuth token exchanges by grant type and result.",
		},
		[]string{"grant", "result"},
	)

	pipelineSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_steps_total",
			Help:      "Booking pipeline steps by step and outcome.",
		},
		[]string{"step", "status"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbox notification attempts by task type and result.",
		},
		[]string{"task_type", "result"},
	)

	webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhooks by provider and result.",
		},
		[]string{"provider", "result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, crmRequests, crmLatency, tokenExchanges, pipelineSteps, notifications, webhooks)
	})
}

// StatusClass turns 404 into "4xx". Zero means the call never got a response.
func StatusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

func IncHTTP(route string, status int) {
	httpRequests.WithLabelValues(route, StatusClass(status)).Inc()
}

func ObserveCRM(method string, status int, elapsed time.Duration) {
	crmRequests.WithLabelValues(method, StatusClass(status)).Inc()
	crmLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func IncTokenExchange(grant string, ok bool) {
	tokenExchanges.WithLabelValues(grant, result(ok)).Inc()
}

func IncPipelineStep(step, status string) {
	pipelineSteps.WithLabelValues(step, status).Inc()
}

func IncNotification(taskType string, ok bool) {
	notifications.WithLabelValues(taskType, result(ok)).Inc()
}

func IncWebhook(provider, outcome string) {
	webhooks.WithLabelValues(provider, outcome).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
