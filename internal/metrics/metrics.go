// Package metrics exposes Prometheus collectors for the messaging core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeventeLantos/event-messaging/internal/model"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_message_transitions_total",
			Help: "Scheduled messages entering each lifecycle state",
		},
		[]string{"state"},
	)

	deliveryOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_delivery_outcomes_total",
			Help: "Per-recipient delivery outcomes, split by whether the write changed state",
		},
		[]string{"outcome", "applied"},
	)

	dispatchTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_tick_duration_seconds",
			Help:    "Duration of one dispatcher polling tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func ObserveTransition(to model.State) {
	transitionsTotal.WithLabelValues(string(to)).Inc()
}

func ObserveDelivery(outcome string, applied bool) {
	deliveryOutcomesTotal.WithLabelValues(outcome, strconv.FormatBool(applied)).Inc()
}

func ObserveTick(d time.Duration) {
	dispatchTickDuration.Observe(d.Seconds())
}

// ObserveHTTP records one request. route should be the matched pattern to
// keep label cardinality low.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	httpRequestsTotal.With(labels).Inc()
	httpRequestDuration.With(labels).Observe(d.Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
