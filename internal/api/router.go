package api

import (
	"net/http"
	"time"

	"github.com/LeventeLantos/event-messaging/internal/metrics"
)

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /v1/lead-time", h.LeadTime)

	mux.HandleFunc("POST /v1/events/{eventID}/messages", h.CreateMessage)
	mux.HandleFunc("GET /v1/events/{eventID}/messages", h.ListEventMessages)
	mux.HandleFunc("POST /v1/events/{eventID}/recipients/preview", h.PreviewRecipients)

	mux.HandleFunc("GET /v1/messages/sent", h.ListSentMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("PATCH /v1/messages/{id}", h.ModifyMessage)
	mux.HandleFunc("POST /v1/messages/{id}/schedule", h.ScheduleMessage)
	mux.HandleFunc("POST /v1/messages/{id}/cancel", h.CancelMessage)
	mux.HandleFunc("GET /v1/messages/{id}/deliveries", h.DeliveryCounts)

	mux.HandleFunc("POST /v1/receipts", h.Receipt)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("event-messaging"))
	})

	return instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latencies by matched route.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTP(r.Method, route, rec.status, time.Since(start))
	})
}
