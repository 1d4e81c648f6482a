package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"flowmesh/internal/metrics"
	"flowmesh/pkg/tracing"
)

// metricsMiddleware records response latency for every control-plane
// endpoint, mirroring the teacher's metricsMiddleware.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.HTTPRequestDuration.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
	})
}

// registerHandlers mounts the control-plane API: health, metrics and
// cluster status. /healthz and /status go through the metrics and tracing
// middleware (the tracer is a no-op when tracing is disabled); /metrics is
// served unwrapped.
func (a *App) registerHandlers(router *mux.Router) {
	var mw func(http.Handler) http.Handler = metricsMiddleware
	if a.tracer != nil {
		traceMW := tracing.Handler(a.tracer.Tracer(), "http_request")
		prev := mw
		mw = func(h http.Handler) http.Handler { return traceMW(prev(h)) }
	}

	router.Handle("/healthz", mw(http.HandlerFunc(a.healthHandler))).Methods("GET")
	router.Handle("/status", mw(http.HandlerFunc(a.statusHandler))).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
}

// healthHandler reports healthy until the process context is canceled,
// then shutting_down with status 503.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	w.Header().Set("Content-Type", "application/json")
	if a.ctx.Err() != nil {
		status = "shutting_down"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"version":   a.config.App.Version,
		"uptime":    time.Since(a.startTime).String(),
	})
}

// statusHandler reports the per-worker frontier and cluster shape.
func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	frontiers := make([]uint64, len(a.workers))
	for i, worker := range a.workers {
		frontiers[i] = uint64(worker.Frontier())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":         a.config.App.Name,
		"worker_count": a.config.Cluster.WorkerCount,
		"transport":    a.config.Cluster.Transport,
		"frontiers":    frontiers,
		"recovery":     a.config.Recovery.Enabled,
	})
}
