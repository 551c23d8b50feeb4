// Package metrics serves Prometheus exposition-format text for the hub's
// own gauges and counters, in the same fmt.Fprintf style as the teacher's
// metricsHandler.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"echohub/internal/hub"
	"echohub/internal/logging"
)

var serverStartTime = time.Now()

// Handler returns an http.HandlerFunc that reports process metrics plus
// hub-specific session/correlation/sweeper gauges sourced from h.
func Handler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP echohub_build_info Build and configuration information\n")
		fmt.Fprintf(w, "# TYPE echohub_build_info gauge\n")
		fmt.Fprintf(w, "echohub_build_info{go_version=%q} 1\n\n", runtime.Version())

		fmt.Fprintf(w, "# HELP process_start_time_seconds Unix timestamp of process start\n")
		fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
		fmt.Fprintf(w, "process_start_time_seconds %d\n\n", serverStartTime.Unix())

		fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
		fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
		fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(serverStartTime).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Currently allocated memory in bytes\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n\n", mem.Alloc)

		fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
		fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
		fmt.Fprintf(w, "http_requests_total %d\n\n", logging.RequestsTotal())

		fmt.Fprintf(w, "# HELP http_errors_total Total number of HTTP 5xx errors\n")
		fmt.Fprintf(w, "# TYPE http_errors_total counter\n")
		fmt.Fprintf(w, "http_errors_total %d\n\n", logging.ErrorsTotal())

		fmt.Fprintf(w, "# HELP echohub_sessions_open Number of sessions with a currently open peer\n")
		fmt.Fprintf(w, "# TYPE echohub_sessions_open gauge\n")
		fmt.Fprintf(w, "echohub_sessions_open %d\n\n", h.Registry().Len())

		normal, reloadSurviving := h.PendingCounts()
		fmt.Fprintf(w, "# HELP echohub_pending_normal Outstanding normal correlations\n")
		fmt.Fprintf(w, "# TYPE echohub_pending_normal gauge\n")
		fmt.Fprintf(w, "echohub_pending_normal %d\n\n", normal)

		fmt.Fprintf(w, "# HELP echohub_pending_reload_surviving Outstanding reload-surviving correlations\n")
		fmt.Fprintf(w, "# TYPE echohub_pending_reload_surviving gauge\n")
		fmt.Fprintf(w, "echohub_pending_reload_surviving %d\n\n", reloadSurviving)

		suspended := 0
		if h.SweeperSuspended() {
			suspended = 1
		}
		fmt.Fprintf(w, "# HELP echohub_sweeper_suspended Whether the liveness sweeper is currently suspended\n")
		fmt.Fprintf(w, "# TYPE echohub_sweeper_suspended gauge\n")
		fmt.Fprintf(w, "echohub_sweeper_suspended %d\n\n", suspended)

		fmt.Fprintf(w, "# HELP echohub_takeovers_total Connections that superseded an existing peer\n")
		fmt.Fprintf(w, "# TYPE echohub_takeovers_total counter\n")
		fmt.Fprintf(w, "echohub_takeovers_total %d\n\n", h.TakeoversTotal())

		fmt.Fprintf(w, "# HELP echohub_rejections_total Connection attempts rejected for a stale sequence\n")
		fmt.Fprintf(w, "# TYPE echohub_rejections_total counter\n")
		fmt.Fprintf(w, "echohub_rejections_total %d\n\n", h.RejectionsTotal())
	}
}
