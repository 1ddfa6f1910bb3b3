package metrics

import (
	"fmt"
	"net/http"
	"sort"
)

const eventsMetric = "atm_video_call_events_total"

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters are published as one metric with an `event` label so the
// in-process registry stays a plain map.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for event := range snap {
			events = append(events, event)
		}
		sort.Strings(events)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprintf(w, "# HELP %s Internal event counters.\n", eventsMetric)
		fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
		for _, event := range events {
			// %q matches the exposition format's label escaping for the
			// counter names in use (no newlines).
			fmt.Fprintf(w, "%s{event=%q} %d\n", eventsMetric, event, snap[event])
		}
	})
}
