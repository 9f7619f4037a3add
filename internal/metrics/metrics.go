// Package metrics provides Prometheus instrumentation for the live
// meeting channel. It exposes gauges for connection and meeting counts,
// counters for report and signal throughput, and histograms for fan-out
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveMeetings tracks the number of meetings with at least one
	// connected participant on this server.
	ActiveMeetings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_active_meetings",
		Help: "Current number of meetings with connected participants",
	})

	// LocationReportsTotal counts location reports, labeled by outcome:
	// "accepted", "throttled", or "ignored".
	LocationReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "live_location_reports_total",
		Help: "Total number of location reports processed",
	}, []string{"outcome"}) // outcome = "accepted", "throttled", "ignored"

	// SignalsTotal counts nudge and emoji signals, labeled by kind:
	// "nudge", "emoji", or "rejected".
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "live_signals_total",
		Help: "Total number of signals processed",
	}, []string{"kind"}) // kind = "nudge", "emoji", "rejected"

	// KicksTotal counts duplicate-session kicks delivered.
	KicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "live_kicks_total",
		Help: "Total number of duplicate-session kicks delivered",
	})

	// SnapshotSize records how many participant positions the initial
	// snapshot carried.
	SnapshotSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "live_snapshot_size",
		Help:    "Number of positions in initial snapshots",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
	})

	// ReportFanout records the time to relay a location report to all
	// local connections in the meeting, in seconds.
	ReportFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "live_report_fanout_seconds",
		Help:    "Time to relay a location report to local connections",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveMeetings,
		LocationReportsTotal,
		SignalsTotal,
		KicksTotal,
		SnapshotSize,
		ReportFanout,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
