package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Render pipeline metrics.
var (
	// RendersTotal counts completed render requests by output format and
	// outcome ("success", "cache_hit", "error").
	RendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uml_renders_total",
			Help: "Total number of render requests by format and outcome.",
		},
		[]string{"format", "status"},
	)

	// RenderDuration observes wall-clock render duration per format, measured
	// from pipeline entry to result finalization.
	RenderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uml_render_duration_seconds",
			Help:    "Render duration in seconds by output format.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"format"},
	)

	// RenderOutputBytes observes the size of successful render output.
	RenderOutputBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uml_render_output_bytes",
			Help:    "Size of rendered output in bytes by format.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"format"},
	)

	// RenderErrorsTotal counts render failures by error kind (timeout,
	// engine, concurrency_limit, validation, canceled, internal).
	RenderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uml_render_errors_total",
			Help: "Total number of render errors by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		RendersTotal,
		RenderDuration,
		RenderOutputBytes,
		RenderErrorsTotal,
	)
}
