// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_jobs_total",
			Help: "Conversion jobs by kind and terminal state",
		},
		[]string{"kind", "state"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaforge_job_duration_seconds",
			Help:    "Wall time of conversion jobs from start to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
		},
		[]string{"kind"},
	)

	JobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediaforge_jobs_active",
			Help: "Jobs not yet in a terminal state",
		},
		[]string{"kind"},
	)

	TranscodesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaforge_transcodes_running",
			Help: "ffmpeg processes currently owned by the supervisor",
		},
	)

	TranscodeSlotsWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaforge_transcode_slots_waiting",
			Help: "Video jobs waiting for a transcode slot",
		},
	)

	SerialAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_serial_allocations_total",
			Help: "Serials handed out per kind",
		},
		[]string{"kind"},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_events_published_total",
			Help: "Events published to the broadcaster by type",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaforge_events_dropped_total",
			Help: "Progress events dropped because a subscriber queue was full",
		},
	)

	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaforge_event_subscribers",
			Help: "Current event stream subscribers",
		},
	)

	// Library and mirror metrics
	OriginalsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_originals_deleted_total",
			Help: "Original files deleted by result",
		},
		[]string{"kind", "result"},
	)

	MirrorUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_mirror_uploads_total",
			Help: "Output files copied to mirror destinations",
		},
		[]string{"backend", "result"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_api_requests_total",
			Help: "HTTP requests by method, endpoint and status code",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaforge_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordJob records a finished job.
func RecordJob(kind, state string, elapsed time.Duration) {
	JobsTotal.WithLabelValues(kind, state).Inc()
	JobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordAPIRequest records one served request.
func RecordAPIRequest(method, endpoint string, status int, elapsed time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
