package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	gatherer prometheus.Gatherer

	// Frame metrics
	SamplesReceived    *prometheus.CounterVec
	FramesPreviewed    prometheus.Counter
	FramesDropped      *prometheus.CounterVec
	ConversionFailures *prometheus.CounterVec
	FilterFailures     *prometheus.CounterVec
	FrameProcessing    prometheus.Histogram

	// Recording metrics
	RecordingsStarted   prometheus.Counter
	RecordingsCompleted *prometheus.CounterVec
	RecordingDuration   prometheus.Histogram
	RecordingActive     prometheus.Gauge
	EncoderSamples      *prometheus.CounterVec
	EncoderDropped      *prometheus.CounterVec

	// Library metrics
	MediaSaved      *prometheus.CounterVec
	MediaSaveErrors *prometheus.CounterVec

	// Ingest metrics
	RTMPConnections   prometheus.Counter
	RTMPErrors        prometheus.Counter
	RTMPBytesReceived prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
// Pass prometheus.NewRegistry() for an isolated set (tests, multiple pipelines).
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		gatherer: reg,

		// Frame metrics
		SamplesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fullscreencam_samples_received_total",
				Help: "Total number of samples received from the capture source",
			},
			[]string{"type"}, // type: video or audio
		),
		FramesPreviewed: f.NewCounter(prometheus.CounterOpts{
			Name: "fullscreencam_frames_previewed_total",
			Help: "Total number of frames delivered to the preview sink",
		}),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fullscreencam_frames_dropped_total",
				Help: "Total number of samples dropped by the pipeline",
			},
			[]string{"type", "reason"},
		),
		ConversionFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fullscreencam_conversion_failures_total",
				Help: "Total number of frames whose pixel data could not be converted",
			},
			[]string{"format"},
		),
		FilterFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fullscreencam_filter_failures_total",
				Help: "Total number of frames where the selected filter failed and the unfiltered frame was used",
			},
			[]string{"filter"},
		),
		FrameProcessing: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fullscreencam_frame_processing_seconds",
			Help:    "Time spent converting, filtering and distributing one video frame",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10), // 0.5ms to ~256ms
		}),

		// Recording metrics
		RecordingsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "fullscreencam_recordings_started_total",
			Help: "Total number of recording sessions armed",
		}),
		RecordingsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fullscreencam_recordings_completed_total",
				Help: "Total number of recording sessions completed",
			},
			[]string{"outcome"},
		),
		RecordingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fullscreencam_recording_duration_seconds",
			Help:    "Media duration of successful recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
		}),
		RecordingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "fullscreencam_recording_active",
			Help: "1 while a recording session exists (armed, recording or finalizing)",
		}),
		EncoderSamples: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fullscreencam_encoder_samples_total",
				Help: "Total number of samples appended to the encoder",
			},
			[]string{"type"},
		),
		EncoderDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fullscreencam_encoder_dropped_total",
				Help: "Total number of samples the encoder could not accept",
			},
			[]string{"type", "reason"},
		),

		// Library metrics
		MediaSaved: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fullscreencam_media_saved_total",
				Help: "Total number of photos and videos saved to the library",
			},
			[]string{"kind"},
		),
		MediaSaveErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fullscreencam_media_save_errors_total",
				Help: "Total number of failed library saves",
			},
			[]string{"kind"},
		),

		// Ingest metrics
		RTMPConnections: f.NewCounter(prometheus.CounterOpts{
			Name: "fullscreencam_rtmp_connections_total",
			Help: "Total number of RTMP camera connections",
		}),
		RTMPErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fullscreencam_rtmp_errors_total",
			Help: "Total number of RTMP ingest errors",
		}),
		RTMPBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "fullscreencam_rtmp_bytes_received_total",
			Help: "Total bytes received via RTMP",
		}),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fullscreencam_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fullscreencam_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// Handler serves the metrics registered with this instance
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordSample records a sample received from the capture source
func (m *Metrics) RecordSample(kind string) {
	m.SamplesReceived.WithLabelValues(kind).Inc()
}

// RecordPreview records a frame handed to the preview sink
func (m *Metrics) RecordPreview() {
	m.FramesPreviewed.Inc()
}

// RecordDropped records a dropped sample
func (m *Metrics) RecordDropped(kind, reason string) {
	m.FramesDropped.WithLabelValues(kind, reason).Inc()
}

// RecordConversionFailure records a frame that could not be converted
func (m *Metrics) RecordConversionFailure(format string) {
	m.ConversionFailures.WithLabelValues(format).Inc()
}

// RecordFilterFailure records a filter that failed on a frame
func (m *Metrics) RecordFilterFailure(filter string) {
	m.FilterFailures.WithLabelValues(filter).Inc()
}

// ObserveFrameProcessing records how long one frame took to route
func (m *Metrics) ObserveFrameProcessing(seconds float64) {
	m.FrameProcessing.Observe(seconds)
}

// RecordRecordingStart records a session being armed
func (m *Metrics) RecordRecordingStart() {
	m.RecordingsStarted.Inc()
	m.RecordingActive.Set(1)
}

// RecordRecordingDone records the single completion of a session
func (m *Metrics) RecordRecordingDone(outcome string, durationSeconds float64) {
	m.RecordingActive.Set(0)
	m.RecordingsCompleted.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.RecordingDuration.Observe(durationSeconds)
	}
}

// RecordEncoderSample records a sample appended to the encoder
func (m *Metrics) RecordEncoderSample(kind string) {
	m.EncoderSamples.WithLabelValues(kind).Inc()
}

// RecordEncoderDropped records a sample the encoder rejected
func (m *Metrics) RecordEncoderDropped(kind, reason string) {
	m.EncoderDropped.WithLabelValues(kind, reason).Inc()
}

// RecordMediaSaved records a library save
func (m *Metrics) RecordMediaSaved(kind string) {
	m.MediaSaved.WithLabelValues(kind).Inc()
}

// RecordMediaSaveError records a failed library save
func (m *Metrics) RecordMediaSaveError(kind string) {
	m.MediaSaveErrors.WithLabelValues(kind).Inc()
}

// RecordRTMPConnection records an RTMP connection
func (m *Metrics) RecordRTMPConnection() {
	m.RTMPConnections.Inc()
}

// RecordRTMPError records an RTMP error
func (m *Metrics) RecordRTMPError() {
	m.RTMPErrors.Inc()
}

// RecordRTMPBytes records bytes received via RTMP
func (m *Metrics) RecordRTMPBytes(bytes int) {
	m.RTMPBytesReceived.Add(float64(bytes))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, m.statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusCodeToString converts an HTTP status code to a string
func (m *Metrics) statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
