package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragateway_requests_total",
			Help: "Total number of gateway actions processed",
		},
		[]string{"action", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragateway_request_duration_seconds",
			Help:    "Action duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"action", "model"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragateway_upstream_latency_seconds",
			Help:    "Backend invocation latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model", "stream"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragateway_tokens_total",
			Help: "Total number of tokens charged",
		},
		[]string{"model"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragateway_upstream_errors_total",
			Help: "Total number of backend failures",
		},
		[]string{"provider", "error_type"},
	)

	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragateway_quota_rejections_total",
			Help: "Total number of requests rejected for quota",
		},
	)

	StreamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragateway_stream_frames_total",
			Help: "Total number of event stream frames written",
		},
		[]string{"model"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragateway_active_streams",
			Help: "Number of event streams currently open",
		},
	)

	ContextBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragateway_context_build_duration_seconds",
			Help:    "Time spent resolving and rendering RAG context",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragateway_search_duration_seconds",
			Help:    "Search query execution time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"version"},
	)
)

func RecordRequest(action, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(action, model, status).Inc()
	RequestDuration.WithLabelValues(action, model).Observe(durationSec)
}

func RecordUpstream(provider, model string, stream bool, durationSec float64) {
	s := "false"
	if stream {
		s = "true"
	}
	UpstreamLatency.WithLabelValues(provider, model, s).Observe(durationSec)
}

func RecordTokens(model string, tokens int) {
	TokensTotal.WithLabelValues(model).Add(float64(tokens))
}

func RecordUpstreamError(provider, errorType string) {
	UpstreamErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordQuotaRejection() {
	QuotaRejections.Inc()
}

func RecordStreamFrame(model string) {
	StreamFrames.WithLabelValues(model).Inc()
}

func SetInstanceInfo(version string) {
	InstanceInfo.WithLabelValues(version).Set(1)
}
