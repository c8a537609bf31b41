package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelforge_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixelforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelforge_generations_total",
			Help: "Total number of generation attempts that reached the provider.",
		},
		[]string{"status"},
	)

	GenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pixelforge_generation_duration_seconds",
			Help:    "Provider call duration in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 10, 15},
		},
	)

	AdmissionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelforge_admission_rejections_total",
			Help: "Requests rejected before reaching the provider, by stage.",
		},
		[]string{"stage"},
	)

	CreditsDebitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pixelforge_credits_debited_total",
			Help: "Total credits debited for completed generations.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		GenerationsTotal,
		GenerationDuration,
		AdmissionRejectionsTotal,
		CreditsDebitedTotal,
	)
}
