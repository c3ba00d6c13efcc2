package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jiracache_backend_requests_total",
		Help: "Total backend search requests by outcome",
	}, []string{"outcome"})

	backendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jiracache_backend_request_duration_seconds",
		Help:    "Backend search latency",
		Buckets: prometheus.DefBuckets,
	})

	// sharedRequests counts GetIssues calls that joined an in-flight identical request.
	sharedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jiracache_shared_requests_total",
		Help: "Total requests served by an identical in-flight request",
	})
)
