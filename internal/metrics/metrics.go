package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks total requests per imposter
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftmock",
			Name:      "requests_total",
			Help:      "Total number of requests received by imposters",
		},
		[]string{"port", "protocol"},
	)

	// ResponseDuration tracks response generation duration
	ResponseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driftmock",
			Name:      "response_duration_seconds",
			Help:      "Response generation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"port"},
	)

	// NextResponseDuration tracks time spent acquiring a stub's meta.json
	// lock and, under it, cycling to the next response.
	NextResponseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driftmock",
			Name:      "next_response_seconds",
			Help:      "Time spent resolving and cycling a stub's next response",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"port"},
	)

	// NoMatchTotal tracks requests with no matching stub
	NoMatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftmock",
			Name:      "no_match_total",
			Help:      "Total number of requests with no matching stub",
		},
		[]string{"port"},
	)

	// ImpostersTotal tracks the current number of imposters
	ImpostersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "driftmock",
			Name:      "imposters_total",
			Help:      "Current number of active imposters",
		},
	)

	// StubsTotal tracks the number of stubs per imposter
	StubsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "driftmock",
			Name:      "stubs_total",
			Help:      "Total number of stubs per imposter",
		},
		[]string{"port"},
	)

	// LockContentionTotal counts exhausted lock-retry budgets
	LockContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftmock",
			Name:      "lock_contention_total",
			Help:      "Total number of lockedReadModifyWrite calls that exhausted their retry budget",
		},
		[]string{"file"},
	)
)

// RecordRequest records a request to an imposter
func RecordRequest(port, protocol string) {
	RequestsTotal.WithLabelValues(port, protocol).Inc()
}

// RecordResponseDuration records the time taken to generate a response
func RecordResponseDuration(port string, duration float64) {
	ResponseDuration.WithLabelValues(port).Observe(duration)
}

// RecordNextResponseDuration records time spent acquiring and holding a
// stub's meta.json lock.
func RecordNextResponseDuration(port string, duration float64) {
	NextResponseDuration.WithLabelValues(port).Observe(duration)
}

// RecordLockContention records an exhausted lock-retry budget for a path.
func RecordLockContention(file string) {
	LockContentionTotal.WithLabelValues(file).Inc()
}

// RecordNoMatch records a request with no matching stub
func RecordNoMatch(port string) {
	NoMatchTotal.WithLabelValues(port).Inc()
}

// SetImpostersCount sets the current number of imposters
func SetImpostersCount(count int) {
	ImpostersTotal.Set(float64(count))
}

// SetStubsCount sets the number of stubs for an imposter
func SetStubsCount(port string, count int) {
	StubsTotal.WithLabelValues(port).Set(float64(count))
}

// RemoveImposterMetrics removes metrics for a deleted imposter
func RemoveImposterMetrics(port string) {
	StubsTotal.DeleteLabelValues(port)
}
