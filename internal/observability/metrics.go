package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/stackguard/internal/fault"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackguard",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackguard",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	faultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackguard",
			Name:      "faults_total",
			Help:      "Integrity fault bits reported to callers.",
		},
		[]string{"bit"},
	)
	shadowCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackguard",
			Subsystem: "shadow",
			Name:      "calls_total",
			Help:      "Shadow worker round trips by command and status.",
		},
		[]string{"command", "status"},
	)
	shadowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackguard",
			Subsystem: "shadow",
			Name:      "call_duration_seconds",
			Help:      "Shadow worker round trip duration in seconds.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05, .1, .5, 1},
		},
		[]string{"command"},
	)
	liveStacks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stackguard",
			Name:      "live_stacks",
			Help:      "Stacks initialized and not yet destructed.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, faultsTotal, shadowCalls, shadowDuration, liveStacks)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFaults counts each set bit of f under its canonical name.
func RecordFaults(f fault.Fault) {
	if f == fault.None {
		return
	}
	RegisterMetrics()
	for _, bit := range f.Bits() {
		faultsTotal.WithLabelValues(bit.Name()).Inc()
	}
}

// RecordShadowCall takes plain strings so this package stays below the
// shadow transport in the import graph.
func RecordShadowCall(command, status string, duration time.Duration) {
	RegisterMetrics()
	shadowCalls.WithLabelValues(command, status).Inc()
	shadowDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func AddLiveStacks(delta int) {
	RegisterMetrics()
	liveStacks.Add(float64(delta))
}
