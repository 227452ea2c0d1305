package enphase

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

	metricsOnce     sync.Once
	requestTotal    *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	retryTotal      *prometheus.CounterVec
	rateLimitWaited prometheus.Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		requestTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enlighten",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Count of request attempts sent to the Enlighten API",
		}, []string{"command", "status"}))

		requestLatency = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "enlighten",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Latency of logical Enlighten API calls including retries",
			Buckets:   histogramBuckets,
		}, []string{"command"}))

		retryTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enlighten",
			Subsystem: "api",
			Name:      "retries_total",
			Help:      "Number of automatic re-attempts by reason",
		}, []string{"command", "reason"}))

		rateLimitWaited = register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enlighten",
			Subsystem: "api",
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Seconds spent sleeping for the rate limit window to end",
		}))
	})
}

// register registers c with the default registry. If an equal collector was
// already registered, that one is returned instead.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func recordAttempt(command string, status int) {
	initMetrics()
	requestTotal.WithLabelValues(command, strconv.Itoa(status)).Inc()
}

func recordRetry(command, reason string) {
	initMetrics()
	retryTotal.WithLabelValues(command, reason).Inc()
}

func recordWait(d time.Duration) {
	initMetrics()
	rateLimitWaited.Add(d.Seconds())
}

func recordLatency(command string, d time.Duration) {
	initMetrics()
	requestLatency.WithLabelValues(command).Observe(d.Seconds())
}
