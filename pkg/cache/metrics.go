package cache

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce  sync.Once
	lookupsTotal *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enlighten",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by command and result (hit, miss, bypass). Stats count one lookup per day.",
		}, []string{"command", "result"})
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					c = existing
				}
			}
		}
		lookupsTotal = c
	})
}

func recordLookup(command, result string) {
	initMetrics()
	lookupsTotal.WithLabelValues(command, result).Inc()
}
