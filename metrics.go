package sparsejit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Failure reasons reported by kernel_generation_failures_total.
const (
	reasonUnsupported = "unsupported"
	reasonConfig      = "config"
	reasonEncoding    = "encoding"
	reasonMapping     = "mapping"
)

type metrics struct {
	generated *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	codeBytes prometheus.Gauge
}

// newMetrics returns nil when reg is nil. Every Kernel built with the same
// registerer shares one set of collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	return &metrics{
		generated: registerOrExisting(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sparsejit",
			Name:      "kernels_generated_total",
			Help:      "Total number of kernels generated, by emission strategy.",
		}, []string{"strategy"})),
		failures: registerOrExisting(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sparsejit",
			Name:      "kernel_generation_failures_total",
			Help:      "Total number of failed kernel constructions, by reason.",
		}, []string{"reason"})),
		duration: registerOrExisting(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sparsejit",
			Name:      "kernel_generation_duration_seconds",
			Help:      "Time spent emitting and mapping a kernel.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, []string{"strategy"})),
		codeBytes: registerOrExisting(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sparsejit",
			Name:      "kernel_code_bytes",
			Help:      "Size of the machine code of the most recently generated kernel.",
		})),
	}
}

// registerOrExisting registers c, or returns the collector already registered
// under the same descriptor.
func registerOrExisting[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return existing.ExistingCollector.(C)
		}
		// Same behavior as MustRegister if the error is not for AlreadyRegistered
		panic(err)
	}
	return c
}

func (m *metrics) observeGenerated(s Strategy, codeBytes int, took time.Duration) {
	if m == nil {
		return
	}
	m.generated.WithLabelValues(s.String()).Inc()
	m.duration.WithLabelValues(s.String()).Observe(took.Seconds())
	m.codeBytes.Set(float64(codeBytes))
}

func (m *metrics) observeFailure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}
