package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	lockAcquisitions *prom.CounterVec
	lockWait         prom.Histogram
	staleTakeovers   prom.Counter
	storeWrites      *prom.CounterVec
	writeDuration    prom.Histogram
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.lockAcquisitions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pipestate",
			Name:      "lock_acquisitions_total",
			Help:      "Lock acquisition attempts by outcome",
		}, []string{"outcome"})
		pr.lockWait = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "pipestate",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for lock acquisition",
			Buckets:   prom.DefBuckets,
		})
		pr.staleTakeovers = prom.NewCounter(prom.CounterOpts{
			Namespace: "pipestate",
			Name:      "stale_lock_takeovers_total",
			Help:      "Count of stale locks forcibly replaced",
		})
		pr.storeWrites = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pipestate",
			Name:      "store_writes_total",
			Help:      "Committed section writes by section name",
		}, []string{"section"})
		pr.writeDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "pipestate",
			Name:      "store_write_duration_seconds",
			Help:      "Duration of locked section write cycles",
			Buckets:   prom.DefBuckets,
		})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pipestate",
			Name:      "operation_retries_total",
			Help:      "Retries of core operations (transient and recoverable failures)",
		}, []string{"op"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pipestate",
			Name:      "operation_retry_exhausted_total",
			Help:      "Count of operations where retries were exhausted",
		}, []string{"op"})
		reg.MustRegister(pr.lockAcquisitions, pr.lockWait, pr.staleTakeovers,
			pr.storeWrites, pr.writeDuration, pr.retries, pr.retriesExhausted)
	})
	return pr
}

func (p *PrometheusRecorder) LockAcquired(outcome string, wait time.Duration) {
	if p == nil || p.lockAcquisitions == nil {
		return
	}
	p.lockAcquisitions.WithLabelValues(outcome).Inc()
	p.lockWait.Observe(wait.Seconds())
}

func (p *PrometheusRecorder) StaleTakeover() {
	if p == nil || p.staleTakeovers == nil {
		return
	}
	p.staleTakeovers.Inc()
}

func (p *PrometheusRecorder) StoreWrite(section string, d time.Duration) {
	if p == nil || p.storeWrites == nil {
		return
	}
	p.storeWrites.WithLabelValues(section).Inc()
	p.writeDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) Retry(op string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(op).Inc()
}

func (p *PrometheusRecorder) RetriesExhausted(op string) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(op).Inc()
}
