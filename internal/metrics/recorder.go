// Package metrics defines the recorder surface the coordination core emits
// to, with a Prometheus-backed implementation.
package metrics

import (
	"time"
)

// Recorder receives coordination-core measurements. Implementations must be
// safe for concurrent use; a nil *PrometheusRecorder is a valid no-op.
type Recorder interface {
	LockAcquired(outcome string, wait time.Duration)
	StaleTakeover()
	StoreWrite(section string, d time.Duration)
	Retry(op string)
	RetriesExhausted(op string)
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) LockAcquired(string, time.Duration) {}
func (Noop) StaleTakeover()                     {}
func (Noop) StoreWrite(string, time.Duration)   {}
func (Noop) Retry(string)                       {}
func (Noop) RetriesExhausted(string)            {}
