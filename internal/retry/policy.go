// Package retry drives backoff for operations against the coordination core.
// Policies are keyed by error category: transient failures retry at a higher
// ceiling, recoverable failures retry after remediation at a lower ceiling,
// fatal failures never retry.
package retry

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"git.home.luguber.info/inful/pipestate/internal/errors"
)

// BackoffMode enumerates supported backoff strategies.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Policy encapsulates retry/backoff settings for one error category.
// It is immutable after construction.
type Policy struct {
	Mode        BackoffMode   // fixed|linear|exponential
	Initial     time.Duration // base delay
	Max         time.Duration // cap for growth
	MaxAttempts int           // total attempts including the first
	Jitter      float64       // randomization factor in [0,1)
}

// TransientPolicy returns the default policy for transient failures
// (exponential, 100ms initial, 5s cap, 5 attempts, 0.5 jitter).
func TransientPolicy() Policy {
	return Policy{Mode: BackoffExponential, Initial: 100 * time.Millisecond, Max: 5 * time.Second, MaxAttempts: 5, Jitter: 0.5}
}

// RecoverablePolicy returns the default policy for recoverable failures
// (linear, 500ms initial, 2s cap, 2 attempts).
func RecoverablePolicy() Policy {
	return Policy{Mode: BackoffLinear, Initial: 500 * time.Millisecond, Max: 2 * time.Second, MaxAttempts: 2}
}

// FatalPolicy never retries.
func FatalPolicy() Policy {
	return Policy{Mode: BackoffFixed, Initial: 0, Max: 0, MaxAttempts: 1}
}

// PolicyFor returns the default policy for an error category.
func PolicyFor(category errors.Category) Policy {
	switch category {
	case errors.CategoryTransient:
		return TransientPolicy()
	case errors.CategoryRecoverable:
		return RecoverablePolicy()
	default:
		return FatalPolicy()
	}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall
// back to the transient defaults.
func NewPolicy(mode BackoffMode, initial, maxDelay time.Duration, maxAttempts int, jitter float64) Policy {
	p := TransientPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if jitter >= 0 && jitter < 1 {
		p.Jitter = jitter
	}
	switch mode {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >=1")
	}
	if p.MaxAttempts > 1 && p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max < p.Initial {
		return fmt.Errorf("max must be >= initial")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0,1)")
	}
	return nil
}

// NewBackOff materializes the policy as a backoff.BackOff. Exponential mode
// delegates to cenkalti/backoff with the policy's jitter as randomization
// factor; fixed and linear modes apply jitter symmetrically around the delay.
func (p Policy) NewBackOff() backoff.BackOff {
	switch p.Mode {
	case BackoffFixed:
		if p.Jitter > 0 {
			return &steppedBackOff{initial: p.Initial, max: p.Initial, jitter: p.Jitter}
		}
		return backoff.NewConstantBackOff(p.Initial)
	case BackoffLinear:
		return &steppedBackOff{initial: p.Initial, max: p.Max, jitter: p.Jitter, linear: true}
	default:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.Initial
		b.MaxInterval = p.Max
		b.RandomizationFactor = p.Jitter
		b.Multiplier = 2
		b.MaxElapsedTime = 0 // attempt budget is enforced by the executor
		b.Reset()
		return b
	}
}

// steppedBackOff grows the delay by Initial each step (or not at all for
// fixed mode), capped at max, with optional symmetric jitter.
type steppedBackOff struct {
	initial time.Duration
	max     time.Duration
	jitter  float64
	linear  bool
	step    int
}

func (s *steppedBackOff) Reset() { s.step = 0 }

func (s *steppedBackOff) NextBackOff() time.Duration {
	s.step++
	d := s.initial
	if s.linear {
		d = time.Duration(s.step) * s.initial
	}
	if d > s.max {
		d = s.max
	}
	if s.jitter > 0 {
		delta := s.jitter * float64(d)
		d = time.Duration(float64(d) - delta + rand.Float64()*2*delta)
	}
	return d
}
