package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pipestate/internal/errors"
	"git.home.luguber.info/inful/pipestate/internal/logfields"
)

// Attempt records one execution of an operation for later diagnosis.
type Attempt struct {
	Number    int             `json:"number"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Category  errors.Category `json:"category,omitempty"`
	Err       error           `json:"-"`
	ErrText   string          `json:"error,omitempty"`
}

// ExhaustedError is returned when an operation fails after all permitted
// attempts. It preserves the full attempt history (what was tried, order,
// result) so escalation does not require re-derivation.
type ExhaustedError struct {
	Op       string
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, len(e.Attempts), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Remediator is invoked before re-attempting a recoverable failure. Returning
// an error abandons the retry loop.
type Remediator func(ctx context.Context, err error) error

// Executor retries operations according to per-category policies.
type Executor struct {
	policies  map[errors.Category]Policy
	remediate Remediator
	clock     clockwork.Clock

	// Optional metric hooks; nil hooks are skipped.
	OnRetry     func(op string)
	OnExhausted func(op string)
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolicy overrides the policy for one category.
func WithPolicy(category errors.Category, p Policy) Option {
	return func(x *Executor) { x.policies[category] = p }
}

// WithRemediator installs the remediation callback for recoverable failures.
func WithRemediator(r Remediator) Option {
	return func(x *Executor) { x.remediate = r }
}

// WithClock injects a clock, used by tests to avoid real sleeps.
func WithClock(c clockwork.Clock) Option {
	return func(x *Executor) { x.clock = c }
}

// NewExecutor builds an executor with the default per-category policies.
func NewExecutor(opts ...Option) *Executor {
	x := &Executor{
		policies: map[errors.Category]Policy{
			errors.CategoryTransient:   TransientPolicy(),
			errors.CategoryRecoverable: RecoverablePolicy(),
			errors.CategoryFatal:       FatalPolicy(),
		},
		clock: clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// PolicyFor returns the executor's policy for a category.
func (x *Executor) PolicyFor(category errors.Category) Policy {
	if p, ok := x.policies[category]; ok {
		return p
	}
	return PolicyFor(category)
}

// Do runs fn, retrying per the category of each failure. Fatal failures
// propagate unchanged on the first occurrence. When retries are exhausted the
// returned error is an *ExhaustedError wrapping the last failure.
func (x *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var attempts []Attempt
	backoffs := map[errors.Category]backoff.BackOff{}

	for n := 1; ; n++ {
		start := x.clock.Now()
		err := fn(ctx)
		if err == nil {
			return nil
		}

		category := errors.Classify(err)
		attempts = append(attempts, Attempt{
			Number:    n,
			StartedAt: start,
			Duration:  x.clock.Since(start),
			Category:  category,
			Err:       err,
			ErrText:   err.Error(),
		})

		if category == errors.CategoryFatal {
			// Escalate immediately, unchanged.
			return err
		}

		policy := x.PolicyFor(category)
		if n >= policy.MaxAttempts {
			if x.OnExhausted != nil {
				x.OnExhausted(op)
			}
			slog.Warn("retries exhausted",
				slog.String("op", op),
				logfields.Attempt(n),
				logfields.Category(string(category)),
				logfields.Error(err))
			return &ExhaustedError{Op: op, Attempts: attempts, Last: err}
		}

		if category == errors.CategoryRecoverable {
			if x.remediate == nil {
				if x.OnExhausted != nil {
					x.OnExhausted(op)
				}
				return &ExhaustedError{Op: op, Attempts: attempts, Last: err}
			}
			if rerr := x.remediate(ctx, err); rerr != nil {
				if x.OnExhausted != nil {
					x.OnExhausted(op)
				}
				return &ExhaustedError{Op: op, Attempts: attempts, Last: rerr}
			}
		}

		bo, ok := backoffs[category]
		if !ok {
			bo = policy.NewBackOff()
			backoffs[category] = bo
		}

		if x.OnRetry != nil {
			x.OnRetry(op)
		}
		slog.Debug("retrying operation",
			slog.String("op", op),
			logfields.Attempt(n),
			logfields.Category(string(category)),
			logfields.Error(err))

		select {
		case <-ctx.Done():
			return &ExhaustedError{Op: op, Attempts: attempts, Last: ctx.Err()}
		case <-x.clock.After(bo.NextBackOff()):
		}
	}
}
