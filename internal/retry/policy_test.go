package retry

import (
	"context"
	"testing"
	"time"

	"git.home.luguber.info/inful/pipestate/internal/errors"
)

// TestDefaultPolicies verifies the baseline values per category.
func TestDefaultPolicies(t *testing.T) {
	tr := PolicyFor(errors.CategoryTransient)
	if tr.Mode != BackoffExponential {
		t.Fatalf("expected exponential transient mode got %s", tr.Mode)
	}
	if tr.MaxAttempts != 5 {
		t.Fatalf("expected transient ceiling 5 got %d", tr.MaxAttempts)
	}
	rec := PolicyFor(errors.CategoryRecoverable)
	if rec.MaxAttempts >= tr.MaxAttempts {
		t.Fatalf("recoverable ceiling (%d) must be below transient (%d)", rec.MaxAttempts, tr.MaxAttempts)
	}
	if PolicyFor(errors.CategoryFatal).MaxAttempts != 1 {
		t.Fatal("fatal policy must never retry")
	}
}

// TestNewPolicyOverrides checks override precedence and clamping when initial > max.
func TestNewPolicyOverrides(t *testing.T) {
	p := NewPolicy(BackoffFixed, 5*time.Second, 2*time.Second, 7, 0)
	if p.Initial != 2*time.Second {
		t.Fatalf("expected clamped initial 2s got %v", p.Initial)
	}
	if p.Mode != BackoffFixed {
		t.Fatalf("expected fixed mode got %s", p.Mode)
	}
	if p.MaxAttempts != 7 {
		t.Fatalf("expected 7 attempts got %d", p.MaxAttempts)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("clamped policy should validate: %v", err)
	}
}

// TestBackOffGrowth ensures fixed stays flat, linear grows by steps, and both
// respect the cap. Jitter is zeroed so delays are deterministic.
func TestBackOffGrowth(t *testing.T) {
	fixed := NewPolicy(BackoffFixed, 100*time.Millisecond, 500*time.Millisecond, 3, 0).NewBackOff()
	for i := 0; i < 3; i++ {
		if d := fixed.NextBackOff(); d != 100*time.Millisecond {
			t.Fatalf("fixed step %d expected 100ms got %v", i, d)
		}
	}

	linear := NewPolicy(BackoffLinear, 100*time.Millisecond, 250*time.Millisecond, 5, 0).NewBackOff()
	wants := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}
	for i, want := range wants {
		if got := linear.NextBackOff(); got != want {
			t.Fatalf("linear step %d expected %v got %v", i, want, got)
		}
	}
}

// TestExponentialJitterBounds: with jitter j, every delay must stay within
// [d*(1-j), d*(1+j)] of the nominal exponential progression, capped at Max.
func TestExponentialJitterBounds(t *testing.T) {
	p := NewPolicy(BackoffExponential, 100*time.Millisecond, time.Second, 5, 0.5)
	bo := p.NewBackOff()
	nominal := p.Initial
	for i := 0; i < 6; i++ {
		d := bo.NextBackOff()
		lo := time.Duration(float64(nominal) * (1 - p.Jitter))
		hi := time.Duration(float64(nominal)*(1+p.Jitter)) + time.Millisecond
		if d < lo || d > hi {
			t.Fatalf("step %d delay %v outside [%v,%v]", i, d, lo, hi)
		}
		nominal *= 2
		if nominal > p.Max {
			nominal = p.Max
		}
	}
}

func TestValidate(t *testing.T) {
	bad := Policy{Mode: BackoffLinear, Initial: 0, Max: time.Second, MaxAttempts: 3}
	if bad.Validate() == nil {
		t.Fatal("zero initial with retries should fail validation")
	}
	if (Policy{MaxAttempts: 0}).Validate() == nil {
		t.Fatal("zero attempts should fail validation")
	}
	if err := FatalPolicy().Validate(); err != nil {
		t.Fatalf("fatal policy should validate: %v", err)
	}
}

// transientErr fabricates a transient failure for executor tests.
func transientErr() error {
	return errors.LockAcquisitionFailed("projects/001/info.json.lock", "h1", nil)
}

func TestExecutorRetriesTransientToCeiling(t *testing.T) {
	calls := 0
	x := NewExecutor(WithPolicy(errors.CategoryTransient,
		Policy{Mode: BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 4}))
	retried := 0
	x.OnRetry = func(string) { retried++ }

	err := x.Do(context.Background(), "store.write", func(context.Context) error {
		calls++
		return transientErr()
	})

	if calls != 4 {
		t.Fatalf("expected 4 attempts got %d", calls)
	}
	if retried != 3 {
		t.Fatalf("expected 3 retries got %d", retried)
	}
	var ex *ExhaustedError
	if !asExhausted(err, &ex) {
		t.Fatalf("expected ExhaustedError got %T: %v", err, err)
	}
	if len(ex.Attempts) != 4 {
		t.Fatalf("attempt history incomplete: %d entries", len(ex.Attempts))
	}
	for i, a := range ex.Attempts {
		if a.Number != i+1 || a.Category != errors.CategoryTransient || a.ErrText == "" {
			t.Fatalf("attempt %d malformed: %+v", i, a)
		}
	}
	// The exhausted wrapper still classifies as the underlying failure.
	if !errors.HasCode(err, errors.CodeLockAcquisitionFailed) {
		t.Fatal("exhausted error should unwrap to the last failure")
	}
}

func TestExecutorFatalNeverRetries(t *testing.T) {
	calls := 0
	x := NewExecutor()
	fatal := errors.InvalidTransition("001", "collecting", "merged")
	err := x.Do(context.Background(), "machine.transition", func(context.Context) error {
		calls++
		return fatal
	})
	if calls != 1 {
		t.Fatalf("fatal error retried: %d calls", calls)
	}
	if err != fatal {
		t.Fatalf("fatal error must propagate unchanged, got %v", err)
	}
}

func TestExecutorRecoverableRemediation(t *testing.T) {
	calls, remediations := 0, 0
	x := NewExecutor(
		WithPolicy(errors.CategoryRecoverable,
			Policy{Mode: BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}),
		WithRemediator(func(ctx context.Context, err error) error {
			remediations++
			return nil
		}))

	err := x.Do(context.Background(), "stage.process", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.RemediationRequired("missing workspace", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after remediation, got %v", err)
	}
	if remediations != 2 {
		t.Fatalf("expected 2 remediation attempts got %d", remediations)
	}
}

func TestExecutorRecoverableWithoutRemediatorEscalates(t *testing.T) {
	x := NewExecutor(WithPolicy(errors.CategoryRecoverable,
		Policy{Mode: BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}))
	calls := 0
	err := x.Do(context.Background(), "stage.process", func(context.Context) error {
		calls++
		return errors.RemediationRequired("missing workspace", nil)
	})
	if calls != 1 {
		t.Fatalf("recoverable without remediator should not retry, got %d calls", calls)
	}
	var ex *ExhaustedError
	if !asExhausted(err, &ex) {
		t.Fatalf("expected ExhaustedError got %v", err)
	}
}

func TestExecutorContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	x := NewExecutor(WithPolicy(errors.CategoryTransient,
		Policy{Mode: BackoffFixed, Initial: time.Hour, Max: time.Hour, MaxAttempts: 5}))
	done := make(chan error, 1)
	go func() {
		done <- x.Do(ctx, "store.write", func(context.Context) error { return transientErr() })
	}()
	cancel()
	select {
	case err := <-done:
		var ex *ExhaustedError
		if !asExhausted(err, &ex) {
			t.Fatalf("expected ExhaustedError on cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not observe cancellation")
	}
}

func asExhausted(err error, target **ExhaustedError) bool {
	for err != nil {
		if e, ok := err.(*ExhaustedError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
