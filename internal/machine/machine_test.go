package machine

import (
	"context"
	"testing"
	"time"

	"git.home.luguber.info/inful/pipestate/internal/errors"
	"git.home.luguber.info/inful/pipestate/internal/lock"
	"git.home.luguber.info/inful/pipestate/internal/notify"
	"git.home.luguber.info/inful/pipestate/internal/store"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	locks := lock.NewManager(lock.Options{
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  2 * time.Hour,
		AcquireTimeout:    5 * time.Second,
		RetryAttempts:     500,
	})
	s, err := store.New(store.Options{
		BasePath: t.TempDir(),
		Locks:    locks,
		Bus:      notify.NewBus(),
	})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return NewEngine(s)
}

func TestGraphShape(t *testing.T) {
	if !CanTransition(StateCollecting, StateClarifying) {
		t.Error("collecting -> clarifying must be legal")
	}
	if CanTransition(StateCollecting, StateMerged) {
		t.Error("collecting -> merged must be illegal")
	}
	for _, s := range []State{StateCollecting, StateClarifying, StateDrafting, StateReviewing, StateImplementing} {
		if !CanTransition(s, StateCancelled) {
			t.Errorf("%s -> cancelled must be legal", s)
		}
		if IsTerminal(s) {
			t.Errorf("%s must not be terminal", s)
		}
	}
	for _, s := range []State{StateMerged, StateCancelled} {
		if !IsTerminal(s) {
			t.Errorf("%s must be terminal", s)
		}
		if len(ValidTransitions(s)) != 0 {
			t.Errorf("terminal %s has outgoing edges", s)
		}
	}
	if Known(State("shipped")) {
		t.Error("unknown state reported as known")
	}
}

func TestProgressPercent(t *testing.T) {
	cases := []struct {
		state State
		want  int
	}{
		{StateCollecting, 0},
		{StateClarifying, 20},
		{StateDrafting, 40},
		{StateReviewing, 60},
		{StateImplementing, 80},
		{StateMerged, 100},
		{StateCancelled, 0},
	}
	for _, c := range cases {
		if got := ProgressPercent(c.state); got != c.want {
			t.Errorf("%s: expected %d%% got %d%%", c.state, c.want, got)
		}
	}
}

// TestPipelineScenario walks the documented scenario: initialize "001" in
// collecting, step to clarifying, reject a jump to merged, cancel, then
// reject everything out of cancelled.
func TestPipelineScenario(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	summary, err := e.InitializeProject(ctx, "001", "payment pipeline", "")
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if summary.State != StateCollecting || summary.ProgressPercent != 0 {
		t.Fatalf("unexpected initial summary: %+v", summary)
	}

	res, err := e.Transition(ctx, "001", StateClarifying)
	if err != nil {
		t.Fatalf("collecting -> clarifying failed: %v", err)
	}
	if res.PreviousState != StateCollecting || res.NewState != StateClarifying {
		t.Fatalf("unexpected transition result: %+v", res)
	}

	_, err = e.Transition(ctx, "001", StateMerged)
	if !errors.HasCode(err, errors.CodeInvalidTransition) {
		t.Fatalf("clarifying -> merged must fail InvalidTransition, got %v", err)
	}
	if cur, _ := e.CurrentState(ctx, "001"); cur != StateClarifying {
		t.Fatalf("failed transition must leave state unchanged, got %s", cur)
	}

	if _, err := e.Transition(ctx, "001", StateCancelled); err != nil {
		t.Fatalf("clarifying -> cancelled failed: %v", err)
	}
	for _, target := range []State{StateCollecting, StateClarifying, StateMerged, StateCancelled} {
		if _, err := e.Transition(ctx, "001", target); !errors.HasCode(err, errors.CodeInvalidTransition) {
			t.Fatalf("cancelled -> %s must fail InvalidTransition, got %v", target, err)
		}
	}
}

func TestInitializeDuplicate(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	if _, err := e.InitializeProject(ctx, "001", "x", ""); err != nil {
		t.Fatal(err)
	}
	_, err := e.InitializeProject(ctx, "001", "x", "")
	if !errors.HasCode(err, errors.CodeAlreadyExists) {
		t.Fatalf("duplicate initialize must fail AlreadyExists, got %v", err)
	}
}

func TestInitializeWithExplicitState(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	summary, err := e.InitializeProject(ctx, "002", "x", StateDrafting)
	if err != nil {
		t.Fatal(err)
	}
	if summary.State != StateDrafting || summary.ProgressPercent != 40 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if _, err := e.InitializeProject(ctx, "003", "x", State("bogus")); !errors.HasCode(err, errors.CodeValidationFailed) {
		t.Fatalf("bogus initial state must fail validation, got %v", err)
	}
}

func TestTransitionMissingProject(t *testing.T) {
	e := testEngine(t)
	_, err := e.Transition(context.Background(), "ghost", StateClarifying)
	if !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("missing project must fail NotFound, got %v", err)
	}
	_, err = e.Transition(context.Background(), "ghost", State("bogus"))
	if !errors.HasCode(err, errors.CodeValidationFailed) {
		t.Fatalf("unknown target must fail validation, got %v", err)
	}
}

// TestTransitionHistoryDescription verifies the committed history entry is
// usable for recent-activity reporting.
func TestTransitionHistoryDescription(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	e.InitializeProject(ctx, "001", "x", "")
	e.Transition(ctx, "001", StateClarifying)

	hist, err := e.store.GetHistory(ctx, "001", ProgressSection)
	if err != nil {
		t.Fatal(err)
	}
	last := hist[len(hist)-1]
	if last.Description != "transitioned from collecting to clarifying" {
		t.Fatalf("unexpected description %q", last.Description)
	}
	if last.Snapshot["state"] != "clarifying" {
		t.Fatalf("snapshot missing new state: %v", last.Snapshot)
	}
}

func TestCorruptProgressRecord(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	e.InitializeProject(ctx, "001", "x", "")
	if _, err := e.store.UpdateSection(ctx, "001", ProgressSection,
		map[string]any{"state": "warped"}, store.UpdateOptions{Merge: true}); err != nil {
		t.Fatal(err)
	}
	_, err := e.CurrentState(ctx, "001")
	if !errors.HasCode(err, errors.CodeCorruptRecord) {
		t.Fatalf("out-of-set state must report corrupt record, got %v", err)
	}
}
