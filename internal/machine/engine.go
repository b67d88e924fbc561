package machine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/pipestate/internal/errors"
	"git.home.luguber.info/inful/pipestate/internal/logfields"
	"git.home.luguber.info/inful/pipestate/internal/store"
)

// Summary describes a project after initialization or inspection.
type Summary struct {
	ProjectID       string    `json:"project_id"`
	Name            string    `json:"name"`
	State           State     `json:"state"`
	ProgressPercent int       `json:"progress_percent"`
	StateVersion    int64     `json:"state_version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TransitionResult reports a successful transition.
type TransitionResult struct {
	ProjectID     string `json:"project_id"`
	PreviousState State  `json:"previous_state"`
	NewState      State  `json:"new_state"`
}

// Engine executes graph-validated state transitions against the store.
type Engine struct {
	store *store.Store
}

// NewEngine wires the engine to its backing store.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s}
}

// InitializeProject creates the project namespace and seeds the info and
// progress sections. It fails with AlreadyExists when the project is present.
// An empty initialState starts at the first canonical stage.
func (e *Engine) InitializeProject(ctx context.Context, id, name string, initialState State) (*Summary, error) {
	if initialState == "" {
		initialState = stageOrder[0]
	}
	if !Known(initialState) {
		return nil, errors.ValidationFailed("initial_state", fmt.Sprintf("unknown state %q", initialState))
	}
	if err := e.store.CreateProject(ctx, id); err != nil {
		return nil, err
	}
	if _, err := e.store.WriteSection(ctx, id, "info", map[string]any{
		"id":   id,
		"name": name,
	}); err != nil {
		return nil, err
	}
	doc, err := e.store.UpdateSection(ctx, id, ProgressSection, map[string]any{
		"state":            string(initialState),
		"progress_percent": ProgressPercent(initialState),
	}, store.UpdateOptions{Merge: true, Description: fmt.Sprintf("initialized in state %s", initialState)})
	if err != nil {
		return nil, err
	}
	slog.Info("project initialized",
		logfields.Project(id),
		logfields.State(string(initialState)))
	return &Summary{
		ProjectID:       id,
		Name:            name,
		State:           initialState,
		ProgressPercent: ProgressPercent(initialState),
		StateVersion:    doc.Version,
		UpdatedAt:       doc.UpdatedAt,
	}, nil
}

// CurrentState reads the project's current pipeline state from the progress
// section.
func (e *Engine) CurrentState(ctx context.Context, projectID string) (State, error) {
	doc, err := e.store.ReadSection(ctx, projectID, ProgressSection, store.ReadOptions{})
	if err != nil {
		return "", err
	}
	return stateOf(projectID, doc)
}

// Transition moves the project to targetState when the graph permits the
// edge. The new state is committed with one UpdateSection call so the change
// lands in the progress history for activity reporting. An edge absent from
// the graph fails InvalidTransition and leaves state unchanged.
func (e *Engine) Transition(ctx context.Context, projectID string, targetState State) (*TransitionResult, error) {
	if !Known(targetState) {
		return nil, errors.ValidationFailed("target_state", fmt.Sprintf("unknown state %q", targetState))
	}
	doc, err := e.store.ReadSection(ctx, projectID, ProgressSection, store.ReadOptions{})
	if err != nil {
		return nil, err
	}
	current, err := stateOf(projectID, doc)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current, targetState) {
		return nil, errors.InvalidTransition(projectID, string(current), string(targetState))
	}
	if _, err := e.store.UpdateSection(ctx, projectID, ProgressSection, map[string]any{
		"state":            string(targetState),
		"progress_percent": ProgressPercent(targetState),
	}, store.UpdateOptions{
		Merge:       true,
		Description: fmt.Sprintf("transitioned from %s to %s", current, targetState),
	}); err != nil {
		return nil, err
	}
	slog.Info("state transition",
		logfields.Project(projectID),
		logfields.State(string(current)),
		logfields.Target(string(targetState)))
	return &TransitionResult{ProjectID: projectID, PreviousState: current, NewState: targetState}, nil
}

// Summary returns the project's current state, progress and version.
func (e *Engine) Summary(ctx context.Context, projectID string) (*Summary, error) {
	doc, err := e.store.ReadSection(ctx, projectID, ProgressSection, store.ReadOptions{})
	if err != nil {
		return nil, err
	}
	current, err := stateOf(projectID, doc)
	if err != nil {
		return nil, err
	}
	name := ""
	if info, err := e.store.ReadSection(ctx, projectID, "info", store.ReadOptions{AllowMissing: true}); err == nil {
		if n, ok := info.Value["name"].(string); ok {
			name = n
		}
	}
	return &Summary{
		ProjectID:       projectID,
		Name:            name,
		State:           current,
		ProgressPercent: ProgressPercent(current),
		StateVersion:    doc.Version,
		UpdatedAt:       doc.UpdatedAt,
	}, nil
}

// stateOf extracts and validates the state field of a progress document. A
// progress record carrying a state outside the enumerated set is corrupt.
func stateOf(projectID string, doc *store.Document) (State, error) {
	raw, ok := doc.Value["state"].(string)
	if !ok {
		return "", errors.CorruptRecord(projectID+"/"+ProgressSection,
			fmt.Errorf("progress record has no state field"))
	}
	s := State(raw)
	if !Known(s) {
		return "", errors.CorruptRecord(projectID+"/"+ProgressSection,
			fmt.Errorf("state %q is outside the enumerated set", raw))
	}
	return s, nil
}
