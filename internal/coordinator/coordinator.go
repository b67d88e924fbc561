// Package coordinator assembles the coordination core into one
// dependency-injected handle consumed by stage processors. Collaborators must
// never write the backing files directly; every access goes through this
// handle so the locking, versioning and history invariants hold.
//
// There is deliberately no package-level singleton: construct one Coordinator
// per base path and pass it down, so independent instances (and tests) never
// share hidden state.
package coordinator

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pipestate/internal/config"
	"git.home.luguber.info/inful/pipestate/internal/errors"
	"git.home.luguber.info/inful/pipestate/internal/janitor"
	"git.home.luguber.info/inful/pipestate/internal/lock"
	"git.home.luguber.info/inful/pipestate/internal/machine"
	"git.home.luguber.info/inful/pipestate/internal/metrics"
	"git.home.luguber.info/inful/pipestate/internal/notify"
	"git.home.luguber.info/inful/pipestate/internal/retry"
	"git.home.luguber.info/inful/pipestate/internal/store"
)

// Coordinator is the collaborator-facing handle over the coordination core.
type Coordinator struct {
	cfg     *config.Config
	locks   *lock.Manager
	store   *store.Store
	engine  *machine.Engine
	bus     *notify.Bus
	exec    *retry.Executor
	sweeper *janitor.Sweeper
	clock   clockwork.Clock
}

// Option customizes construction.
type Option func(*options)

type options struct {
	clock     clockwork.Clock
	recorder  metrics.Recorder
	remediate retry.Remediator
}

// WithClock injects a clock for tests.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics installs a metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithRemediator installs the callback run before re-attempting recoverable
// failures.
func WithRemediator(r retry.Remediator) Option {
	return func(o *options) { o.remediate = r }
}

// New wires the core components from configuration.
func New(cfg *config.Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.ValidationFailed("config", err.Error())
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	locks := lock.NewManager(lock.Options{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		AcquireTimeout:    cfg.LockTimeout(),
		RetryAttempts:     cfg.Lock.RetryAttempts,
		Takeover:          lock.TakeoverPolicy(cfg.Lock.Takeover),
		Clock:             o.clock,
		Metrics:           o.recorder,
	})
	bus := notify.NewBus()
	st, err := store.New(store.Options{
		BasePath:    cfg.BasePath,
		Locks:       locks,
		Bus:         bus,
		Clock:       o.clock,
		MaxHistory:  cfg.Store.MaxHistoryEntries,
		LockTimeout: cfg.LockTimeout(),
		Metrics:     o.recorder,
	})
	if err != nil {
		return nil, err
	}

	execOpts := []retry.Option{
		retry.WithClock(o.clock),
		retry.WithPolicy(errors.CategoryTransient, cfg.TransientPolicy()),
		retry.WithPolicy(errors.CategoryRecoverable, cfg.RecoverablePolicy()),
	}
	if o.remediate != nil {
		execOpts = append(execOpts, retry.WithRemediator(o.remediate))
	}
	exec := retry.NewExecutor(execOpts...)
	if o.recorder != nil {
		exec.OnRetry = o.recorder.Retry
		exec.OnExhausted = o.recorder.RetriesExhausted
	}

	return &Coordinator{
		cfg:     cfg,
		locks:   locks,
		store:   st,
		engine:  machine.NewEngine(st),
		bus:     bus,
		exec:    exec,
		sweeper: janitor.New(cfg.BasePath, locks),
		clock:   o.clock,
	}, nil
}

// Store exposes the underlying versioned store (read-oriented helpers).
func (c *Coordinator) Store() *store.Store { return c.store }

// Locks exposes the lock manager for inspection tooling.
func (c *Coordinator) Locks() *lock.Manager { return c.locks }

// Sweeper exposes the stale-lock janitor.
func (c *Coordinator) Sweeper() *janitor.Sweeper { return c.sweeper }

// InitializeProject creates a project in its initial pipeline state.
// It fails with AlreadyExists when the project is present.
func (c *Coordinator) InitializeProject(ctx context.Context, id, name string, initialState machine.State) (*machine.Summary, error) {
	var summary *machine.Summary
	err := c.exec.Do(ctx, "project.initialize", func(ctx context.Context) error {
		var err error
		summary, err = c.engine.InitializeProject(ctx, id, name, initialState)
		return err
	})
	return summary, err
}

// DeleteProject removes a project. It fails with NotFound when absent.
func (c *Coordinator) DeleteProject(ctx context.Context, id string) error {
	return c.store.DeleteProject(ctx, id)
}

// ReadSection returns a section's current document. The read is lock-free
// and may be superseded immediately; see store.Store.ReadSection.
func (c *Coordinator) ReadSection(ctx context.Context, project, section string, opts store.ReadOptions) (*store.Document, error) {
	return c.store.ReadSection(ctx, project, section, opts)
}

// WriteSection replaces a section's value. Transient failures (lock
// contention) retry transparently per policy before becoming visible.
func (c *Coordinator) WriteSection(ctx context.Context, project, section string, value map[string]any) (*store.Document, error) {
	var doc *store.Document
	err := c.exec.Do(ctx, "store.write", func(ctx context.Context) error {
		var err error
		doc, err = c.store.WriteSection(ctx, project, section, value)
		return err
	})
	return doc, err
}

// UpdateSection patches a section's value, shallow-merging by default.
func (c *Coordinator) UpdateSection(ctx context.Context, project, section string, patch map[string]any, opts store.UpdateOptions) (*store.Document, error) {
	var doc *store.Document
	err := c.exec.Do(ctx, "store.update", func(ctx context.Context) error {
		var err error
		doc, err = c.store.UpdateSection(ctx, project, section, patch, opts)
		return err
	})
	return doc, err
}

// GetHistory returns a section's retained history, oldest first.
func (c *Coordinator) GetHistory(ctx context.Context, project, section string) ([]store.HistoryEntry, error) {
	return c.store.GetHistory(ctx, project, section)
}

// Transition moves a project along one edge of the pipeline graph.
func (c *Coordinator) Transition(ctx context.Context, project string, target machine.State) (*machine.TransitionResult, error) {
	var res *machine.TransitionResult
	err := c.exec.Do(ctx, "machine.transition", func(ctx context.Context) error {
		var err error
		res, err = c.engine.Transition(ctx, project, target)
		return err
	})
	return res, err
}

// CurrentState returns a project's current pipeline state.
func (c *Coordinator) CurrentState(ctx context.Context, project string) (machine.State, error) {
	return c.engine.CurrentState(ctx, project)
}

// ValidTransitions returns the edges leaving a state.
func (c *Coordinator) ValidTransitions(s machine.State) []machine.State {
	return machine.ValidTransitions(s)
}

// Watch subscribes onEvent to writes within one project; an empty section
// watches every section. Delivery is in-process only: observers in other
// processes must poll section versions.
func (c *Coordinator) Watch(project, section string, onEvent notify.Handler) (*notify.Subscription, error) {
	return c.bus.Subscribe(project, section, onEvent)
}

// ListProjects returns all project IDs under the base path.
func (c *Coordinator) ListProjects(ctx context.Context) ([]string, error) {
	return c.store.ListProjects(ctx)
}

// Summary reports a project's state, progress and version.
func (c *Coordinator) Summary(ctx context.Context, project string) (*machine.Summary, error) {
	return c.engine.Summary(ctx, project)
}

// RecentActivity merges section histories into one newest-first feed.
func (c *Coordinator) RecentActivity(ctx context.Context, project string, limit int) ([]store.ActivityEntry, error) {
	return c.store.RecentActivity(ctx, project, limit)
}

// SweepLocks runs one stale-lock sweep and returns the number removed.
func (c *Coordinator) SweepLocks(ctx context.Context) (int, error) {
	return c.sweeper.Sweep(ctx)
}

// Close shuts down background work (the janitor when started).
func (c *Coordinator) Close() error {
	return c.sweeper.Shutdown()
}

// PollVersion reads a section's version without taking the lock; the
// cross-process analogue of Watch.
func (c *Coordinator) PollVersion(ctx context.Context, project, section string) (int64, error) {
	doc, err := c.store.ReadSection(ctx, project, section, store.ReadOptions{AllowMissing: true})
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// WaitForVersion polls until the section's version reaches at least target,
// the timeout elapses, or ctx is cancelled. Used by cross-process observers.
// Giving up is an explicit transient-classified timeout, never silent success.
func (c *Coordinator) WaitForVersion(ctx context.Context, project, section string, target int64, timeout time.Duration) (int64, error) {
	deadline := c.clock.Now().Add(timeout)
	for {
		v, err := c.PollVersion(ctx, project, section)
		if err != nil {
			return 0, err
		}
		if v >= target {
			return v, nil
		}
		if c.clock.Now().After(deadline) {
			return v, errors.WaitTimeout(project, section, target)
		}
		select {
		case <-ctx.Done():
			return v, errors.WatchFailed(project, ctx.Err())
		case <-c.clock.After(50 * time.Millisecond):
		}
	}
}
