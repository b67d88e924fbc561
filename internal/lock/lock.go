// Package lock implements advisory, application-level file locking for the
// coordination core. One resource path maps to exactly one logical lock,
// persisted as a side-car record next to the resource. Locks are advisory by
// design (cross-platform simplification over OS file locks): every writer
// must go through the Manager for the exclusion guarantee to hold.
//
// Staleness is judged by heartbeat age against the local clock. Clock skew
// between machines sharing a mounted filesystem can cause false staleness;
// this is a documented limitation, not silently corrected.
package lock

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pipestate/internal/errors"
	"git.home.luguber.info/inful/pipestate/internal/logfields"
)

const (
	lockSuffix    = ".lock"
	releaseSuffix = ".release-request"
)

// TakeoverPolicy controls how a stale lock is replaced.
type TakeoverPolicy string

const (
	// TakeoverCooperative writes a release-request marker next to the stale
	// lock and waits one heartbeat interval for the presumed-dead holder to
	// release before forcing.
	TakeoverCooperative TakeoverPolicy = "cooperative"
	// TakeoverForce replaces a stale lock immediately.
	TakeoverForce TakeoverPolicy = "force"
)

// Record is the persisted lock state for one resource.
type Record struct {
	HolderID      string     `json:"holder_id"`
	AcquiredAt    time.Time  `json:"acquired_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// recorder is the metrics surface the Manager emits to; nil is allowed.
type recorder interface {
	LockAcquired(outcome string, wait time.Duration)
	StaleTakeover()
}

// Options configures a Manager.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AcquireTimeout    time.Duration // default bound when Acquire is called with timeout 0
	RetryAttempts     int           // acquisition attempts within the timeout
	Takeover          TakeoverPolicy
	Clock             clockwork.Clock
	Metrics           recorder
}

// Manager coordinates advisory locks for resources under one base path.
type Manager struct {
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	acquireTimeout    time.Duration
	retryAttempts     int
	takeover          TakeoverPolicy
	clock             clockwork.Clock
	metrics           recorder
}

// NewManager builds a Manager; zero option fields fall back to defaults
// (2s heartbeat interval, 10s heartbeat timeout, 5s acquire timeout,
// 10 attempts, cooperative takeover).
func NewManager(opts Options) *Manager {
	m := &Manager{
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		acquireTimeout:    opts.AcquireTimeout,
		retryAttempts:     opts.RetryAttempts,
		takeover:          opts.Takeover,
		clock:             opts.Clock,
		metrics:           opts.Metrics,
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = 2 * time.Second
	}
	if m.heartbeatTimeout <= 0 {
		m.heartbeatTimeout = 10 * time.Second
	}
	if m.acquireTimeout <= 0 {
		m.acquireTimeout = 5 * time.Second
	}
	if m.retryAttempts <= 0 {
		m.retryAttempts = 10
	}
	if m.takeover == "" {
		m.takeover = TakeoverCooperative
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	return m
}

// LockPath returns the side-car lock record path for a resource.
func LockPath(resource string) string { return resource + lockSuffix }

func releasePath(resource string) string { return resource + releaseSuffix }

// Acquire obtains the exclusive lock for resource on behalf of holderID,
// blocking with bounded exponential backoff plus jitter until granted, the
// timeout elapses, or ctx is cancelled. A timeout of 0 uses the configured
// default. Acquisition is all-or-nothing: an abandoned wait leaves no
// partial record.
func (m *Manager) Acquire(ctx context.Context, resource, holderID string, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = m.acquireTimeout
	}
	start := m.clock.Now()
	deadline := start.Add(timeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0
	bo.Reset()

	w := newReleaseWaiter(LockPath(resource))
	defer w.close()

	for attempt := 1; attempt <= m.retryAttempts; attempt++ {
		created, err := m.tryCreate(resource, holderID)
		if err != nil {
			return nil, err
		}
		if created {
			if m.metrics != nil {
				m.metrics.LockAcquired("granted", m.clock.Since(start))
			}
			return m.newHandle(resource, holderID), nil
		}

		rec, err := m.readRecord(resource)
		if err == nil && rec != nil && m.isStaleRecord(rec) {
			if m.takeoverStale(ctx, resource, holderID, rec) {
				// Lock file removed; retry creation immediately. Another
				// contender may win the re-create, which is fine.
				continue
			}
		}

		if m.clock.Now().After(deadline) {
			break
		}
		delay := bo.NextBackOff()
		if remaining := deadline.Sub(m.clock.Now()); delay > remaining {
			delay = remaining
		}
		select {
		case <-ctx.Done():
			if m.metrics != nil {
				m.metrics.LockAcquired("cancelled", m.clock.Since(start))
			}
			return nil, errors.LockAcquisitionFailed(resource, holderID, ctx.Err())
		case <-w.released():
			// Lock file disappeared; retry immediately.
		case <-m.clock.After(delay):
		}
	}

	if m.metrics != nil {
		m.metrics.LockAcquired("timeout", m.clock.Since(start))
	}
	return nil, errors.LockAcquisitionFailed(resource, holderID, nil).
		WithContext("timeout_ms", timeout.Milliseconds()).
		WithContext("attempts", m.retryAttempts)
}

// tryCreate performs the atomic create-if-absent of the lock record. It never
// overwrites an existing lock. Returns (false, nil) when the lock is held.
func (m *Manager) tryCreate(resource, holderID string) (bool, error) {
	lockPath := LockPath(resource)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return false, errors.IOContention(lockPath, err)
	}
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.IOContention(lockPath, err)
	}
	now := m.clock.Now()
	rec := Record{HolderID: holderID, AcquiredAt: now, LastHeartbeat: now}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		f.Close()
		os.Remove(lockPath)
		return false, errors.Internal("marshal lock record", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(lockPath)
		return false, errors.IOContention(lockPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return false, errors.IOContention(lockPath, err)
	}
	// A previous takeover request no longer applies to the new holder.
	os.Remove(releasePath(resource))
	return true, nil
}

// takeoverStale replaces a stale lock. With the cooperative policy a
// release-request marker is written first and the presumed-dead holder gets
// one heartbeat interval to renew or release. Returns true when the stale
// record was removed.
func (m *Manager) takeoverStale(ctx context.Context, resource, holderID string, stale *Record) bool {
	if m.takeover == TakeoverCooperative {
		marker := releasePath(resource)
		if err := os.WriteFile(marker, []byte(holderID+"\n"), 0o600); err != nil {
			slog.Debug("could not write release request", logfields.Resource(resource), logfields.Error(err))
		}
		select {
		case <-ctx.Done():
			return false
		case <-m.clock.After(m.heartbeatInterval):
		}
		rec, err := m.readRecord(resource)
		if err != nil || rec == nil {
			// Holder released (or record vanished); nothing left to remove.
			return true
		}
		if !m.isStaleRecord(rec) || rec.HolderID != stale.HolderID {
			// Holder woke up and renewed, or the lock changed hands.
			return false
		}
	}
	slog.Warn("taking over stale lock",
		logfields.Resource(resource),
		logfields.Holder(stale.HolderID),
		slog.Time("last_heartbeat", stale.LastHeartbeat))
	if err := os.Remove(LockPath(resource)); err != nil && !os.IsNotExist(err) {
		return false
	}
	if m.metrics != nil {
		m.metrics.StaleTakeover()
	}
	return true
}

// Release removes the lock for resource if holderID currently holds it.
// Release by a non-holder returns a typed not-holder error and leaves the
// lock intact. Releasing an already-released lock succeeds.
func (m *Manager) Release(resource, holderID string) error {
	rec, err := m.readRecord(resource)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if rec.HolderID != holderID {
		return errors.LockNotHolder(resource, holderID, rec.HolderID)
	}
	if err := os.Remove(LockPath(resource)); err != nil && !os.IsNotExist(err) {
		return errors.IOContention(LockPath(resource), err)
	}
	os.Remove(releasePath(resource))
	return nil
}

// ReleaseStale removes the lock record for resource only while it is stale.
// The staleness judgment and the removal use one read of the record, so a
// holder that renewed since an earlier inspection keeps its lock. Returns
// whether a record was removed.
func (m *Manager) ReleaseStale(resource string) (bool, error) {
	rec, err := m.readRecord(resource)
	if err != nil {
		return false, err
	}
	if rec == nil || !m.isStaleRecord(rec) {
		return false, nil
	}
	if err := os.Remove(LockPath(resource)); err != nil && !os.IsNotExist(err) {
		return false, errors.IOContention(LockPath(resource), err)
	}
	os.Remove(releasePath(resource))
	return true, nil
}

// Renew refreshes the heartbeat for a held lock. Renewal failure (record
// deleted externally, or held by someone else) is lock loss and is surfaced
// to the caller.
func (m *Manager) Renew(resource, holderID string) error {
	rec, err := m.readRecord(resource)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.LockLost(resource, holderID, os.ErrNotExist)
	}
	if rec.HolderID != holderID {
		return errors.LockLost(resource, holderID, nil).
			WithContext("current_holder", rec.HolderID)
	}
	rec.LastHeartbeat = m.clock.Now()
	return m.writeRecord(resource, rec)
}

// IsStale reports whether the lock record for resource is stale
// (heartbeat older than the configured timeout). An absent lock is not stale.
func (m *Manager) IsStale(resource string) (bool, error) {
	rec, err := m.readRecord(resource)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return m.isStaleRecord(rec), nil
}

// Inspect returns the current lock record for resource, or nil when unlocked.
func (m *Manager) Inspect(resource string) (*Record, error) {
	return m.readRecord(resource)
}

// ReleaseRequested reports whether a cooperative-release marker exists for
// the resource.
func (m *Manager) ReleaseRequested(resource string) bool {
	_, err := os.Stat(releasePath(resource))
	return err == nil
}

func (m *Manager) isStaleRecord(rec *Record) bool {
	now := m.clock.Now()
	if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
		return true
	}
	return now.Sub(rec.LastHeartbeat) > m.heartbeatTimeout
}

// readRecord loads the lock record; (nil, nil) when no lock exists. A record
// that cannot be parsed is reported as corrupt rather than guessed at.
func (m *Manager) readRecord(resource string) (*Record, error) {
	data, err := os.ReadFile(LockPath(resource))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.IOContention(LockPath(resource), err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.CorruptRecord(LockPath(resource), err)
	}
	return &rec, nil
}

// writeRecord persists the record with temp-file-then-rename so readers never
// observe a half-written lock.
func (m *Manager) writeRecord(resource string, rec *Record) error {
	lockPath := LockPath(resource)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Internal("marshal lock record", err)
	}
	tmp := lockPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.IOContention(tmp, err)
	}
	if err := os.Rename(tmp, lockPath); err != nil {
		return errors.IOContention(lockPath, err)
	}
	return nil
}
