package lock

import (
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/pipestate/internal/errors"
	"git.home.luguber.info/inful/pipestate/internal/logfields"
)

// Handle represents a granted lock. While held, a background loop renews the
// heartbeat every heartbeat interval. Renewal failure is surfaced on Lost()
// rather than silently ignored: after a loss signal the holder no longer owns
// the resource and must stop mutating it.
type Handle struct {
	m        *Manager
	resource string
	holderID string

	lost             chan error
	releaseRequested chan struct{}
	stop             chan struct{}
	done             chan struct{}
	stopOnce         sync.Once
}

func (m *Manager) newHandle(resource, holderID string) *Handle {
	h := &Handle{
		m:                m,
		resource:         resource,
		holderID:         holderID,
		lost:             make(chan error, 1),
		releaseRequested: make(chan struct{}, 1),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

// Resource returns the locked resource path.
func (h *Handle) Resource() string { return h.resource }

// HolderID returns the holder identity the lock was granted to.
func (h *Handle) HolderID() string { return h.holderID }

// Lost delivers at most one error when the lock is lost while held
// (record deleted externally or taken over after missed heartbeats).
func (h *Handle) Lost() <-chan error { return h.lost }

// ReleaseRequested signals that a contender asked this holder to release
// cooperatively. The holder decides whether to comply.
func (h *Handle) ReleaseRequested() <-chan struct{} { return h.releaseRequested }

// Release stops the heartbeat loop and removes the lock record. Release after
// a loss is a no-op that returns nil: the record is already gone or owned by
// someone else, and the loss was already surfaced on Lost().
func (h *Handle) Release() error {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	select {
	case <-h.lost:
		return nil
	default:
	}
	return h.m.Release(h.resource, h.holderID)
}

func (h *Handle) heartbeatLoop() {
	defer close(h.done)
	ticker := h.m.clock.NewTicker(h.m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.Chan():
			if err := h.m.Renew(h.resource, h.holderID); err != nil {
				if errors.HasCode(err, errors.CodeLockLost) {
					slog.Warn("lock lost while held",
						logfields.Resource(h.resource),
						logfields.Holder(h.holderID),
						logfields.Error(err))
					h.lost <- err
					return
				}
				// Transient renewal failure; the next tick retries. The lock
				// only counts as lost once staleness could have set in.
				slog.Debug("heartbeat renewal failed",
					logfields.Resource(h.resource),
					logfields.Holder(h.holderID),
					logfields.Error(err))
			}
			if h.m.ReleaseRequested(h.resource) {
				select {
				case h.releaseRequested <- struct{}{}:
				default:
				}
			}
		}
	}
}
