// Package janitor sweeps abandoned lock records out of the base path.
// Crashed holders stop heartbeating; their locks age out and any contender
// can take them over, but until one shows up the stale records linger. The
// sweeper removes them proactively so lock listings stay meaningful.
package janitor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/pipestate/internal/lock"
	"git.home.luguber.info/inful/pipestate/internal/logfields"
)

// Sweeper scans a base path for stale lock records.
type Sweeper struct {
	basePath  string
	locks     *lock.Manager
	scheduler gocron.Scheduler
}

// New creates a sweeper over basePath using the manager's staleness rules.
func New(basePath string, locks *lock.Manager) *Sweeper {
	return &Sweeper{basePath: basePath, locks: locks}
}

// Sweep removes every stale lock record under the base path and returns the
// number removed. Fresh locks and unreadable records are left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, ".lock") {
			return nil
		}
		resource := strings.TrimSuffix(path, ".lock")
		rec, err := s.locks.Inspect(resource)
		if err != nil {
			slog.Warn("skipping unreadable lock record",
				logfields.Resource(resource), logfields.Error(err))
			return nil
		}
		if rec == nil {
			return nil
		}
		// Removal re-judges staleness on its own read of the record, so a
		// holder renewing between this inspection and the removal is spared.
		ok, rmErr := s.locks.ReleaseStale(resource)
		if rmErr != nil {
			slog.Warn("could not remove stale lock",
				logfields.Resource(resource), logfields.Error(rmErr))
			return nil
		}
		if !ok {
			return nil
		}
		slog.Info("removed stale lock",
			logfields.Resource(resource),
			logfields.Holder(rec.HolderID),
			slog.Time("last_heartbeat", rec.LastHeartbeat))
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep %s: %w", s.basePath, err)
	}
	return removed, nil
}

// Start schedules periodic sweeps at the given interval. Stop with Shutdown.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if n, err := s.Sweep(ctx); err != nil {
				slog.Error("lock sweep failed", logfields.Error(err))
			} else if n > 0 {
				slog.Info("lock sweep complete", slog.Int("removed", n))
			}
		}),
		gocron.WithName("stale-lock-sweep"),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep job: %w", err)
	}
	s.scheduler = scheduler
	scheduler.Start()
	slog.Info("janitor started", slog.Duration("interval", interval))
	return nil
}

// Shutdown stops the periodic sweeps.
func (s *Sweeper) Shutdown() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

// ListLocks returns the live lock records under the base path, keyed by
// resource, with per-record staleness.
func (s *Sweeper) ListLocks(ctx context.Context) (map[string]LockInfo, error) {
	out := map[string]LockInfo{}
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".lock") {
			return nil
		}
		resource := strings.TrimSuffix(path, ".lock")
		rec, err := s.locks.Inspect(resource)
		if err != nil || rec == nil {
			return nil
		}
		stale, _ := s.locks.IsStale(resource)
		out[resource] = LockInfo{Record: *rec, Stale: stale}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list locks under %s: %w", s.basePath, err)
	}
	return out, nil
}

// LockInfo pairs a lock record with its staleness at inspection time.
type LockInfo struct {
	Record lock.Record `json:"record"`
	Stale  bool        `json:"stale"`
}
