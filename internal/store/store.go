// Package store implements the versioned state store: atomic
// read/modify/write of structured, keyed section records per project, with
// bounded append-only change history.
//
// Every mutation runs under the advisory lock scoped to the section's backing
// file, so read-modify-write cycles from independent processes never
// interleave (pessimistic exclusion, not optimistic CAS). Durability uses
// write-to-temporary-then-atomic-rename; a crash mid-write never exposes a
// half-written record.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pipestate/internal/errors"
	"git.home.luguber.info/inful/pipestate/internal/lock"
	"git.home.luguber.info/inful/pipestate/internal/notify"
)

const (
	projectsDir    = "projects"
	sectionExt     = ".json"
	defaultHistory = 50
)

// HistoryEntry records one committed write to a section.
type HistoryEntry struct {
	Sequence    int64          `json:"sequence"`
	EntryID     string         `json:"entry_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Version     int64          `json:"version"`
	Snapshot    map[string]any `json:"snapshot"`
	Description string         `json:"description,omitempty"`
}

// Document is the persisted record for one section: current value, monotonic
// version, and the bounded history embedded alongside so a single atomic
// rename commits all three together.
type Document struct {
	Value        map[string]any `json:"value"`
	Version      int64          `json:"version"`
	LastSequence int64          `json:"last_sequence"`
	UpdatedAt    time.Time      `json:"updated_at"`
	History      []HistoryEntry `json:"history,omitempty"`
}

// ReadOptions controls ReadSection behavior.
type ReadOptions struct {
	// AllowMissing returns an empty zero-version document instead of a
	// NotFound error when the section (or project) does not exist yet.
	AllowMissing bool
}

// UpdateOptions controls UpdateSection behavior.
type UpdateOptions struct {
	// Merge shallow-merges the patch into the current value; false replaces
	// the value entirely.
	Merge bool
	// Description is recorded on the resulting history entry.
	Description string
}

// recorder is the metrics surface the store emits to; nil is allowed.
type recorder interface {
	StoreWrite(section string, d time.Duration)
}

// Options configures a Store.
type Options struct {
	BasePath    string
	Locks       *lock.Manager
	Bus         *notify.Bus
	Clock       clockwork.Clock
	MaxHistory  int
	LockTimeout time.Duration
	Metrics     recorder
}

// Store is a versioned, lock-serialized section store rooted at one base
// path. Construct one per base path and pass it down; there is no global
// instance.
type Store struct {
	basePath    string
	locks       *lock.Manager
	bus         *notify.Bus
	clock       clockwork.Clock
	holderID    string
	maxHistory  int
	lockTimeout time.Duration
	metrics     recorder
}

// New creates a Store and its on-disk layout under basePath.
func New(opts Options) (*Store, error) {
	if opts.BasePath == "" {
		return nil, errors.ValidationFailed("base_path", "must not be empty")
	}
	if opts.Locks == nil {
		return nil, errors.ValidationFailed("locks", "lock manager is required")
	}
	if err := os.MkdirAll(filepath.Join(opts.BasePath, projectsDir), 0o750); err != nil {
		return nil, errors.IOContention(opts.BasePath, err)
	}
	s := &Store{
		basePath:    opts.BasePath,
		locks:       opts.Locks,
		bus:         opts.Bus,
		clock:       opts.Clock,
		maxHistory:  opts.MaxHistory,
		lockTimeout: opts.LockTimeout,
		metrics:     opts.Metrics,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.maxHistory <= 0 {
		s.maxHistory = defaultHistory
	}
	host, _ := os.Hostname()
	s.holderID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	return s, nil
}

// HolderID returns the lock holder identity this store instance writes under.
func (s *Store) HolderID() string { return s.holderID }

// Bus exposes the in-process change notifier, if one was configured.
func (s *Store) Bus() *notify.Bus { return s.bus }

func (s *Store) projectDir(project string) string {
	return filepath.Join(s.basePath, projectsDir, project)
}

// SectionPath returns the backing file for a section; the same path scopes
// the section's lock.
func (s *Store) SectionPath(project, section string) string {
	return filepath.Join(s.projectDir(project), section+sectionExt)
}

func validName(kind, name string) error {
	if name == "" {
		return errors.ValidationFailed(kind, "must not be empty")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return errors.ValidationFailed(kind, "must not contain path separators")
	}
	return nil
}

// CreateProject creates the per-project namespace. It fails with
// AlreadyExists when the project is present.
func (s *Store) CreateProject(ctx context.Context, project string) error {
	if err := validName("project", project); err != nil {
		return err
	}
	err := os.Mkdir(s.projectDir(project), 0o750)
	if os.IsExist(err) {
		return errors.ProjectAlreadyExists(project)
	}
	if err != nil {
		return errors.IOContention(s.projectDir(project), err)
	}
	return nil
}

// DeleteProject removes a project and all of its sections. It fails with
// NotFound when the project is absent.
func (s *Store) DeleteProject(ctx context.Context, project string) error {
	if err := validName("project", project); err != nil {
		return err
	}
	dir := s.projectDir(project)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errors.ProjectNotFound(project)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.IOContention(dir, err)
	}
	return nil
}

// ProjectExists reports whether the project namespace is present.
func (s *Store) ProjectExists(project string) bool {
	info, err := os.Stat(s.projectDir(project))
	return err == nil && info.IsDir()
}

// ListProjects returns the IDs of all projects under the base path, sorted.
func (s *Store) ListProjects(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.basePath, projectsDir))
	if err != nil {
		return nil, errors.IOContention(s.basePath, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadSection returns the current document for a section. The read is
// lock-free: the atomic-rename write discipline guarantees the visible file
// is always a complete record, though it may be superseded the moment it is
// read. With AllowMissing an absent section yields an empty zero-version
// document instead of NotFound.
func (s *Store) ReadSection(ctx context.Context, project, section string, opts ReadOptions) (*Document, error) {
	if err := validName("project", project); err != nil {
		return nil, err
	}
	if err := validName("section", section); err != nil {
		return nil, err
	}
	doc, err := s.readDocument(project, section)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		if opts.AllowMissing {
			return &Document{Value: map[string]any{}}, nil
		}
		if !s.ProjectExists(project) {
			return nil, errors.ProjectNotFound(project)
		}
		return nil, errors.SectionNotFound(project, section)
	}
	return doc, nil
}

// GetHistory returns the section's retained history entries, oldest first.
func (s *Store) GetHistory(ctx context.Context, project, section string) ([]HistoryEntry, error) {
	doc, err := s.ReadSection(ctx, project, section, ReadOptions{})
	if err != nil {
		return nil, err
	}
	return doc.History, nil
}

// WriteSection replaces the section's value entirely, creating the section on
// first write.
func (s *Store) WriteSection(ctx context.Context, project, section string, value map[string]any) (*Document, error) {
	return s.UpdateSection(ctx, project, section, value, UpdateOptions{Merge: false, Description: "section written"})
}

// UpdateSection applies a patch to the section under the section lock. With
// Merge the patch is shallow-merged into the current value; without it the
// patch replaces the value. The read-modify-write cycle is atomic with
// respect to every other writer sharing the store's base path.
func (s *Store) UpdateSection(ctx context.Context, project, section string, patch map[string]any, opts UpdateOptions) (*Document, error) {
	if err := validName("project", project); err != nil {
		return nil, err
	}
	if err := validName("section", section); err != nil {
		return nil, err
	}
	if !s.ProjectExists(project) {
		return nil, errors.ProjectNotFound(project)
	}

	start := s.clock.Now()
	resource := s.SectionPath(project, section)
	handle, err := s.locks.Acquire(ctx, resource, s.holderID, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	doc, err := s.applyLocked(project, section, patch, opts)
	relErr := handle.Release()
	if err != nil {
		return nil, err
	}
	if relErr != nil {
		return nil, relErr
	}
	if s.metrics != nil {
		s.metrics.StoreWrite(section, s.clock.Since(start))
	}
	if s.bus != nil {
		s.bus.Publish(notify.Event{
			Project:     project,
			Section:     section,
			Version:     doc.Version,
			Description: opts.Description,
			Timestamp:   doc.UpdatedAt,
		})
	}
	return doc, nil
}

// applyLocked performs the read-modify-write cycle. Caller holds the lock.
func (s *Store) applyLocked(project, section string, patch map[string]any, opts UpdateOptions) (*Document, error) {
	doc, err := s.readDocument(project, section)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = &Document{Value: map[string]any{}}
	}

	var value map[string]any
	if opts.Merge {
		value = maps.Clone(doc.Value)
		if value == nil {
			value = map[string]any{}
		}
		maps.Copy(value, patch)
	} else {
		value = maps.Clone(patch)
		if value == nil {
			value = map[string]any{}
		}
	}

	now := s.clock.Now()
	doc.Value = value
	doc.Version++
	doc.LastSequence++
	doc.UpdatedAt = now
	doc.History = append(doc.History, HistoryEntry{
		Sequence:    doc.LastSequence,
		EntryID:     uuid.NewString(),
		Timestamp:   now,
		Version:     doc.Version,
		Snapshot:    maps.Clone(value),
		Description: opts.Description,
	})
	if excess := len(doc.History) - s.maxHistory; excess > 0 {
		doc.History = append([]HistoryEntry(nil), doc.History[excess:]...)
	}

	if err := s.writeDocument(project, section, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) readDocument(project, section string) (*Document, error) {
	path := s.SectionPath(project, section)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.IOContention(path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.CorruptRecord(path, err)
	}
	return &doc, nil
}

func (s *Store) writeDocument(project, section string, doc *Document) error {
	path := s.SectionPath(project, section)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Internal("marshal section document", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return errors.IOContention(tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.IOContention(path, err)
	}
	return nil
}
