package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"git.home.luguber.info/inful/pipestate/internal/errors"
	"git.home.luguber.info/inful/pipestate/internal/lock"
	"git.home.luguber.info/inful/pipestate/internal/notify"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return testStoreAt(t, t.TempDir())
}

func testStoreAt(t *testing.T, base string) *Store {
	t.Helper()
	locks := lock.NewManager(lock.Options{
		HeartbeatInterval: time.Hour, // keep heartbeats out of short tests
		HeartbeatTimeout:  2 * time.Hour,
		AcquireTimeout:    5 * time.Second,
		RetryAttempts:     500,
	})
	s, err := New(Options{
		BasePath:   base,
		Locks:      locks,
		Bus:        notify.NewBus(),
		MaxHistory: 5,
	})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

func TestProjectLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateProject(ctx, "001"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.CreateProject(ctx, "001"); !errors.HasCode(err, errors.CodeAlreadyExists) {
		t.Fatalf("duplicate create must fail AlreadyExists, got %v", err)
	}
	if !s.ProjectExists("001") {
		t.Fatal("project should exist after create")
	}
	if err := s.DeleteProject(ctx, "001"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.DeleteProject(ctx, "001"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("delete of absent project must fail NotFound, got %v", err)
	}
}

func TestWriteThenMergeUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.CreateProject(ctx, "001"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.WriteSection(ctx, "001", "info", map[string]any{"a": 1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := s.UpdateSection(ctx, "001", "info", map[string]any{"b": 2}, UpdateOptions{Merge: true}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	doc, err := s.ReadSection(ctx, "001", "info", ReadOptions{})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	// JSON round-trips numbers as float64.
	if doc.Value["a"] != float64(1) || doc.Value["b"] != float64(2) {
		t.Fatalf("expected merged {a:1,b:2}, got %v", doc.Value)
	}
	if doc.Version != 2 {
		t.Fatalf("expected version 2 got %d", doc.Version)
	}
	if len(doc.History) != 2 {
		t.Fatalf("expected 2 history entries got %d", len(doc.History))
	}
}

func TestReplaceUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "001")
	s.WriteSection(ctx, "001", "info", map[string]any{"a": 1, "keep": true})

	doc, err := s.UpdateSection(ctx, "001", "info", map[string]any{"b": 2}, UpdateOptions{Merge: false})
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if len(doc.Value) != 1 || doc.Value["b"] != 2 {
		t.Fatalf("replace must yield exactly the patch, got %v", doc.Value)
	}
}

func TestReadMissing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "001")

	if _, err := s.ReadSection(ctx, "001", "info", ReadOptions{}); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("missing section must fail NotFound, got %v", err)
	}
	if _, err := s.ReadSection(ctx, "nope", "info", ReadOptions{}); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("missing project must fail NotFound, got %v", err)
	}
	doc, err := s.ReadSection(ctx, "001", "info", ReadOptions{AllowMissing: true})
	if err != nil {
		t.Fatalf("allow-missing read failed: %v", err)
	}
	if doc.Version != 0 || len(doc.Value) != 0 {
		t.Fatalf("allow-missing must yield empty zero-version doc, got %+v", doc)
	}
}

func TestWriteToMissingProject(t *testing.T) {
	s := testStore(t)
	_, err := s.WriteSection(context.Background(), "ghost", "info", map[string]any{"a": 1})
	if !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("write to missing project must fail NotFound, got %v", err)
	}
}

func TestNameValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, bad := range []string{"", "a/b", `a\b`, "..", "."} {
		if err := s.CreateProject(ctx, bad); !errors.HasCode(err, errors.CodeValidationFailed) {
			t.Errorf("project %q: expected validation failure, got %v", bad, err)
		}
	}
	s.CreateProject(ctx, "001")
	if _, err := s.WriteSection(ctx, "001", "../escape", nil); !errors.HasCode(err, errors.CodeValidationFailed) {
		t.Fatalf("section traversal must fail validation, got %v", err)
	}
}

func TestHistoryBoundEvictsOldest(t *testing.T) {
	s := testStore(t) // maxHistory = 5
	ctx := context.Background()
	s.CreateProject(ctx, "001")

	for i := 0; i < 8; i++ {
		if _, err := s.UpdateSection(ctx, "001", "info", map[string]any{"i": i}, UpdateOptions{Merge: true}); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	hist, err := s.GetHistory(ctx, "001", "info")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(hist) != 5 {
		t.Fatalf("expected history capped at 5, got %d", len(hist))
	}
	// Oldest evicted first: retained entries are versions 4..8 in order.
	for i, h := range hist {
		if h.Version != int64(i+4) {
			t.Fatalf("entry %d: expected version %d got %d", i, i+4, h.Version)
		}
		if h.Sequence != h.Version {
			t.Fatalf("sequence %d diverged from version %d", h.Sequence, h.Version)
		}
		if h.EntryID == "" {
			t.Fatal("history entry missing id")
		}
	}
	doc, _ := s.ReadSection(ctx, "001", "info", ReadOptions{})
	if doc.Version != 8 {
		t.Fatalf("version must keep increasing past eviction, got %d", doc.Version)
	}
}

// TestConcurrentWritersTotalOrder: N concurrent writers to one section; the
// final version equals the count of successful writes and no payload is lost
// from the retained history window.
func TestConcurrentWritersTotalOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "001")

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.UpdateSection(ctx, "001", "counts", map[string]any{string(rune('a' + i)): i}, UpdateOptions{Merge: true}); err != nil {
				t.Errorf("writer %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	doc, err := s.ReadSection(ctx, "001", "counts", ReadOptions{})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if doc.Version != writers {
		t.Fatalf("expected version %d (one per successful write), got %d", writers, doc.Version)
	}
	if len(doc.Value) != writers {
		t.Fatalf("lost a merged key under concurrency: %v", doc.Value)
	}
	if len(doc.History) != 5 { // min(writers, maxHistory)
		t.Fatalf("expected min(N,maxHistory)=5 history entries, got %d", len(doc.History))
	}
}

// TestIndependentStoresSameBasePath simulates two processes coordinating via
// the shared filesystem: both stores see each other's writes and versions
// stay totally ordered.
func TestIndependentStoresSameBasePath(t *testing.T) {
	base := t.TempDir()
	s1 := testStoreAt(t, base)
	s2 := testStoreAt(t, base)
	ctx := context.Background()

	if err := s1.CreateProject(ctx, "001"); err != nil {
		t.Fatal(err)
	}
	s1.WriteSection(ctx, "001", "info", map[string]any{"from": "s1"})
	doc, err := s2.ReadSection(ctx, "001", "info", ReadOptions{})
	if err != nil || doc.Value["from"] != "s1" {
		t.Fatalf("second store did not observe first store's write: %v %v", doc, err)
	}
	doc2, err := s2.UpdateSection(ctx, "001", "info", map[string]any{"from2": "s2"}, UpdateOptions{Merge: true})
	if err != nil {
		t.Fatalf("cross-store update failed: %v", err)
	}
	if doc2.Version != 2 {
		t.Fatalf("expected version 2 across stores, got %d", doc2.Version)
	}
}

func TestWritePublishesEvent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "001")

	var got []notify.Event
	sub, err := s.Bus().Subscribe("001", "info", func(e notify.Event) { got = append(got, e) })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	s.WriteSection(ctx, "001", "info", map[string]any{"a": 1})
	if len(got) != 1 || got[0].Version != 1 {
		t.Fatalf("expected one event at version 1, got %+v", got)
	}
}

func TestCorruptSectionRecord(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "001")
	s.WriteSection(ctx, "001", "info", map[string]any{"a": 1})

	if err := os.WriteFile(s.SectionPath("001", "info"), []byte("{broken"), 0o640); err != nil {
		t.Fatal(err)
	}
	_, err := s.ReadSection(ctx, "001", "info", ReadOptions{})
	if !errors.HasCode(err, errors.CodeCorruptRecord) {
		t.Fatalf("expected corrupt-record error, got %v", err)
	}
	if errors.Classify(err) != errors.CategoryFatal {
		t.Fatal("corrupt record must classify fatal")
	}
}

func TestRecentActivityMergesSections(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.CreateProject(ctx, "001")

	s.WriteSection(ctx, "001", "info", map[string]any{"a": 1})
	s.UpdateSection(ctx, "001", "progress", map[string]any{"state": "collecting"}, UpdateOptions{Merge: true, Description: "initialized"})
	s.UpdateSection(ctx, "001", "info", map[string]any{"b": 2}, UpdateOptions{Merge: true, Description: "enriched"})

	activity, err := s.RecentActivity(ctx, "001", 2)
	if err != nil {
		t.Fatalf("activity failed: %v", err)
	}
	if len(activity) != 2 {
		t.Fatalf("expected limit 2, got %d", len(activity))
	}
	if activity[0].Section != "info" || activity[0].Description != "enriched" {
		t.Fatalf("newest entry wrong: %+v", activity[0])
	}

	sections, err := s.Sections(ctx, "001")
	if err != nil {
		t.Fatal(err)
	}
	if len(sections) != 2 || sections[0] != "info" || sections[1] != "progress" {
		t.Fatalf("unexpected sections: %v", sections)
	}
}
