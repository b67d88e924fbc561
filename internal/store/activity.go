package store

import (
	"context"
	"os"
	"sort"
	"strings"

	"git.home.luguber.info/inful/pipestate/internal/errors"
)

// ActivityEntry is one history entry annotated with its section, for merged
// recent-activity reporting across a project.
type ActivityEntry struct {
	Section string `json:"section"`
	HistoryEntry
}

// Sections lists the named sections persisted for a project, sorted.
func (s *Store) Sections(ctx context.Context, project string) ([]string, error) {
	if err := validName("project", project); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.projectDir(project))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ProjectNotFound(project)
		}
		return nil, errors.IOContention(s.projectDir(project), err)
	}
	var sections []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, sectionExt) {
			continue
		}
		sections = append(sections, strings.TrimSuffix(name, sectionExt))
	}
	sort.Strings(sections)
	return sections, nil
}

// RecentActivity merges the histories of every section of a project into one
// time-ordered view, newest first, truncated to limit (0 means no limit).
func (s *Store) RecentActivity(ctx context.Context, project string, limit int) ([]ActivityEntry, error) {
	sections, err := s.Sections(ctx, project)
	if err != nil {
		return nil, err
	}
	var merged []ActivityEntry
	for _, section := range sections {
		doc, err := s.readDocument(project, section)
		if err != nil {
			return nil, errors.HistoryFailed(project, section, err)
		}
		if doc == nil {
			continue
		}
		for _, h := range doc.History {
			merged = append(merged, ActivityEntry{Section: section, HistoryEntry: h})
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Timestamp.After(merged[j].Timestamp)
		}
		return merged[i].Sequence > merged[j].Sequence
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
