// Package notify provides best-effort, in-process pub/sub over state store
// writes. Delivery is strictly per-process: cross-process observers must poll
// section versions instead. A distributed event bus is deliberately absent.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/pipestate/internal/errors"
	"git.home.luguber.info/inful/pipestate/internal/logfields"
)

// Event describes one committed section write.
type Event struct {
	Project     string    `json:"project"`
	Section     string    `json:"section"`
	Version     int64     `json:"version"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Handler processes an Event. Handlers run synchronously on the publishing
// goroutine; a panicking handler is recovered and logged, never propagated.
type Handler func(Event)

type subscriberKey struct {
	project string
	section string // empty matches every section of the project
}

// Bus is a synchronous in-process observer list keyed by (project, section).
type Bus struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[subscriberKey]map[int]Handler
}

func NewBus() *Bus {
	return &Bus{subscribers: map[subscriberKey]map[int]Handler{}}
}

// Subscription identifies one registered handler.
type Subscription struct {
	bus *Bus
	key subscriberKey
	id  int
}

// Cancel removes the handler; it is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if hs, ok := s.bus.subscribers[s.key]; ok {
		delete(hs, s.id)
		if len(hs) == 0 {
			delete(s.bus.subscribers, s.key)
		}
	}
}

// Subscribe registers a handler for writes to one project. An empty section
// subscribes to every section of the project.
func (b *Bus) Subscribe(project, section string, h Handler) (*Subscription, error) {
	if project == "" {
		return nil, errors.WatchFailed(project, nil).WithContext("reason", "empty project id")
	}
	if h == nil {
		return nil, errors.WatchFailed(project, nil).WithContext("reason", "nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := subscriberKey{project: project, section: section}
	if b.subscribers[key] == nil {
		b.subscribers[key] = map[int]Handler{}
	}
	b.nextID++
	b.subscribers[key][b.nextID] = h
	return &Subscription{bus: b, key: key, id: b.nextID}, nil
}

// Publish fans an event out to the project's section and wildcard
// subscribers. Delivery is best-effort: a failing handler never blocks the
// write path that triggered it.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	var handlers []Handler
	keys := []subscriberKey{{project: e.Project, section: e.Section}}
	if e.Section != "" {
		keys = append(keys, subscriberKey{project: e.Project})
	}
	for _, key := range keys {
		for _, h := range b.subscribers[key] {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("watch handler panicked",
				logfields.Project(e.Project),
				logfields.Section(e.Section),
				slog.Any("panic", r))
		}
	}()
	h(e)
}
