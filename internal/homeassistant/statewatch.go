package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"sync"
)

// StateWatchHandler is called for each state change that passes the
// entity filter. The handler receives the entity ID, old state string,
// and new state string.
type StateWatchHandler func(entityID, oldState, newState string)

// EntityFilter selects which entity IDs to process using glob patterns.
// An empty filter matches all entities.
type EntityFilter struct {
	patterns []string
	logger   *slog.Logger
}

// NewEntityFilter creates an entity filter from glob patterns. Patterns
// use [path.Match] syntax (e.g., "light.*", "binary_sensor.*door*").
// An empty pattern list means all entities match.
func NewEntityFilter(globs []string, logger *slog.Logger) *EntityFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityFilter{patterns: globs, logger: logger}
}

// Match reports whether the entity ID matches at least one pattern.
// If no patterns are configured, Match always returns true.
func (f *EntityFilter) Match(entityID string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, pat := range f.patterns {
		matched, err := path.Match(pat, entityID)
		if err != nil {
			f.logger.Debug("glob match error", "pattern", pat, "entity_id", entityID, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// StateWatcher reads state_changed events from a Home Assistant
// WebSocket event channel, maintains a cache of the latest state per
// entity, and dispatches filtered changes to an optional handler.
type StateWatcher struct {
	events  <-chan Event
	filter  *EntityFilter
	handler StateWatchHandler
	logger  *slog.Logger

	mu     sync.RWMutex
	latest map[string]string
}

// NewStateWatcher creates a state watcher that consumes events from the
// given channel. A nil filter matches everything; a nil handler means
// the watcher only maintains the cache.
func NewStateWatcher(events <-chan Event, filter *EntityFilter, handler StateWatchHandler, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = NewEntityFilter(nil, logger)
	}
	return &StateWatcher{
		events:  events,
		filter:  filter,
		handler: handler,
		logger:  logger.With("component", "statewatch"),
		latest:  make(map[string]string),
	}
}

// Current returns the most recently observed state for an entity, or
// "" and false when no change has been seen yet.
func (w *StateWatcher) Current(entityID string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.latest[entityID]
	return s, ok
}

// Run reads events from the channel until the context is cancelled or
// the channel is closed. It blocks the calling goroutine.
func (w *StateWatcher) Run(ctx context.Context) {
	w.logger.Info("state watcher started")
	defer w.logger.Info("state watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		}
	}
}

// handleEvent processes a single event from the channel.
func (w *StateWatcher) handleEvent(ev Event) {
	if ev.Type != "state_changed" {
		return
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		w.logger.Debug("failed to unmarshal state_changed data", "error", err)
		return
	}

	// Entity removals carry a nil NewState; drop the cache entry.
	if data.NewState == nil {
		w.mu.Lock()
		delete(w.latest, data.EntityID)
		w.mu.Unlock()
		return
	}

	if !w.filter.Match(data.EntityID) {
		return
	}

	w.mu.Lock()
	w.latest[data.EntityID] = data.NewState.State
	w.mu.Unlock()

	if w.handler == nil {
		return
	}

	oldState := ""
	if data.OldState != nil {
		oldState = data.OldState.State
	}
	w.handler(data.EntityID, oldState, data.NewState.State)
}
