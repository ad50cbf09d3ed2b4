package homeassistant

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestEntityFilter_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		entityID string
		want     bool
	}{
		{"empty patterns match all", nil, "light.kitchen", true},
		{"exact match", []string{"light.kitchen"}, "light.kitchen", true},
		{"glob star", []string{"light.*"}, "light.hallway", true},
		{"glob star no match", []string{"light.*"}, "switch.garage", false},
		{"wildcard in middle", []string{"binary_sensor.*door*"}, "binary_sensor.front_door", true},
		{"wildcard in middle no match", []string{"binary_sensor.*door*"}, "binary_sensor.motion", false},
		{"multiple patterns first match", []string{"climate.*", "light.*"}, "climate.living_room", true},
		{"multiple patterns second match", []string{"climate.*", "light.*"}, "light.kitchen", true},
		{"multiple patterns no match", []string{"climate.*", "light.*"}, "switch.garage", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewEntityFilter(tt.patterns, nil)
			got := f.Match(tt.entityID)
			if got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.entityID, got, tt.want)
			}
		})
	}
}

func TestStateWatcher_Run(t *testing.T) {
	events := make(chan Event, 10)

	var mu sync.Mutex
	var received []struct {
		entityID, oldState, newState string
	}

	handler := func(entityID, oldState, newState string) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, struct {
			entityID, oldState, newState string
		}{entityID, oldState, newState})
	}

	filter := NewEntityFilter([]string{"light.*"}, nil)
	watcher := NewStateWatcher(events, filter, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	events <- makeStateEvent(t, "light.kitchen", "off", "on")
	// Filtered out.
	events <- makeStateEvent(t, "switch.garage", "off", "on")
	events <- makeStateEvent(t, "light.bedroom", "on", "off")

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 2 {
		t.Fatalf("received %d events, want 2", len(received))
	}

	if received[0].entityID != "light.kitchen" {
		t.Errorf("event 0 entity = %q, want %q", received[0].entityID, "light.kitchen")
	}
	if received[0].oldState != "off" || received[0].newState != "on" {
		t.Errorf("event 0 states = %q/%q, want off/on", received[0].oldState, received[0].newState)
	}

	if received[1].entityID != "light.bedroom" {
		t.Errorf("event 1 entity = %q, want %q", received[1].entityID, "light.bedroom")
	}
}

func TestStateWatcher_CachesLatestState(t *testing.T) {
	events := make(chan Event, 10)
	watcher := NewStateWatcher(events, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	events <- makeStateEvent(t, "light.kitchen", "off", "on")
	events <- makeStateEvent(t, "light.kitchen", "on", "off")

	time.Sleep(50 * time.Millisecond)

	state, ok := watcher.Current("light.kitchen")
	if !ok {
		t.Fatal("expected cached state for light.kitchen")
	}
	if state != "off" {
		t.Errorf("cached state = %q, want off (latest)", state)
	}

	if _, ok := watcher.Current("light.never_seen"); ok {
		t.Error("unexpected cache entry for unseen entity")
	}

	cancel()
	<-done
}

func TestStateWatcher_EntityRemovalClearsCache(t *testing.T) {
	events := make(chan Event, 10)

	called := false
	handler := func(_, _, _ string) { called = true }

	watcher := NewStateWatcher(events, nil, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	events <- makeStateEvent(t, "light.removed", "off", "on")
	time.Sleep(50 * time.Millisecond)
	called = false

	// Removal event: nil NewState.
	data := StateChangedData{
		EntityID: "light.removed",
		OldState: &State{State: "on"},
		NewState: nil,
	}
	raw, _ := json.Marshal(data)
	events <- Event{Type: "state_changed", Data: raw}

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if called {
		t.Error("handler should not be called for entity removal")
	}
	if _, ok := watcher.Current("light.removed"); ok {
		t.Error("removal should clear the cache entry")
	}
}

func TestStateWatcher_NonStateChangedIgnored(t *testing.T) {
	events := make(chan Event, 10)

	called := false
	handler := func(_, _, _ string) { called = true }

	watcher := NewStateWatcher(events, nil, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	events <- Event{Type: "automation_triggered", Data: json.RawMessage(`{}`)}

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if called {
		t.Error("handler should not be called for non-state_changed events")
	}
}

// makeStateEvent creates a state_changed Event for testing.
func makeStateEvent(t *testing.T, entityID, oldState, newState string) Event {
	t.Helper()
	data := StateChangedData{
		EntityID: entityID,
		OldState: &State{State: oldState},
		NewState: &State{State: newState},
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal state data: %v", err)
	}
	return Event{Type: "state_changed", Data: raw}
}
