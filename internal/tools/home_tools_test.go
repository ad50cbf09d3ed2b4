package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/wrenware/orla/internal/homeassistant"
)

// mapCache is a StateCache over a fixed entity state map.
type mapCache map[string]string

func (m mapCache) Current(entityID string) (string, bool) {
	s, ok := m[entityID]
	return s, ok
}

// testHomeRegistry serves a single light entity over a fake HA REST API
// and counts state reads.
func testHomeRegistry(t *testing.T, entityState string, states StateCache) (*Registry, *atomic.Int32) {
	t.Helper()

	var reads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/states/"):
			reads.Add(1)
			entityID := strings.TrimPrefix(r.URL.Path, "/api/states/")
			fmt.Fprintf(w, `{"entity_id":%q,"state":%q,"attributes":{"friendly_name":"Kitchen"}}`, entityID, entityState)
		case strings.HasPrefix(r.URL.Path, "/api/services/"):
			fmt.Fprint(w, `{}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	r := NewRegistry(0, nil)
	RegisterHomeTools(r, homeassistant.NewClient(srv.URL, "token"), nil, states)
	return r, &reads
}

func TestHomeGetState(t *testing.T) {
	r, _ := testHomeRegistry(t, "on", nil)

	out, err := r.Execute(context.Background(), "home_get_state", `{"entity_id":"light.kitchen"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "light.kitchen") || !strings.Contains(out, "State: on") {
		t.Errorf("unexpected output: %q", out)
	}
	if !strings.Contains(out, "Kitchen") {
		t.Errorf("expected friendly name, got %q", out)
	}
}

func TestHomeCallServiceVerify_CacheHit(t *testing.T) {
	r, reads := testHomeRegistry(t, "off", mapCache{"light.kitchen": "on"})
	ctx := context.Background()

	args := map[string]any{"domain": "light", "service": "turn_on", "entity_id": "light.kitchen"}
	if err := r.Get("home_call_service").Verify(ctx, args); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	// The cached state matched, so no REST read happened. The REST
	// server still says "off" here; the event stream is fresher.
	if n := reads.Load(); n != 0 {
		t.Errorf("expected 0 state reads, got %d", n)
	}
}

func TestHomeCallServiceVerify_CacheMissFallsBack(t *testing.T) {
	r, reads := testHomeRegistry(t, "on", mapCache{})
	ctx := context.Background()

	args := map[string]any{"domain": "light", "service": "turn_on", "entity_id": "light.kitchen"}
	if err := r.Get("home_call_service").Verify(ctx, args); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n := reads.Load(); n != 1 {
		t.Errorf("expected 1 state read, got %d", n)
	}
}

func TestHomeCallServiceVerify_StaleCacheConsultsREST(t *testing.T) {
	// A cached state that disagrees with the target must not fail the
	// verification by itself; the REST read is authoritative.
	r, reads := testHomeRegistry(t, "on", mapCache{"light.kitchen": "off"})
	ctx := context.Background()

	args := map[string]any{"domain": "light", "service": "turn_on", "entity_id": "light.kitchen"}
	if err := r.Get("home_call_service").Verify(ctx, args); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n := reads.Load(); n != 1 {
		t.Errorf("expected 1 state read, got %d", n)
	}
}

func TestHomeCallServiceVerify_Mismatch(t *testing.T) {
	r, _ := testHomeRegistry(t, "off", nil)
	ctx := context.Background()

	args := map[string]any{"domain": "light", "service": "turn_on", "entity_id": "light.kitchen"}
	err := r.Get("home_call_service").Verify(ctx, args)
	if !errors.Is(err, ErrVerifyMismatch) {
		t.Errorf("expected ErrVerifyMismatch, got %v", err)
	}
}

func TestHomeCallService(t *testing.T) {
	r, _ := testHomeRegistry(t, "on", nil)

	out, err := r.Execute(context.Background(), "home_call_service",
		`{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "light.turn_on") {
		t.Errorf("unexpected output: %q", out)
	}
}
