package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsTestServer runs a minimal Home Assistant WebSocket endpoint: auth
// handshake, subscribe_events acknowledgment, and one canned
// state_changed event after a subscription arrives.
func wsTestServer(t *testing.T, acceptToken string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]string{"type": "auth_required"}); err != nil {
			return
		}

		var auth struct {
			Type        string `json:"type"`
			AccessToken string `json:"access_token"`
		}
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth.AccessToken != acceptToken {
			conn.WriteJSON(map[string]string{"type": "auth_invalid"})
			return
		}
		if err := conn.WriteJSON(map[string]string{"type": "auth_ok"}); err != nil {
			return
		}

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] != "subscribe_events" {
				continue
			}
			id := int64(msg["id"].(float64))
			conn.WriteJSON(map[string]any{"id": id, "type": "result", "success": true})

			data, _ := json.Marshal(StateChangedData{
				EntityID: "light.kitchen",
				OldState: &State{State: "off"},
				NewState: &State{State: "on"},
			})
			conn.WriteJSON(map[string]any{
				"type": "event",
				"event": map[string]any{
					"event_type": "state_changed",
					"data":       json.RawMessage(data),
				},
			})
		}
	}))
}

func TestWSClient_ConnectAndSubscribe(t *testing.T) {
	srv := wsTestServer(t, "secret-token")
	defer srv.Close()

	client := NewWSClient(srv.URL, "secret-token", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if err := client.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case ev := <-client.Events():
		if ev.Type != "state_changed" {
			t.Fatalf("event type = %q, want state_changed", ev.Type)
		}
		var data StateChangedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("unmarshal event data: %v", err)
		}
		if data.EntityID != "light.kitchen" || data.NewState.State != "on" {
			t.Errorf("unexpected event payload: %+v", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestWSClient_AuthRejected(t *testing.T) {
	srv := wsTestServer(t, "secret-token")
	defer srv.Close()

	client := NewWSClient(srv.URL, "wrong-token", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err == nil {
		client.Close()
		t.Fatal("expected authentication failure")
	}
}
