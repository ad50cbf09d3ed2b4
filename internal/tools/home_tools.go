package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/wrenware/orla/internal/homeassistant"
	"github.com/wrenware/orla/internal/mqtt"
)

// StateCache answers entity state lookups from the websocket event
// stream, saving a REST round trip when the cached state already
// matches. The homeassistant.StateWatcher satisfies it.
type StateCache interface {
	Current(entityID string) (string, bool)
}

// RegisterHomeTools adds the smart-home tools to the registry: entity
// state reads and service calls through Home Assistant, plus direct
// MQTT device commands for devices outside HA. publisher may be nil
// when MQTT is not configured; states may be nil when no websocket
// watcher is running.
func RegisterHomeTools(r *Registry, ha *homeassistant.Client, publisher *mqtt.Publisher, states StateCache) {
	r.Register(&Tool{
		Name:        "home_get_state",
		Description: "Get the current state of a Home Assistant entity. Use this to check if lights are on, doors are open, temperatures, etc.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The entity ID (e.g., light.living_room, sensor.temperature)",
				},
			},
			"required": []string{"entity_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			state, err := ha.GetState(ctx, args["entity_id"].(string))
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "Entity: %s\nState: %s\n", state.EntityID, state.State)
			if name, ok := state.Attributes["friendly_name"].(string); ok {
				fmt.Fprintf(&sb, "Name: %s\n", name)
			}
			if unit, ok := state.Attributes["unit_of_measurement"].(string); ok {
				fmt.Fprintf(&sb, "Unit: %s\n", unit)
			}
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "home_list_entities",
		Description: "List entities in a Home Assistant domain (e.g., all lights). Use this to discover what's available.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "The domain to list (e.g., light, switch, sensor, climate)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of entities to return (default 20)",
				},
			},
			"required": []string{"domain"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			domain := args["domain"].(string)
			limit := 20
			if l, ok := args["limit"].(float64); ok {
				limit = int(l)
			}

			entities, err := ha.GetEntities(ctx, domain)
			if err != nil {
				return "", err
			}
			if len(entities) == 0 {
				return fmt.Sprintf("No entities found in domain %q", domain), nil
			}
			if len(entities) > limit {
				entities = entities[:limit]
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d %s entities:\n", len(entities), domain)
			for _, e := range entities {
				name := e.EntityID
				if e.FriendlyName != "" {
					name = fmt.Sprintf("%s (%s)", e.EntityID, e.FriendlyName)
				}
				fmt.Fprintf(&sb, "- %s: %s\n", name, e.State)
			}
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "home_call_service",
		Description: "Call a Home Assistant service to control devices. Examples: turn on lights, set thermostat temperature, lock doors.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "The service domain (e.g., light, switch, climate, lock)",
				},
				"service": map[string]any{
					"type":        "string",
					"description": "The service to call (e.g., turn_on, turn_off, set_temperature)",
				},
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The target entity ID",
				},
				"data": map[string]any{
					"type":        "object",
					"description": "Additional service data (e.g., brightness, temperature)",
				},
			},
			"required": []string{"domain", "service", "entity_id"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			domain := args["domain"].(string)
			service := args["service"].(string)
			entityID := args["entity_id"].(string)

			data := map[string]any{"entity_id": entityID}
			if extra, ok := args["data"].(map[string]any); ok {
				for k, v := range extra {
					data[k] = v
				}
			}

			if err := ha.CallService(ctx, domain, service, data); err != nil {
				return "", err
			}
			return fmt.Sprintf("Called %s.%s on %s", domain, service, entityID), nil
		},
		Verify: func(ctx context.Context, args map[string]any) error {
			// Only on/off services map to an observable target state.
			service := args["service"].(string)
			var want string
			switch service {
			case "turn_on":
				want = "on"
			case "turn_off":
				want = "off"
			default:
				return nil
			}
			entityID := args["entity_id"].(string)
			// The watcher sees the state_changed event before a REST
			// read would; a matching cached state settles it. A miss or
			// stale mismatch falls through to the authoritative read.
			if states != nil {
				if got, ok := states.Current(entityID); ok && got == want {
					return nil
				}
			}
			state, err := ha.GetState(ctx, entityID)
			if err != nil {
				return err
			}
			if state.State != want {
				return fmt.Errorf("%w: entity %s is %q, expected %q",
					ErrVerifyMismatch, state.EntityID, state.State, want)
			}
			return nil
		},
	})

	if publisher == nil {
		return
	}

	r.Register(&Tool{
		Name:        "home_mqtt_command",
		Description: "Publish a raw command to an MQTT device topic, for devices not exposed through Home Assistant.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic": map[string]any{
					"type":        "string",
					"description": "Device topic relative to the configured prefix (e.g., cmd/desklamp)",
				},
				"payload": map[string]any{
					"type":        "string",
					"description": "Command payload",
				},
			},
			"required": []string{"topic", "payload"},
		},
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			topic := args["topic"].(string)
			payload := args["payload"].(string)
			if err := publisher.PublishCommand(ctx, topic, []byte(payload)); err != nil {
				return "", err
			}
			return fmt.Sprintf("Published %d bytes to %s", len(payload), topic), nil
		},
	})
}
