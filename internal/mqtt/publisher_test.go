package mqtt

import (
	"context"
	"testing"

	"github.com/wrenware/orla/internal/config"
)

func TestTopic(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		suffix string
		want   string
	}{
		{"default prefix", "", "availability", "orla/availability"},
		{"configured prefix", "home/orla", "availability", "home/orla/availability"},
		{"trailing slash trimmed", "home/orla/", "cmd/light", "home/orla/cmd/light"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(config.MQTTConfig{TopicPrefix: tt.prefix}, nil)
			if got := p.topic(tt.suffix); got != tt.want {
				t.Errorf("topic(%q) = %q, want %q", tt.suffix, got, tt.want)
			}
		})
	}
}

func TestPublishCommand_NotStarted(t *testing.T) {
	p := New(config.MQTTConfig{}, nil)
	if err := p.PublishCommand(context.Background(), "cmd/light", []byte("on")); err == nil {
		t.Error("expected error before Start")
	}
}

func TestPublishJSON_MarshalError(t *testing.T) {
	p := New(config.MQTTConfig{}, nil)
	// Channels cannot be marshaled; the error must surface before any
	// broker interaction.
	err := p.PublishJSON(context.Background(), "cmd/light", map[string]any{"ch": make(chan int)})
	if err == nil {
		t.Error("expected marshal error")
	}
}

func TestStop_NotStarted(t *testing.T) {
	p := New(config.MQTTConfig{}, nil)
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start should be a no-op, got %v", err)
	}
}

func TestStart_BadBrokerURL(t *testing.T) {
	p := New(config.MQTTConfig{BrokerURL: "://not-a-url"}, nil)
	if err := p.Start(context.Background()); err == nil {
		t.Error("expected error for unparseable broker URL")
	}
}
