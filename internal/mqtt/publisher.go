// Package mqtt publishes device commands to an MQTT broker. It backs
// the direct device-control tool for devices not reachable through
// Home Assistant.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/wrenware/orla/internal/config"
)

// Publisher manages the MQTT connection and publishes commands. The
// connection is maintained in the background by autopaho; publishes
// issued while disconnected wait for the next (re-)connect.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to establish the connection.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker. It returns once the connection
// manager is running; autopaho keeps retrying in the background if the
// broker is unreachable. An availability message marks the publisher
// online, with a matching will for unclean disconnects.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.topic("availability")

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.BrokerURL)
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   availTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				p.logger.Warn("mqtt availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "orla-" + strings.ReplaceAll(p.cfg.TopicPrefix, "/", "-"),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.topic("availability"),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt offline publish failed", "error", err)
	}
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// topic joins the configured prefix with a suffix.
func (p *Publisher) topic(suffix string) string {
	prefix := strings.TrimSuffix(p.cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "orla"
	}
	return prefix + "/" + suffix
}

// PublishCommand publishes a raw command payload to a device topic
// under the configured prefix. QoS 1 so commands survive a broker
// round trip.
func (p *Publisher) PublishCommand(ctx context.Context, deviceTopic string, payload []byte) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	topic := p.topic(strings.TrimPrefix(deviceTopic, "/"))
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("mqtt command published", "topic", topic, "bytes", len(payload))
	return nil
}

// PublishJSON marshals the command and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, deviceTopic string, command any) error {
	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("marshal mqtt command: %w", err)
	}
	return p.PublishCommand(ctx, deviceTopic, payload)
}
