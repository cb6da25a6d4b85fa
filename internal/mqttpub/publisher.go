// Package mqttpub mirrors the live status feed to an MQTT broker.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/status"
)

// Client is the subset of mqtt.Client the publisher uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher publishes every snapshot it receives as one JSON document on
// the configured topic. Per-device documents go to <topic>/<device>.
type Publisher struct {
	client  Client
	cfg     config.MQTTConfig
	logger  zerolog.Logger
	timeout time.Duration
}

// AvailabilityTopic carries "online" while the gateway is connected. The
// broker publishes "offline" as the last will.
func AvailabilityTopic(topic string) string { return topic + "/availability" }

// New builds a paho client from cfg. It does not connect.
func New(cfg config.MQTTConfig, logger zerolog.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker address is required")
	}
	logger = logger.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetWill(AvailabilityTopic(cfg.Topic), "offline", cfg.QoS, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info().Msg("mqtt connected")
		c.Publish(AvailabilityTopic(cfg.Topic), cfg.QoS, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt connection lost")
	})
	return NewWithClient(mqtt.NewClient(opts), cfg, logger), nil
}

func NewWithClient(client Client, cfg config.MQTTConfig, logger zerolog.Logger) *Publisher {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{client: client, cfg: cfg, logger: logger, timeout: timeout}
}

// Connect waits up to the configured connect timeout for the first session.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt: connect %s: timed out after %s", p.cfg.Broker, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", p.cfg.Broker, err)
	}
	return nil
}

// Run publishes snapshots from sub until ctx is done or sub is closed.
// Publish failures are logged and the next snapshot is tried.
func (p *Publisher) Run(ctx context.Context, sub *status.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := p.Publish(snap); err != nil {
				p.logger.Error().Err(err).Str("topic", p.cfg.Topic).Msg("mqtt: publish failed")
			}
		}
	}
}

// Publish sends snap to the status topic and each device to its own
// retained topic.
func (p *Publisher) Publish(snap status.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := p.send(p.cfg.Topic, p.cfg.Retain, payload); err != nil {
		return err
	}
	var errs []error
	for name, st := range snap {
		b, err := json.Marshal(st)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, p.send(p.cfg.Topic+"/"+name, true, b))
	}
	return errors.Join(errs...)
}

func (p *Publisher) send(topic string, retain bool, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, retain, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close marks the gateway offline and disconnects.
func (p *Publisher) Close() {
	token := p.client.Publish(AvailabilityTopic(p.cfg.Topic), p.cfg.QoS, true, "offline")
	token.WaitTimeout(time.Second)
	p.client.Disconnect(250)
}
