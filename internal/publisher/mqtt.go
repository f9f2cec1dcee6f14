// Package publisher fans accepted measurements out to an MQTT broker.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kjstillabower/co2-monitor/internal/models"
	"github.com/kjstillabower/co2-monitor/internal/observability"
)

// ErrPublishTimeout is returned when the broker does not acknowledge within the publish timeout.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Client is the subset of the paho client used by the publisher.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Config holds broker connection and delivery settings.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	Retained       bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTPublisher publishes each measurement as a JSON document to a single topic.
type MQTTPublisher struct {
	client Client
	cfg    Config
	logger *zap.Logger
}

type payload struct {
	CO2         int     `json:"co2"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   string  `json:"timestamp"`
}

// Connect dials the broker and returns a publisher. The paho client reconnects on its own after a drop.
func Connect(cfg Config, logger *zap.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out after %v", cfg.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return New(client, cfg, logger), nil
}

// New wraps an already connected client.
func New(client Client, cfg Config, logger *zap.Logger) *MQTTPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &MQTTPublisher{client: client, cfg: cfg, logger: logger}
}

// Publish sends m and waits for the broker acknowledgement, the publish timeout or ctx, whichever comes first.
func (p *MQTTPublisher) Publish(ctx context.Context, m models.Measurement) error {
	body, err := encode(m)
	if err != nil {
		observability.MQTTPublishTotal.WithLabelValues("error").Inc()
		return err
	}

	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, p.cfg.Retained, body)
	timer := time.NewTimer(p.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		observability.MQTTPublishTotal.WithLabelValues("timeout").Inc()
		return fmt.Errorf("publish to %s: %w", p.cfg.Topic, ErrPublishTimeout)
	case <-ctx.Done():
		observability.MQTTPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publish to %s: %w", p.cfg.Topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		observability.MQTTPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publish to %s: %w", p.cfg.Topic, err)
	}
	observability.MQTTPublishTotal.WithLabelValues("success").Inc()
	return nil
}

// Close disconnects from the broker, allowing 250ms for in-flight work.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	p.logger.Info("mqtt disconnected", zap.String("broker", p.cfg.Broker))
	return nil
}

func encode(m models.Measurement) ([]byte, error) {
	body, err := json.Marshal(payload{
		CO2:         m.CO2,
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
		Timestamp:   m.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode measurement: %w", err)
	}
	return body, nil
}
