package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/itohio/godepo/pkg/config"
	"github.com/itohio/godepo/pkg/supervisor"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second
	// quiesce is how long Disconnect waits for in-flight work, in milliseconds.
	quiesce = 250
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt timeout")

// Publisher sends run status to an external observer.
type Publisher interface {
	Publish(status supervisor.Status) error
	Close() error
}

var (
	_ Publisher = (*MQTT)(nil)
	_ Publisher = Nop{}
)

// Nop discards every status. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(supervisor.Status) error { return nil }
func (Nop) Close() error                    { return nil }

// client is the part of paho.Client used here.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// MQTT publishes JSON status messages to one topic.
type MQTT struct {
	c     client
	topic string
	log   *slog.Logger
}

// New returns an MQTT publisher for cfg, or Nop when cfg.Broker is empty.
func New(cfg config.MQTTConfig, logger *slog.Logger) (Publisher, error) {
	if cfg.Broker == "" {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("broker", cfg.Broker, "topic", cfg.Topic)

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", "err", err)
		})

	c := paho.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Broker, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Broker, err)
	}
	logger.Info("mqtt connected")

	return newMQTT(c, cfg.Topic, logger), nil
}

func newMQTT(c client, topic string, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MQTT{c: c, topic: topic, log: logger}
}

// Publish sends status as JSON with QoS 0.
func (m *MQTT) Publish(status supervisor.Status) error {
	payload, err := Payload(status)
	if err != nil {
		return err
	}

	token := m.c.Publish(m.topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("failed to publish status: %w", ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.c.Disconnect(quiesce)
	m.log.Info("mqtt disconnected")
	return nil
}

// Payload encodes a status message.
func Payload(status supervisor.Status) ([]byte, error) {
	payload, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status: %w", err)
	}
	return payload, nil
}
