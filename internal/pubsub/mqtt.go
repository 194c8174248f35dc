package pubsub

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pdsno/pdsno/internal/envelope"
)

// Topic layout shared by all controllers.
const (
	TopicPrefix = "pdsno"
)

// DiscoveryTopic is where a local controller publishes its delta reports.
func DiscoveryTopic(region, lcID string) string {
	return fmt.Sprintf("%s/discovery/%s/%s", TopicPrefix, region, lcID)
}

// DiscoveryPattern is what a regional controller subscribes to.
func DiscoveryPattern(region string) string {
	return fmt.Sprintf("%s/discovery/%s/+", TopicPrefix, region)
}

// PolicyTopic carries regional policy fan-out.
func PolicyTopic(region string) string {
	return fmt.Sprintf("%s/policy/%s", TopicPrefix, region)
}

// EventsPattern is the broadcast audit channel.
const EventsPattern = TopicPrefix + "/events/#"

// MQTTConfig configures a broker bridge.
type MQTTConfig struct {
	Logger         *slog.Logger
	ControllerID   string
	BrokerURL      string
	ConnectTimeout time.Duration
	// QoS 1 is the operating assumption: at-least-once, handlers
	// idempotent by message id.
	QoS byte
}

func (cfg *MQTTConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ControllerID == "" {
		return errors.New("controller id is required")
	}
	if cfg.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	return nil
}

// MQTTBridge publishes and subscribes envelopes over an MQTT broker using
// the same topic grammar as the in-process bus.
type MQTTBridge struct {
	log    *slog.Logger
	cfg    MQTTConfig
	client mqtt.Client
}

func NewMQTTBridge(cfg MQTTConfig) (*MQTTBridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ControllerID).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	return &MQTTBridge{
		log:    cfg.Logger.With("broker", cfg.BrokerURL),
		cfg:    cfg,
		client: mqtt.NewClient(opts),
	}, nil
}

func (m *MQTTBridge) Connect() error {
	tok := m.client.Connect()
	if !tok.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("connect to mqtt broker %s: timeout", m.cfg.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", m.cfg.BrokerURL, err)
	}
	m.log.Info("connected to mqtt broker", "client_id", m.cfg.ControllerID)
	return nil
}

func (m *MQTTBridge) Disconnect() {
	m.client.Disconnect(250)
}

func (m *MQTTBridge) Connected() bool {
	return m.client.IsConnected()
}

// Publish sends an envelope to a topic at the bridge's QoS.
func (m *MQTTBridge) Publish(topic string, env *envelope.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	tok := m.client.Publish(topic, m.cfg.QoS, false, body)
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for pattern. Decode failures and handler
// panics are logged and contained.
func (m *MQTTBridge) Subscribe(pattern string, handler Handler) error {
	if err := validatePattern(pattern); err != nil {
		return err
	}
	tok := m.client.Subscribe(pattern, m.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		env, err := envelope.Unmarshal(msg.Payload())
		if err != nil {
			m.log.Warn("dropping undecodable mqtt message", "topic", msg.Topic(), "error", err)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("mqtt handler panicked", "topic", msg.Topic(), "panic", r)
			}
		}()
		handler(msg.Topic(), env)
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", pattern, err)
	}
	m.log.Info("subscribed", "pattern", pattern)
	return nil
}
