package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	logx "medremind/pkg/logx"
)

// MQTTConfig configures the MQTT sender. Contacts are topics, joined to
// TopicPrefix when set.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// publisher is the subset of mqtt.Client the sender needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTT publishes reminders to a broker, for bedside devices and home hubs.
type MQTT struct {
	cfg    MQTTConfig
	client publisher
	log    logx.Logger
}

type mqttPayload struct {
	Contact string    `json:"contact"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

func NewMQTT(cfg MQTTConfig, log logx.Logger) (*MQTT, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "medremind"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("sender", "mqtt"))

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.Timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", logx.Err(err))
	})

	client := mqtt.NewClient(opts)
	// With ConnectRetry the token completes only once connected; do not block startup on it.
	tok := client.Connect()
	if tok.WaitTimeout(cfg.Timeout) && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	return newMQTT(cfg, client, log), nil
}

func newMQTT(cfg MQTTConfig, client publisher, log logx.Logger) *MQTT {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &MQTT{cfg: cfg, client: client, log: log}
}

func (m *MQTT) topic(contact string) string {
	p := strings.Trim(m.cfg.TopicPrefix, "/")
	c := strings.Trim(contact, "/")
	if p == "" {
		return c
	}
	return p + "/" + c
}

func (m *MQTT) Send(ctx context.Context, contact, message string) error {
	topic := m.topic(contact)
	if topic == "" || strings.ContainsAny(topic, "#+") {
		return Permanent(fmt.Errorf("invalid mqtt topic %q", topic))
	}
	if !m.client.IsConnected() {
		return Transient(errors.New("mqtt client not connected"))
	}
	b, err := json.Marshal(mqttPayload{Contact: contact, Message: message, SentAt: time.Now().UTC()})
	if err != nil {
		return Permanent(err)
	}

	wait := m.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < wait {
			wait = d
		}
	}
	tok := m.client.Publish(topic, m.cfg.QoS, false, b)
	if !tok.WaitTimeout(wait) {
		return Transient(fmt.Errorf("mqtt publish to %s: timed out", topic))
	}
	if err := tok.Error(); err != nil {
		return Transient(fmt.Errorf("mqtt publish to %s: %w", topic, err))
	}
	m.log.Debug("mqtt published", logx.String("topic", topic))
	return nil
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
