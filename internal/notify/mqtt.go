package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQuiesce        = 1000 // milliseconds
)

var ErrPublishFailed = errors.New("mqtt publish failed")

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// publisher is the part of pahomqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTSender publishes messages as JSON to <prefix>/notifications/<kind> for a
// delivery gateway to pick up.
type MQTTSender struct {
	client publisher
	prefix string
	qos    byte
	close  func()
}

// DialMQTT connects to the broker and returns a sender bound to it.
func DialMQTT(cfg MQTTConfig) (*MQTTSender, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	s := newMQTTSender(client, cfg.TopicPrefix, cfg.QoS)
	s.close = func() { client.Disconnect(mqttQuiesce) }
	return s, nil
}

func newMQTTSender(client publisher, prefix string, qos byte) *MQTTSender {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "backoffice"
	}
	return &MQTTSender{client: client, prefix: prefix, qos: qos}
}

func (s *MQTTSender) Topic(kind Kind) string {
	return s.prefix + "/notifications/" + string(kind)
}

func (s *MQTTSender) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	timeout := mqttPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	token := s.client.Publish(s.Topic(msg.Kind), s.qos, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (s *MQTTSender) Close() {
	if s.close != nil {
		s.close()
	}
}
