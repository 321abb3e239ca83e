package broker

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/haasonsaas/relay/internal/observability"
)

// MQTT delivery parameters. QoS 1 with persistent sessions means the
// broker retries an unacked message when the client reconnects; retain
// stays off so a new subscriber never replays the last message.
const (
	mqttQoS           = 1
	mqttRetain        = false
	mqttKeepAlive     = 30 * time.Second
	mqttConnectWait   = 10 * time.Second
	mqttPublishWait   = 5 * time.Second
	mqttClientPrefix  = "im-conn-"
	mqttServerClient  = "im-server-publisher"
	inboxTopicPattern = "user/%s/inbox"
)

// InboxTopic is the per-recipient topic a user's messages arrive on.
func InboxTopic(mqttID string) string {
	return fmt.Sprintf(inboxTopicPattern, mqttID)
}

// SessionClientID names a gateway-side subscriber connection. Stable per
// user so the broker resumes the same persistent session across
// reconnects.
func SessionClientID(mqttID string) string {
	return mqttClientPrefix + mqttID
}

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	BrokerURL string
	Username  string
	Password  string
	ClientID  string
}

// MQTTPublisher publishes to per-user inbox topics. Safe for concurrent
// use; the underlying client serializes the socket.
type MQTTPublisher struct {
	client mqtt.Client
	log    *observability.Logger
}

// NewMQTTPublisher connects to the broker and returns a publisher.
func NewMQTTPublisher(cfg MQTTConfig, log *observability.Logger) (*MQTTPublisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = mqttServerClient
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(mqttKeepAlive).
		SetAutoReconnect(true).
		SetCleanSession(true) // the publisher holds no subscriptions worth resuming

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectWait) {
		return nil, fmt.Errorf("mqtt connect timeout: %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTPublisher{
		client: client,
		log:    log.WithFields("component", "mqtt-publisher"),
	}, nil
}

// Publish sends a payload to the user's inbox topic at QoS 1.
func (p *MQTTPublisher) Publish(ctx context.Context, mqttID string, payload []byte) error {
	topic := InboxTopic(mqttID)
	token := p.client.Publish(topic, mqttQoS, mqttRetain, payload)
	if !token.WaitTimeout(mqttPublishWait) {
		return fmt.Errorf("mqtt publish timeout: %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	p.log.Debug(ctx, "message published", "topic", topic, "bytes", len(payload))
	return nil
}

// Close disconnects, allowing in-flight acks a short grace period.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// InboxHandler receives payloads from a user's inbox topic.
type InboxHandler func(payload []byte)

// MQTTSubscriber is one gateway session's bridge to its user's inbox
// topic. clean_session is off so the broker queues QoS 1 messages while
// the session is briefly disconnected.
type MQTTSubscriber struct {
	client mqtt.Client
	topic  string
	log    *observability.Logger
}

// NewMQTTSubscriber connects with the user's stable client id and
// subscribes to their inbox.
func NewMQTTSubscriber(cfg MQTTConfig, mqttID string, handler InboxHandler, log *observability.Logger) (*MQTTSubscriber, error) {
	topic := InboxTopic(mqttID)
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(SessionClientID(mqttID)).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(mqttKeepAlive).
		SetAutoReconnect(true).
		SetCleanSession(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectWait) {
		return nil, fmt.Errorf("mqtt connect timeout: %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	subToken := client.Subscribe(topic, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if !subToken.WaitTimeout(mqttConnectWait) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt subscribe timeout: %s", topic)
	}
	if err := subToken.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}

	return &MQTTSubscriber{
		client: client,
		topic:  topic,
		log:    log.WithFields("component", "mqtt-subscriber", "topic", topic),
	}, nil
}

// Close unsubscribes and disconnects. The persistent session remains on
// the broker so redelivery resumes if the same user reconnects.
func (s *MQTTSubscriber) Close() {
	token := s.client.Unsubscribe(s.topic)
	token.WaitTimeout(time.Second)
	s.client.Disconnect(250)
}
