package alerting

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig describes the broker announcements are published to.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTNotifier publishes announcements to a topic that display devices
// subscribe to.
type MQTTNotifier struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// DialMQTT connects to the broker and returns a notifier using it.
func DialMQTT(cfg MQTTConfig) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return NewMQTTNotifier(client, cfg.Topic, cfg.QoS), nil
}

func NewMQTTNotifier(client mqtt.Client, topic string, qos byte) *MQTTNotifier {
	return &MQTTNotifier{client: client, topic: topic, qos: qos}
}

func (n *MQTTNotifier) Name() string { return "mqtt" }

func (n *MQTTNotifier) Notify(ctx context.Context, message string) error {
	token := n.client.Publish(n.topic, n.qos, false, message)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", n.topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", n.topic, err)
	}
	return nil
}

// Close disconnects, allowing 250ms for in-flight work.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
