package transport

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttDisconnectQuiesce   = 250
	mqttMaxReconnectBackoff = 30 * time.Second
	mqttKeepAlive           = 30 * time.Second
)

// MQTTClient adapts a paho client to Client. Reconnect with backoff is left
// to paho; subscriptions are not restored by the adapter.
type MQTTClient struct {
	client mqtt.Client
}

// DialMQTT is the Dialer for MQTT brokers (tcp://, ssl://, ws://, wss://).
func DialMQTT(brokerURL string, opts Options) (Client, error) {
	if brokerURL == "" {
		return nil, fmt.Errorf("broker url is required")
	}

	o := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(mqttKeepAlive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(mqttMaxReconnectBackoff)

	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	if opts.TLS != nil {
		o.SetTLSConfig(opts.TLS)
	}
	if opts.OnConnect != nil {
		o.SetOnConnectHandler(func(mqtt.Client) { opts.OnConnect() })
	}
	if opts.OnConnectionLost != nil {
		o.SetConnectionLostHandler(func(_ mqtt.Client, err error) { opts.OnConnectionLost(err) })
	}
	if opts.OnReconnecting != nil {
		o.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) { opts.OnReconnecting() })
	}

	return &MQTTClient{client: mqtt.NewClient(o)}, nil
}

func (c *MQTTClient) Connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (c *MQTTClient) Subscribe(ctx context.Context, pattern string, qos byte, handler Handler) error {
	token := c.client.Subscribe(pattern, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			QoS:       m.Qos(),
			Retained:  m.Retained(),
			Duplicate: m.Duplicate(),
		})
	})
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", pattern, err)
	}
	return nil
}

func (c *MQTTClient) Unsubscribe(ctx context.Context, patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	if err := wait(ctx, c.client.Unsubscribe(patterns...)); err != nil {
		return fmt.Errorf("mqtt unsubscribe: %w", err)
	}
	return nil
}

func (c *MQTTClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := wait(ctx, c.client.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (c *MQTTClient) Disconnect() {
	c.client.Disconnect(mqttDisconnectQuiesce)
}

func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
