// Package transport defines the publish/subscribe primitives the federation
// engine consumes, with an MQTT implementation and an in-process broker.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
)

var ErrNotConnected = errors.New("transport: not connected")

// Message is one inbound publication.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
}

// Handler receives messages for one subscription. Handlers run on the
// client's delivery goroutine and block further delivery until they return.
type Handler func(Message)

// Client is a connection to one broker.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, pattern string, qos byte, handler Handler) error
	Unsubscribe(ctx context.Context, patterns ...string) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
	IsConnected() bool
}

// Options configure a client at dial time. The callbacks report transport
// level reconnect activity to the owner of the client.
type Options struct {
	ClientID         string
	Username         string
	Password         string
	TLS              *tls.Config
	OnConnect        func()
	OnConnectionLost func(err error)
	OnReconnecting   func()
}

// Dialer creates an unconnected client for a broker URL.
type Dialer func(brokerURL string, opts Options) (Client, error)

// Match reports whether topic matches an MQTT subscription pattern.
func Match(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i, level := range p {
		if level == "#" {
			return i == len(p)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
