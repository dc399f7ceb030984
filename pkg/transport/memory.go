package transport

import (
	"context"
	"fmt"
	"sync"
)

// Broker is an in-process broker. Clients dialed with the same URL share one
// bus; different URLs are isolated from each other.
type Broker struct {
	mu         sync.RWMutex
	clients    map[*MemoryClient]struct{}
	connectErr map[string]error
	published  []Published
}

// Published records one accepted publication.
type Published struct {
	URL      string
	ClientID string
	Topic    string
	QoS      byte
	Payload  []byte
}

func NewBroker() *Broker {
	return &Broker{
		clients:    make(map[*MemoryClient]struct{}),
		connectErr: make(map[string]error),
	}
}

// Dialer returns a Dialer that creates clients on this broker.
func (b *Broker) Dialer() Dialer {
	return func(brokerURL string, opts Options) (Client, error) {
		return b.NewClient(brokerURL, opts), nil
	}
}

func (b *Broker) NewClient(brokerURL string, opts Options) *MemoryClient {
	c := &MemoryClient{
		broker: b,
		url:    brokerURL,
		opts:   opts,
		subs:   make(map[string]memorySub),
	}
	c.queueCond = sync.NewCond(&c.queueMu)
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	go c.run()
	return c
}

// SetConnectError makes Connect fail for every client of brokerURL until it
// is cleared with a nil error.
func (b *Broker) SetConnectError(brokerURL string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.connectErr, brokerURL)
		return
	}
	b.connectErr[brokerURL] = err
}

// Published returns every publication accepted so far.
func (b *Broker) Published() []Published {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// DropConnections simulates a broker side disconnect for brokerURL. The
// clients lose their subscriptions, as with a clean MQTT session.
func (b *Broker) DropConnections(brokerURL string, cause error) {
	for _, c := range b.clientsFor(brokerURL) {
		c.drop(cause)
	}
}

// Reconnect brings dropped clients of brokerURL back and fires OnConnect.
func (b *Broker) Reconnect(brokerURL string) {
	for _, c := range b.clientsFor(brokerURL) {
		c.reconnect()
	}
}

func (b *Broker) clientsFor(brokerURL string) []*MemoryClient {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*MemoryClient
	for c := range b.clients {
		if c.url == brokerURL {
			out = append(out, c)
		}
	}
	return out
}

func (b *Broker) route(from *MemoryClient, topic string, qos byte, retained bool, payload []byte) {
	b.mu.Lock()
	b.published = append(b.published, Published{
		URL:      from.url,
		ClientID: from.opts.ClientID,
		Topic:    topic,
		QoS:      qos,
		Payload:  append([]byte(nil), payload...),
	})
	targets := make([]*MemoryClient, 0, len(b.clients))
	for c := range b.clients {
		if c.url == from.url {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.enqueue(Message{Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos, Retained: retained})
	}
}

type memorySub struct {
	qos     byte
	handler Handler
}

// MemoryClient is a Client attached to a Broker.
type MemoryClient struct {
	broker *Broker
	url    string
	opts   Options

	mu        sync.Mutex
	connected bool
	subs      map[string]memorySub

	// Delivery runs on one goroutine per client, in publish order.
	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []Message
	closed    bool
}

func (c *MemoryClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.broker.mu.RLock()
	err := c.broker.connectErr[c.url]
	c.broker.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("memory connect %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.opts.OnConnect != nil {
		go c.opts.OnConnect()
	}
	return nil
}

func (c *MemoryClient) Subscribe(ctx context.Context, pattern string, qos byte, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.subs[pattern] = memorySub{qos: qos, handler: handler}
	return nil
}

func (c *MemoryClient) Unsubscribe(ctx context.Context, patterns ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range patterns {
		delete(c.subs, p)
	}
	return nil
}

func (c *MemoryClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.broker.route(c, topic, qos, retained, payload)
	return nil
}

func (c *MemoryClient) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.subs = make(map[string]memorySub)
	c.mu.Unlock()

	c.queueMu.Lock()
	c.closed = true
	c.queue = nil
	c.queueCond.Broadcast()
	c.queueMu.Unlock()

	c.broker.mu.Lock()
	delete(c.broker.clients, c)
	c.broker.mu.Unlock()
}

func (c *MemoryClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscriptions returns the patterns currently subscribed.
func (c *MemoryClient) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for p := range c.subs {
		out = append(out, p)
	}
	return out
}

func (c *MemoryClient) enqueue(msg Message) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, msg)
	c.queueCond.Signal()
}

func (c *MemoryClient) run() {
	for {
		c.queueMu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.queueCond.Wait()
		}
		if c.closed {
			c.queueMu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue[0] = Message{}
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		c.deliver(msg)
	}
}

func (c *MemoryClient) deliver(msg Message) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	var handlers []Handler
	var levels []byte
	for pattern, sub := range c.subs {
		if Match(pattern, msg.Topic) {
			handlers = append(handlers, sub.handler)
			levels = append(levels, min(msg.QoS, sub.qos))
		}
	}
	c.mu.Unlock()

	for i, h := range handlers {
		out := msg
		out.QoS = levels[i]
		h(out)
	}
}

func (c *MemoryClient) drop(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.subs = make(map[string]memorySub)
	c.mu.Unlock()

	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(cause)
	}
}

func (c *MemoryClient) reconnect() {
	if c.opts.OnReconnecting != nil {
		c.opts.OnReconnecting()
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
}
