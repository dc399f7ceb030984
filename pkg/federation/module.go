package federation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshfed/pkg/config"
	"meshfed/pkg/transport"
)

// Module is one domain federation module.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Env carries the shared dependencies of every module.
type Env struct {
	LocalSiteID string
	Topics      Topics
	Connections *ConnectionManager
	Metrics     *Metrics
	Logger      *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// applyFunc handles one decoded, non-loopback message and returns the
// outcome label recorded for it.
type applyFunc func(ctx context.Context, msg Message) (string, error)

// base holds what every module shares: the local/inbound plumbing and its
// lifecycle.
type base struct {
	name    string
	local   string
	topics  Topics
	cm      *ConnectionManager
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	mu             sync.Mutex
	stops          []func()
	removeListener func()
}

func (b *base) init(name string, env Env) {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := env.Now
	if now == nil {
		now = time.Now
	}
	b.name = name
	b.local = env.LocalSiteID
	b.topics = env.Topics
	b.cm = env.Connections
	b.metrics = env.Metrics
	b.logger = logger.Named(name)
	b.now = now
	b.ctx = context.Background()
}

func (b *base) Name() string { return b.name }

func (b *base) begin(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
}

// Stop removes the connection listener, stops the local streams and waits
// for their goroutines.
func (b *base) Stop() {
	b.mu.Lock()
	remove := b.removeListener
	b.removeListener = nil
	stops := b.stops
	b.stops = nil
	b.mu.Unlock()

	if remove != nil {
		remove()
	}
	for _, stop := range stops {
		stop()
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// watch consumes a local change stream until the module stops.
func watch[T any](b *base, ch <-chan T, stop func(), handle func(ctx context.Context, v T)) {
	b.mu.Lock()
	b.stops = append(b.stops, stop)
	b.mu.Unlock()

	ctx := b.ctx
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				handle(ctx, v)
			}
		}
	}()
}

// attach subscribes patterns on every current and future connection and
// then calls after, if set, for that connection.
func (b *base) attach(patterns []string, class config.MessageClass, apply applyFunc, after func(conn *SiteConnection)) {
	handler := b.inbound(apply)
	remove := b.cm.OnConnected(func(conn *SiteConnection) {
		if err := b.cm.Subscribe(b.ctx, conn.SiteID, b.name, patterns, class, handler); err != nil {
			b.logger.Warn("Failed to subscribe",
				zap.String("site", conn.SiteID),
				zap.Error(err))
			return
		}
		if after != nil {
			after(conn)
		}
	})

	b.mu.Lock()
	b.removeListener = remove
	b.mu.Unlock()
}

// inbound decodes a transport message, filters loopback traffic and hands
// the rest to apply. Failures stay local to the message.
func (b *base) inbound(apply applyFunc) InboundHandler {
	return func(siteID string, raw transport.Message) {
		msg, err := Decode(b.topics, raw.Topic, raw.Payload)
		if err != nil {
			if errors.Is(err, ErrUnknownType) {
				b.metrics.inbound(b.name, siteID, OutcomeUnknownType)
				b.logger.Debug("Ignoring unknown message type",
					zap.String("site", siteID),
					zap.String("topic", raw.Topic),
					zap.Error(err))
				return
			}
			b.metrics.inbound(b.name, siteID, OutcomeMalformed)
			b.logger.Warn("Dropping malformed message",
				zap.String("site", siteID),
				zap.String("topic", raw.Topic),
				zap.Error(err))
			return
		}

		meta := msg.Meta()
		if meta.Origin == b.local {
			b.metrics.inbound(b.name, siteID, OutcomeLoopback)
			return
		}

		outcome, err := apply(b.ctx, msg)
		if err != nil {
			b.metrics.inbound(b.name, siteID, OutcomeFailed)
			b.logger.Warn("Failed to apply federated message",
				zap.String("site", siteID),
				zap.String("origin", meta.Origin),
				zap.String("type", meta.Type),
				zap.Error(err))
			return
		}
		b.metrics.inbound(b.name, siteID, outcome)
	}
}

// publishAll sends env to every connected site and logs per-site failures.
func (b *base) publishAll(ctx context.Context, topic string, env Envelope, class config.MessageClass) []PublishResult {
	data, err := env.Encode()
	if err != nil {
		b.logger.Error("Failed to encode envelope", zap.String("type", env.Type), zap.Error(err))
		return nil
	}
	results := b.cm.PublishToAll(ctx, topic, data, class)
	for _, r := range results {
		if r.Err != nil {
			b.logger.Warn("Publish failed",
				zap.String("site", r.SiteID),
				zap.String("topic", topic),
				zap.Error(r.Err))
		}
	}
	return results
}

func (b *base) publishTo(ctx context.Context, siteID, topic string, env Envelope, class config.MessageClass) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return b.cm.PublishTo(ctx, siteID, topic, data, class)
}

// envelope builds a local envelope, logging encode failures.
func (b *base) envelope(msgType string, ts time.Time, payload interface{}) (Envelope, bool) {
	env, err := NewEnvelope(msgType, b.local, ts, payload)
	if err != nil {
		b.logger.Error("Failed to build envelope", zap.String("type", msgType), zap.Error(err))
		return Envelope{}, false
	}
	return env, true
}
