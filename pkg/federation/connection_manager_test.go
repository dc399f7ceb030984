package federation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshfed/pkg/config"
	"meshfed/pkg/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func memorySite(id string) config.SiteConfig {
	return config.SiteConfig{ID: id, Enabled: true, BrokerURL: "memory://" + id}
}

func rawClient(t *testing.T, broker *transport.Broker, url string) *transport.MemoryClient {
	t.Helper()
	c := broker.NewClient(url, transport.Options{ClientID: "raw"})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

type collector struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (c *collector) handle(siteID string, msg transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// failingClient accepts everything but publishes.
type failingClient struct {
	transport.Client
}

func (failingClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	return errors.New("broker rejected publish")
}

func newTestManager(t *testing.T, dial transport.Dialer) (*ConnectionManager, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	cm := NewConnectionManager("alpha", dial, metrics, zap.NewNop())
	t.Cleanup(cm.Close)
	return cm, metrics
}

func TestConnectStatuses(t *testing.T) {
	broker := transport.NewBroker()
	broker.SetConnectError("memory://down", errors.New("connection refused"))
	cm, metrics := newTestManager(t, broker.Dialer())
	ctx := context.Background()

	_, err := cm.Connect(ctx, config.SiteConfig{ID: "off", BrokerURL: "memory://off"})
	assert.ErrorIs(t, err, ErrSiteDisabled)

	_, err = cm.Connect(ctx, config.SiteConfig{ID: "empty", Enabled: true})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = cm.Connect(ctx, config.SiteConfig{ID: "down", Enabled: true, BrokerURL: "memory://down"})
	require.Error(t, err)
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "down", connErr.SiteID)

	conn, err := cm.Connect(ctx, memorySite("bravo"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", conn.SiteID)

	want := map[string]Status{
		"bravo": StatusConnected,
		"down":  StatusError,
		"empty": StatusNotConfigured,
		"off":   StatusDisabled,
	}
	statuses := cm.Statuses()
	require.Len(t, statuses, len(want))
	for _, s := range statuses {
		assert.Equal(t, want[s.SiteID], s.Status, s.SiteID)
	}

	down, ok := cm.Status("down")
	require.True(t, ok)
	assert.Contains(t, down.Message, "connection refused")

	assert.Equal(t, 1, cm.ConnectedCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionStatus.WithLabelValues("bravo", "connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ConnectionStatus.WithLabelValues("bravo", "connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionFailures.WithLabelValues("down")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SitesConnected))
}

func TestConnectAllJoinsFailures(t *testing.T) {
	broker := transport.NewBroker()
	broker.SetConnectError("memory://down", errors.New("refused"))
	cm, _ := newTestManager(t, broker.Dialer())

	err := cm.ConnectAll(context.Background(), []config.SiteConfig{
		memorySite("alpha"),
		memorySite("down"),
		{ID: "off"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.NotContains(t, err.Error(), "off")
	assert.Equal(t, 1, cm.ConnectedCount())
}

func TestOnConnectedListeners(t *testing.T) {
	broker := transport.NewBroker()
	cm, _ := newTestManager(t, broker.Dialer())
	ctx := context.Background()

	_, err := cm.Connect(ctx, memorySite("alpha"))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	remove := cm.OnConnected(func(conn *SiteConnection) {
		mu.Lock()
		seen = append(seen, conn.SiteID)
		mu.Unlock()
	})

	_, err = cm.Connect(ctx, memorySite("bravo"))
	require.NoError(t, err)

	// Reconnects notify again.
	broker.DropConnections("memory://bravo", errors.New("gone"))
	status, _ := cm.Status("bravo")
	assert.Equal(t, StatusConnecting, status.Status)
	broker.Reconnect("memory://bravo")

	remove()
	_, err = cm.Connect(ctx, memorySite("charlie"))
	require.NoError(t, err)

	// Give the memory client's own OnConnect goroutines a chance to run;
	// they must not notify a second time.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alpha", "bravo", "bravo"}, seen)
}

func TestPublishToAllIndependentResults(t *testing.T) {
	broker := transport.NewBroker()
	dial := func(url string, opts transport.Options) (transport.Client, error) {
		c, err := broker.Dialer()(url, opts)
		if err != nil {
			return nil, err
		}
		if url == "memory://bad" {
			return failingClient{Client: c}, nil
		}
		return c, nil
	}
	cm, metrics := newTestManager(t, dial)
	ctx := context.Background()

	require.NoError(t, cm.ConnectAll(ctx, []config.SiteConfig{memorySite("bad"), memorySite("bravo"), memorySite("charlie")}))

	results := cm.PublishToAll(ctx, "antihunter/alpha/nodes/upsert", []byte(`{}`), config.ClassNodes)
	require.Len(t, results, 3)
	assert.Equal(t, "bad", results[0].SiteID)
	assert.Error(t, results[0].Err)
	assert.Equal(t, "bravo", results[1].SiteID)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, "charlie", results[2].SiteID)
	assert.NoError(t, results[2].Err)

	assert.Len(t, broker.Published(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Published.WithLabelValues("bad", "nodes", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Published.WithLabelValues("bravo", "nodes", "ok")))

	err := cm.PublishTo(ctx, "nowhere", "t", nil, config.ClassNodes)
	assert.ErrorIs(t, err, ErrUnknownSite)
}

func TestPublishUsesClassQoS(t *testing.T) {
	broker := transport.NewBroker()
	cm, _ := newTestManager(t, broker.Dialer())

	site := memorySite("bravo")
	site.QoS.Events = config.NewQoS(0)
	site.QoS.Geofences = config.NewQoS(2)
	_, err := cm.Connect(context.Background(), site)
	require.NoError(t, err)

	require.NoError(t, cm.PublishTo(context.Background(), "bravo", "a", nil, config.ClassEvents))
	require.NoError(t, cm.PublishTo(context.Background(), "bravo", "b", nil, config.ClassGeofences))
	require.NoError(t, cm.PublishTo(context.Background(), "bravo", "c", nil, config.ClassNodes))

	published := broker.Published()
	require.Len(t, published, 3)
	assert.Equal(t, byte(0), published[0].QoS)
	assert.Equal(t, byte(2), published[1].QoS)
	assert.Equal(t, byte(1), published[2].QoS)
}

func TestSubscribeOrderedDelivery(t *testing.T) {
	broker := transport.NewBroker()
	cm, _ := newTestManager(t, broker.Dialer())
	cm.SetInboxSize(2)
	ctx := context.Background()

	_, err := cm.Connect(ctx, memorySite("bravo"))
	require.NoError(t, err)

	c := &collector{}
	require.NoError(t, cm.Subscribe(ctx, "bravo", "nodes", []string{"antihunter/+/nodes/upsert"}, config.ClassNodes, c.handle))

	raw := rawClient(t, broker, "memory://bravo")
	var want []string
	for i := 0; i < 50; i++ {
		p := string(rune('a' + i%26))
		want = append(want, p)
		require.NoError(t, raw.Publish(ctx, "antihunter/bravo/nodes/upsert", 1, false, []byte(p)))
	}
	require.NoError(t, raw.Publish(ctx, "antihunter/bravo/targets/upsert", 1, false, []byte("x")))

	require.Eventually(t, func() bool { return c.len() == 50 }, waitFor, tick)
	assert.Equal(t, want, c.payloads())

	err = cm.Subscribe(ctx, "nowhere", "nodes", []string{"x"}, config.ClassNodes, c.handle)
	assert.ErrorIs(t, err, ErrUnknownSite)
}

func TestSubscribeReplacesRegistration(t *testing.T) {
	broker := transport.NewBroker()
	cm, _ := newTestManager(t, broker.Dialer())
	ctx := context.Background()

	_, err := cm.Connect(ctx, memorySite("bravo"))
	require.NoError(t, err)

	first, second := &collector{}, &collector{}
	require.NoError(t, cm.Subscribe(ctx, "bravo", "targets", []string{"antihunter/+/targets/upsert"}, config.ClassTargets, first.handle))
	require.NoError(t, cm.Subscribe(ctx, "bravo", "targets", []string{"antihunter/+/targets/delete"}, config.ClassTargets, second.handle))

	raw := rawClient(t, broker, "memory://bravo")
	require.NoError(t, raw.Publish(ctx, "antihunter/bravo/targets/upsert", 1, false, []byte("u")))
	require.NoError(t, raw.Publish(ctx, "antihunter/bravo/targets/delete", 1, false, []byte("d")))

	require.Eventually(t, func() bool { return second.len() == 1 }, waitFor, tick)
	assert.Equal(t, 0, first.len())

	conn, ok := cm.Connection("bravo")
	require.True(t, ok)
	assert.Equal(t, []string{"antihunter/+/targets/delete"}, conn.Client.(*transport.MemoryClient).Subscriptions())
}

func TestHandlerPanicIsContained(t *testing.T) {
	broker := transport.NewBroker()
	cm, metrics := newTestManager(t, broker.Dialer())
	ctx := context.Background()

	_, err := cm.Connect(ctx, memorySite("bravo"))
	require.NoError(t, err)

	c := &collector{}
	handler := func(site string, msg transport.Message) {
		if string(msg.Payload) == "boom" {
			panic("bad message")
		}
		c.handle(site, msg)
	}
	require.NoError(t, cm.Subscribe(ctx, "bravo", "events", []string{"antihunter/+/events/+"}, config.ClassEvents, handler))

	raw := rawClient(t, broker, "memory://bravo")
	require.NoError(t, raw.Publish(ctx, "antihunter/bravo/events/alert", 1, false, []byte("boom")))
	require.NoError(t, raw.Publish(ctx, "antihunter/bravo/events/alert", 1, false, []byte("ok")))

	require.Eventually(t, func() bool { return c.len() == 1 }, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HandlerPanics))
}

func TestRestartReplacesClient(t *testing.T) {
	broker := transport.NewBroker()
	cm, _ := newTestManager(t, broker.Dialer())
	ctx := context.Background()

	first, err := cm.Connect(ctx, memorySite("bravo"))
	require.NoError(t, err)
	c := &collector{}
	require.NoError(t, cm.Subscribe(ctx, "bravo", "nodes", []string{"antihunter/+/nodes/upsert"}, config.ClassNodes, c.handle))

	second, err := cm.Restart(ctx, "bravo")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.False(t, first.Client.IsConnected())

	// Registrations belong to the old client and are gone with it.
	raw := rawClient(t, broker, "memory://bravo")
	require.NoError(t, raw.Publish(ctx, "antihunter/bravo/nodes/upsert", 1, false, []byte("x")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.len())

	_, err = cm.Restart(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrUnknownSite)

	disabled := memorySite("bravo")
	disabled.Enabled = false
	_, err = cm.UpdateSite(ctx, disabled)
	assert.ErrorIs(t, err, ErrSiteDisabled)
	assert.False(t, second.Client.IsConnected())
	status, _ := cm.Status("bravo")
	assert.Equal(t, StatusDisabled, status.Status)
}

func TestDetachAllAndClose(t *testing.T) {
	broker := transport.NewBroker()
	cm, metrics := newTestManager(t, broker.Dialer())
	ctx := context.Background()

	_, err := cm.Connect(ctx, memorySite("bravo"))
	require.NoError(t, err)
	c := &collector{}
	require.NoError(t, cm.Subscribe(ctx, "bravo", "nodes", []string{"antihunter/+/nodes/upsert"}, config.ClassNodes, c.handle))

	cm.DetachAll()
	raw := rawClient(t, broker, "memory://bravo")
	require.NoError(t, raw.Publish(ctx, "antihunter/bravo/nodes/upsert", 1, false, []byte("x")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.len())

	err = cm.Subscribe(ctx, "bravo", "nodes", []string{"x"}, config.ClassNodes, c.handle)
	assert.ErrorIs(t, err, ErrClosed)

	// Publishing still works after detaching.
	assert.NoError(t, cm.PublishTo(ctx, "bravo", "antihunter/alpha/nodes/upsert", nil, config.ClassNodes))

	cm.Close()
	assert.Equal(t, 0, cm.ConnectedCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SitesConnected))
	_, err = cm.Connect(ctx, memorySite("bravo"))
	assert.ErrorIs(t, err, ErrClosed)
}
