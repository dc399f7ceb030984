package federation

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshfed/pkg/auth"
	"meshfed/pkg/config"
	"meshfed/pkg/transport"
)

// Status is the connection state of one site.
type Status string

const (
	StatusNotConfigured Status = "not_configured"
	StatusDisabled      Status = "disabled"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusError         Status = "error"
)

var (
	ErrSiteDisabled  = errors.New("site is disabled")
	ErrNotConfigured = errors.New("site has no broker configured")
	ErrUnknownSite   = errors.New("unknown site")
	ErrClosed        = errors.New("connection manager is closed")
)

// unsubscribeTimeout bounds cleanup calls made while tearing registrations down.
const unsubscribeTimeout = 5 * time.Second

// SiteStatus is the externally visible state of a site connection.
type SiteStatus struct {
	SiteID    string    `json:"siteId"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Since     time.Time `json:"since"`
	BrokerURL string    `json:"brokerUrl,omitempty"`
}

// SiteConnection is one live transport client. It is replaced, never
// mutated, when the site reconnects through Restart or UpdateSite.
type SiteConnection struct {
	SiteID string
	Config config.SiteConfig
	Client transport.Client

	generation uint64
	connected  bool
}

// QoS returns the delivery level configured for class on this connection.
func (c *SiteConnection) QoS(class config.MessageClass) byte {
	return c.Config.QoS.Level(class)
}

// ConnectionError reports a failed connection attempt for one site.
type ConnectionError struct {
	SiteID string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("site %s: %v", e.SiteID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishResult is the outcome of a publish to one site.
type PublishResult struct {
	SiteID string
	Err    error
}

// ConnectedListener is called once for every connection that reaches the
// connected state.
type ConnectedListener func(conn *SiteConnection)

// InboundHandler processes one message received from siteID.
type InboundHandler func(siteID string, msg transport.Message)

type subscriptionKey struct {
	site  string
	owner string
}

// registration is one (site, owner) subscription with its inbox worker.
type registration struct {
	key      subscriptionKey
	client   transport.Client
	patterns []string
	inbox    chan transport.Message
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (r *registration) enqueue(msg transport.Message) {
	select {
	case r.inbox <- msg:
	case <-r.stop:
	}
}

// ConnectionManager keeps one transport client per configured site.
type ConnectionManager struct {
	localSiteID string
	dial        transport.Dialer
	metrics     *Metrics
	logger      *zap.Logger
	inboxSize   int

	mu           sync.RWMutex
	conns        map[string]*SiteConnection
	configs      map[string]config.SiteConfig
	statuses     map[string]SiteStatus
	listeners    map[uint64]ConnectedListener
	nextListener uint64
	subs         map[subscriptionKey]*registration
	generation   uint64
	detached     bool
	closed       bool
}

// NewConnectionManager creates a connection manager
func NewConnectionManager(localSiteID string, dial transport.Dialer, metrics *Metrics, logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dial == nil {
		dial = transport.DialMQTT
	}

	return &ConnectionManager{
		localSiteID: localSiteID,
		dial:        dial,
		metrics:     metrics,
		logger:      logger,
		inboxSize:   config.DefaultInboxSize,
		conns:       make(map[string]*SiteConnection),
		configs:     make(map[string]config.SiteConfig),
		statuses:    make(map[string]SiteStatus),
		listeners:   make(map[uint64]ConnectedListener),
		subs:        make(map[subscriptionKey]*registration),
	}
}

// SetInboxSize sets the capacity of inboxes created by later Subscribe calls.
func (cm *ConnectionManager) SetInboxSize(n int) {
	if n <= 0 {
		n = config.DefaultInboxSize
	}
	cm.mu.Lock()
	cm.inboxSize = n
	cm.mu.Unlock()
}

// ConnectAll connects every site, returning the failures joined. Disabled
// and unconfigured sites are recorded but are not failures.
func (cm *ConnectionManager) ConnectAll(ctx context.Context, sites []config.SiteConfig) error {
	var errs []error
	for _, site := range sites {
		if _, err := cm.Connect(ctx, site); err != nil {
			if errors.Is(err, ErrSiteDisabled) || errors.Is(err, ErrNotConfigured) {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connect creates the client for one site, replacing any existing one.
func (cm *ConnectionManager) Connect(ctx context.Context, cfg config.SiteConfig) (*SiteConnection, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, ErrClosed
	}
	cm.configs[cfg.ID] = cfg
	cm.mu.Unlock()

	cm.teardown(cfg.ID)

	if !cfg.Enabled {
		cm.setStatus(cfg.ID, StatusDisabled, "", cfg.BrokerURL)
		return nil, &ConnectionError{SiteID: cfg.ID, Err: ErrSiteDisabled}
	}
	if cfg.BrokerURL == "" {
		cm.setStatus(cfg.ID, StatusNotConfigured, "", "")
		return nil, &ConnectionError{SiteID: cfg.ID, Err: ErrNotConfigured}
	}

	tlsConfig, err := cm.buildTLS(cfg)
	if err != nil {
		return nil, cm.fail(cfg, err)
	}

	cm.mu.Lock()
	cm.generation++
	gen := cm.generation
	cm.mu.Unlock()

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("meshfed-%s-%s", cm.localSiteID, uuid.NewString()[:8])
	}

	siteID := cfg.ID
	opts := transport.Options{
		ClientID: clientID,
		Username: cfg.Username,
		Password: cfg.Password,
		TLS:      tlsConfig,
		OnConnect: func() {
			cm.markConnected(siteID, gen)
		},
		OnConnectionLost: func(err error) {
			cm.markLost(siteID, gen, err)
		},
		OnReconnecting: func() {
			cm.setStatusIf(siteID, gen, StatusConnecting, "reconnecting")
		},
	}

	cm.setStatus(siteID, StatusConnecting, "", cfg.BrokerURL)
	cm.logger.Info("Connecting to site",
		zap.String("site", siteID),
		zap.String("broker", cfg.BrokerURL),
		zap.String("client_id", clientID))

	client, err := cm.dial(cfg.BrokerURL, opts)
	if err != nil {
		return nil, cm.fail(cfg, fmt.Errorf("dial: %w", err))
	}

	conn := &SiteConnection{
		SiteID:     siteID,
		Config:     cfg,
		Client:     client,
		generation: gen,
	}
	cm.mu.Lock()
	cm.conns[siteID] = conn
	cm.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		cm.mu.Lock()
		if cur, ok := cm.conns[siteID]; ok && cur.generation == gen {
			delete(cm.conns, siteID)
		}
		cm.mu.Unlock()
		client.Disconnect()
		return nil, cm.fail(cfg, fmt.Errorf("connect: %w", err))
	}

	cm.metrics.connectAttempt(siteID, nil)
	cm.markConnected(siteID, gen)
	return conn, nil
}

func (cm *ConnectionManager) buildTLS(cfg config.SiteConfig) (*tls.Config, error) {
	builder, err := auth.NewTLSConfigBuilder(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	tlsConfig, err := builder.BuildClientConfig()
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	if tlsConfig != nil && cfg.TLS.CertPath != "" {
		cm.checkCertificate(cfg)
	}
	return tlsConfig, nil
}

// checkCertificate warns about a client certificate that is expired, close
// to expiry or not issued by the configured CA. The broker has the final say.
func (cm *ConnectionManager) checkCertificate(cfg config.SiteConfig) {
	info, err := auth.LoadCertificateInfo(cfg.TLS.CertPath)
	if err != nil {
		cm.logger.Warn("Failed to inspect client certificate", zap.String("site", cfg.ID), zap.Error(err))
		return
	}
	now := time.Now()
	if status := info.Expiry(now, auth.DefaultExpiryWarning); status != auth.CertValid {
		cm.logger.Warn("Client certificate needs attention",
			zap.String("site", cfg.ID),
			zap.String("status", string(status)),
			zap.Time("not_after", info.NotAfter),
			zap.Duration("expires_in", info.ExpiresIn(now)))
	}
	if cfg.TLS.CAPath != "" {
		if err := auth.VerifyCertificateChain(cfg.TLS.CertPath, cfg.TLS.CAPath); err != nil {
			cm.logger.Warn("Client certificate is not signed by the site CA",
				zap.String("site", cfg.ID),
				zap.Error(err))
		}
	}
}

func (cm *ConnectionManager) fail(cfg config.SiteConfig, err error) error {
	cm.metrics.connectAttempt(cfg.ID, err)
	cm.setStatus(cfg.ID, StatusError, err.Error(), cfg.BrokerURL)
	cm.logger.Warn("Failed to connect to site",
		zap.String("site", cfg.ID),
		zap.String("broker", cfg.BrokerURL),
		zap.Error(err))
	return &ConnectionError{SiteID: cfg.ID, Err: err}
}

// markConnected moves a connection to connected and notifies listeners. It
// is a no-op for stale generations and for connections already connected.
func (cm *ConnectionManager) markConnected(siteID string, gen uint64) {
	cm.mu.Lock()
	conn, ok := cm.conns[siteID]
	if !ok || conn.generation != gen || conn.connected || cm.closed || !conn.Client.IsConnected() {
		cm.mu.Unlock()
		return
	}
	conn.connected = true
	cm.setStatusLocked(siteID, StatusConnected, "", conn.Config.BrokerURL)
	listeners := cm.listenersLocked()
	count := cm.connectedCountLocked()
	cm.mu.Unlock()

	cm.metrics.connected(count)
	cm.logger.Info("Connected to site", zap.String("site", siteID))

	for _, l := range listeners {
		l(conn)
	}
}

func (cm *ConnectionManager) markLost(siteID string, gen uint64, cause error) {
	cm.mu.Lock()
	conn, ok := cm.conns[siteID]
	if !ok || conn.generation != gen {
		cm.mu.Unlock()
		return
	}
	conn.connected = false
	msg := "connection lost"
	if cause != nil {
		msg = cause.Error()
	}
	cm.setStatusLocked(siteID, StatusConnecting, msg, conn.Config.BrokerURL)
	count := cm.connectedCountLocked()
	cm.mu.Unlock()

	cm.metrics.connected(count)
	cm.logger.Warn("Lost connection to site",
		zap.String("site", siteID),
		zap.Error(cause))
}

// OnConnected registers listener for every current and future connection.
// The returned function removes it.
func (cm *ConnectionManager) OnConnected(listener ConnectedListener) func() {
	cm.mu.Lock()
	if cm.detached || cm.closed {
		cm.mu.Unlock()
		return func() {}
	}
	cm.nextListener++
	id := cm.nextListener
	cm.listeners[id] = listener
	current := cm.connectedLocked()
	cm.mu.Unlock()

	for _, conn := range current {
		listener(conn)
	}

	return func() {
		cm.mu.Lock()
		delete(cm.listeners, id)
		cm.mu.Unlock()
	}
}

// PublishToAll publishes payload on every connected site concurrently. Each
// result is independent of the others.
func (cm *ConnectionManager) PublishToAll(ctx context.Context, topic string, payload []byte, class config.MessageClass) []PublishResult {
	cm.mu.RLock()
	conns := cm.connectedLocked()
	cm.mu.RUnlock()

	results := make([]PublishResult, len(conns))
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *SiteConnection) {
			defer wg.Done()
			results[i] = PublishResult{SiteID: conn.SiteID, Err: cm.publish(ctx, conn, topic, payload, class)}
		}(i, conn)
	}
	wg.Wait()
	return results
}

// PublishTo publishes payload on a single site.
func (cm *ConnectionManager) PublishTo(ctx context.Context, siteID, topic string, payload []byte, class config.MessageClass) error {
	cm.mu.RLock()
	conn, ok := cm.conns[siteID]
	cm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	return cm.publish(ctx, conn, topic, payload, class)
}

func (cm *ConnectionManager) publish(ctx context.Context, conn *SiteConnection, topic string, payload []byte, class config.MessageClass) error {
	err := conn.Client.Publish(ctx, topic, conn.QoS(class), false, payload)
	cm.metrics.published(conn.SiteID, string(class), err)
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", topic, conn.SiteID, err)
	}
	return nil
}

// Subscribe attaches handler to patterns on one site under owner. An
// existing registration for the same (site, owner) is canceled first.
// Messages are queued in a bounded inbox and handled in arrival order by a
// single goroutine; a full inbox blocks the transport delivery.
func (cm *ConnectionManager) Subscribe(ctx context.Context, siteID, owner string, patterns []string, class config.MessageClass, handler InboundHandler) error {
	key := subscriptionKey{site: siteID, owner: owner}

	cm.mu.Lock()
	if cm.detached || cm.closed {
		cm.mu.Unlock()
		return ErrClosed
	}
	conn, ok := cm.conns[siteID]
	if !ok {
		cm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	old := cm.subs[key]
	delete(cm.subs, key)
	size := cm.inboxSize
	cm.mu.Unlock()

	if old != nil {
		cm.cancel(old)
	}

	r := &registration{
		key:      key,
		client:   conn.Client,
		patterns: append([]string(nil), patterns...),
		inbox:    make(chan transport.Message, size),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go cm.work(r, handler)

	qos := conn.QoS(class)
	for i, pattern := range r.patterns {
		if err := conn.Client.Subscribe(ctx, pattern, qos, r.enqueue); err != nil {
			r.patterns = r.patterns[:i]
			cm.cancel(r)
			return fmt.Errorf("subscribe %s on %s: %w", pattern, siteID, err)
		}
	}

	cm.mu.Lock()
	if cm.detached || cm.closed {
		cm.mu.Unlock()
		cm.cancel(r)
		return ErrClosed
	}
	replaced := cm.subs[key]
	cm.subs[key] = r
	cm.mu.Unlock()
	if replaced != nil {
		cm.cancel(replaced)
	}

	cm.logger.Debug("Subscribed",
		zap.String("site", siteID),
		zap.String("owner", owner),
		zap.Strings("patterns", patterns))
	return nil
}

func (cm *ConnectionManager) work(r *registration, handler InboundHandler) {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case msg := <-r.inbox:
			cm.metrics.inboxDepth(r.key.owner, r.key.site, len(r.inbox))
			cm.dispatch(r, handler, msg)
		}
	}
}

func (cm *ConnectionManager) dispatch(r *registration, handler InboundHandler, msg transport.Message) {
	defer func() {
		if p := recover(); p != nil {
			cm.metrics.handlerPanic()
			cm.logger.Error("Inbound handler panicked",
				zap.String("site", r.key.site),
				zap.String("owner", r.key.owner),
				zap.String("topic", msg.Topic),
				zap.Any("panic", p))
		}
	}()
	handler(r.key.site, msg)
}

// cancel unsubscribes r, stops its worker and waits for it to exit.
func (cm *ConnectionManager) cancel(r *registration) {
	r.once.Do(func() {
		close(r.stop)
		if len(r.patterns) > 0 && r.client.IsConnected() {
			ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			if err := r.client.Unsubscribe(ctx, r.patterns...); err != nil {
				cm.logger.Debug("Unsubscribe failed",
					zap.String("site", r.key.site),
					zap.String("owner", r.key.owner),
					zap.Error(err))
			}
			cancel()
		}
	})
	<-r.done
}

// Restart recreates the client of one site from its last known config.
func (cm *ConnectionManager) Restart(ctx context.Context, siteID string) (*SiteConnection, error) {
	cm.mu.RLock()
	cfg, ok := cm.configs[siteID]
	cm.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	return cm.Connect(ctx, cfg)
}

// UpdateSite applies a changed site config and reconnects it.
func (cm *ConnectionManager) UpdateSite(ctx context.Context, cfg config.SiteConfig) (*SiteConnection, error) {
	return cm.Connect(ctx, cfg)
}

// teardown cancels the registrations of a site and disconnects its client.
func (cm *ConnectionManager) teardown(siteID string) {
	cm.mu.Lock()
	conn := cm.conns[siteID]
	delete(cm.conns, siteID)
	var regs []*registration
	for key, r := range cm.subs {
		if key.site == siteID {
			regs = append(regs, r)
			delete(cm.subs, key)
		}
	}
	count := cm.connectedCountLocked()
	cm.mu.Unlock()

	for _, r := range regs {
		cm.cancel(r)
	}
	if conn != nil {
		conn.Client.Disconnect()
		cm.metrics.connected(count)
		cm.logger.Info("Disconnected from site", zap.String("site", siteID))
	}
}

// Connection returns the current connection of a site.
func (cm *ConnectionManager) Connection(siteID string) (*SiteConnection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conn, ok := cm.conns[siteID]
	return conn, ok
}

func (cm *ConnectionManager) Status(siteID string) (SiteStatus, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	s, ok := cm.statuses[siteID]
	return s, ok
}

// Statuses returns the status of every known site ordered by site id.
func (cm *ConnectionManager) Statuses() []SiteStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]SiteStatus, 0, len(cm.statuses))
	for _, s := range cm.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out
}

func (cm *ConnectionManager) ConnectedCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connectedCountLocked()
}

// DetachAll cancels every registration and listener. No new subscriptions
// or listeners are accepted afterwards; publishing still works.
func (cm *ConnectionManager) DetachAll() {
	cm.mu.Lock()
	cm.detached = true
	regs := make([]*registration, 0, len(cm.subs))
	for _, r := range cm.subs {
		regs = append(regs, r)
	}
	cm.subs = make(map[subscriptionKey]*registration)
	cm.listeners = make(map[uint64]ConnectedListener)
	cm.mu.Unlock()

	for _, r := range regs {
		cm.cancel(r)
	}
}

// Close detaches everything and disconnects every client.
func (cm *ConnectionManager) Close() {
	cm.DetachAll()

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.closed = true
	conns := make([]*SiteConnection, 0, len(cm.conns))
	for _, c := range cm.conns {
		conns = append(conns, c)
	}
	cm.conns = make(map[string]*SiteConnection)
	cm.mu.Unlock()

	for _, c := range conns {
		c.Client.Disconnect()
	}
	cm.metrics.connected(0)
	cm.logger.Info("Connection manager closed", zap.Int("sites", len(conns)))
}

func (cm *ConnectionManager) setStatus(siteID string, status Status, message, brokerURL string) {
	cm.mu.Lock()
	cm.setStatusLocked(siteID, status, message, brokerURL)
	cm.mu.Unlock()
}

// setStatusIf updates the status only while gen is the current connection.
func (cm *ConnectionManager) setStatusIf(siteID string, gen uint64, status Status, message string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.conns[siteID]
	if !ok || conn.generation != gen {
		return
	}
	cm.setStatusLocked(siteID, status, message, conn.Config.BrokerURL)
}

func (cm *ConnectionManager) setStatusLocked(siteID string, status Status, message, brokerURL string) {
	cm.statuses[siteID] = SiteStatus{
		SiteID:    siteID,
		Status:    status,
		Message:   message,
		Since:     time.Now(),
		BrokerURL: brokerURL,
	}
	cm.metrics.setStatus(siteID, status)
}

func (cm *ConnectionManager) listenersLocked() []ConnectedListener {
	ids := make([]uint64, 0, len(cm.listeners))
	for id := range cm.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ConnectedListener, len(ids))
	for i, id := range ids {
		out[i] = cm.listeners[id]
	}
	return out
}

func (cm *ConnectionManager) connectedLocked() []*SiteConnection {
	out := make([]*SiteConnection, 0, len(cm.conns))
	for _, c := range cm.conns {
		if c.connected {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out
}

func (cm *ConnectionManager) connectedCountLocked() int {
	n := 0
	for _, c := range cm.conns {
		if c.connected {
			n++
		}
	}
	return n
}
