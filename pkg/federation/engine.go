package federation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"meshfed/pkg/config"
	"meshfed/pkg/transport"
)

// Collaborators are the local services the modules federate. A module is
// only created when its service is set; Drones and Notifier are optional
// parts of the event module.
type Collaborators struct {
	Nodes     NodeService
	Commands  CommandService
	Targets   TargetService
	Geofences GeofenceService
	Events    EventService
	Drones    DroneService
	Notifier  Notifier
}

// Engine wires the domain modules to the connection manager.
type Engine struct {
	cfg     *config.Config
	topics  Topics
	cm      *ConnectionManager
	modules []Module
	logger  *zap.Logger

	mu      sync.Mutex
	started []Module
	stopped bool
}

func NewEngine(cfg *config.Config, collab Collaborators, dial transport.Dialer, metrics *Metrics, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	topics := NewTopics(cfg.Namespace)
	cm := NewConnectionManager(cfg.SiteID, dial, metrics, logger.Named("connections"))
	cm.SetInboxSize(cfg.InboxSize)

	env := Env{
		LocalSiteID: cfg.SiteID,
		Topics:      topics,
		Connections: cm,
		Metrics:     metrics,
		Logger:      logger,
	}

	var modules []Module
	if collab.Nodes != nil {
		modules = append(modules, NewNodeFederation(env, collab.Nodes))
	}
	if collab.Commands != nil {
		modules = append(modules, NewCommandFederation(env, collab.Commands))
	}
	if collab.Targets != nil {
		modules = append(modules, NewTargetFederation(env, collab.Targets))
	}
	if collab.Geofences != nil {
		modules = append(modules, NewGeofenceFederation(env, collab.Geofences))
	}
	if collab.Events != nil {
		modules = append(modules, NewEventFederation(env, collab.Events, collab.Drones, collab.Notifier))
	}

	return &Engine{
		cfg:     cfg,
		topics:  topics,
		cm:      cm,
		modules: modules,
		logger:  logger,
	}, nil
}

// Start starts every module and then connects the configured sites.
// Connection failures are recorded per site and do not fail Start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrClosed
	}

	for _, m := range e.modules {
		if err := m.Start(ctx); err != nil {
			for i := len(e.started) - 1; i >= 0; i-- {
				e.started[i].Stop()
			}
			e.started = nil
			return fmt.Errorf("start %s federation: %w", m.Name(), err)
		}
		e.started = append(e.started, m)
	}

	e.logger.Info("Federation engine started",
		zap.String("site", e.cfg.SiteID),
		zap.String("namespace", e.topics.Namespace),
		zap.Int("modules", len(e.started)),
		zap.Int("sites", len(e.cfg.Sites)))

	if err := e.cm.ConnectAll(ctx, e.cfg.Sites); err != nil {
		e.logger.Warn("Some sites failed to connect", zap.Error(err))
	}
	return nil
}

// Shutdown detaches inbound handlers, stops the local streams and then
// disconnects every site.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true

	e.cm.DetachAll()
	for i := len(e.started) - 1; i >= 0; i-- {
		e.started[i].Stop()
	}
	e.started = nil
	e.cm.Close()
	e.logger.Info("Federation engine stopped")
}

func (e *Engine) Connections() *ConnectionManager { return e.cm }

func (e *Engine) Topics() Topics { return e.topics }

func (e *Engine) Modules() []Module {
	out := make([]Module, len(e.modules))
	copy(out, e.modules)
	return out
}
