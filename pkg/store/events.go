package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshfed/pkg/types"
)

const defaultRecentEvents = 200

// Events is the local live-update stream. Local and federated events share
// one feed; federated ones carry FromFederation.
type Events struct {
	localSiteID string
	now         func() time.Time
	feed        *Feed[types.Event]

	mu     sync.Mutex
	recent []types.Event
	limit  int
}

func NewEvents(localSiteID string) *Events {
	return &Events{
		localSiteID: localSiteID,
		now:         time.Now,
		feed:        NewFeed[types.Event](64),
		limit:       defaultRecentEvents,
	}
}

// Emit publishes an event raised by the local site.
func (s *Events) Emit(eventType, nodeID string, payload interface{}) (types.Event, error) {
	evt := types.Event{
		Type:      eventType,
		SiteID:    s.localSiteID,
		NodeID:    nodeID,
		Timestamp: s.now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return types.Event{}, err
		}
		evt.Payload = data
	}
	return evt, s.PublishLive(context.Background(), evt)
}

func (s *Events) PublishLive(ctx context.Context, evt types.Event) error {
	s.mu.Lock()
	s.recent = append(s.recent, evt)
	if len(s.recent) > s.limit {
		s.recent = append([]types.Event(nil), s.recent[len(s.recent)-s.limit:]...)
	}
	s.mu.Unlock()

	s.feed.Send(evt)
	return nil
}

func (s *Events) WatchEvents() (<-chan types.Event, func()) {
	return s.feed.Watch()
}

// Recent returns the latest events, oldest first.
func (s *Events) Recent() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Event, len(s.recent))
	copy(out, s.recent)
	return out
}

// LogNotifier writes dispatched alerts to a logger.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Dispatch(ctx context.Context, alert types.Alert) error {
	n.logger.Warn("Federated alert",
		zap.String("site", alert.SiteID),
		zap.String("node", alert.NodeID),
		zap.String("level", alert.Level),
		zap.String("message", alert.Message),
		zap.Time("timestamp", alert.Timestamp))
	return nil
}
