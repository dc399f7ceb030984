package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"meshfed/pkg/config"
	"meshfed/pkg/types"
)

const (
	EventAlert          = "alert"
	EventTargetDetected = "target.detected"
	EventTargetEvent    = "target.event"
	EventCommandAck     = "command.ack"
	EventCommandResult  = "command.result"
	EventDroneTelemetry = "drone.telemetry"
	EventDroneStatus    = "drone.status"
)

// federatedEvents are the event types shared between sites.
var federatedEvents = map[string]bool{
	EventAlert:          true,
	EventTargetDetected: true,
	EventTargetEvent:    true,
	EventCommandAck:     true,
	EventCommandResult:  true,
	EventDroneTelemetry: true,
	EventDroneStatus:    true,
}

// Federated reports whether events of eventType are shared between sites.
func Federated(eventType string) bool {
	return federatedEvents[strings.ToLower(strings.TrimSpace(eventType))]
}

// EventFederation shares selected live events, deduplicates alerts before
// notification dispatch and maintains remote drone tracks.
type EventFederation struct {
	base
	events   EventService
	drones   DroneService
	notifier Notifier
	alerts   *windowSet
}

// NewEventFederation creates the module. drones and notifier may be nil.
func NewEventFederation(env Env, events EventService, drones DroneService, notifier Notifier) *EventFederation {
	f := &EventFederation{
		events:   events,
		drones:   drones,
		notifier: notifier,
	}
	f.init("events", env)
	f.alerts = newWindowSet(AlertDedupWindow, f.now)
	return f
}

func (f *EventFederation) Start(ctx context.Context) error {
	f.begin(ctx)

	ch, stop := f.events.WatchEvents()
	watch(&f.base, ch, stop, f.forward)

	f.attach([]string{f.topics.EventSubscription()}, config.ClassEvents, f.apply, nil)
	return nil
}

func (f *EventFederation) forward(ctx context.Context, evt types.Event) {
	if evt.FromFederation || !Federated(evt.Type) {
		return
	}
	if evt.SiteID != "" && evt.SiteID != f.local {
		return
	}

	payload := map[string]json.RawMessage{}
	if len(evt.Payload) > 0 && !isNull(evt.Payload) {
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			f.logger.Warn("Dropping event with a non-object payload",
				zap.String("type", evt.Type),
				zap.Error(err))
			return
		}
	}
	setIfMissing(payload, "nodeId", evt.NodeID)
	if !evt.Timestamp.IsZero() {
		setIfMissing(payload, "timestamp", evt.Timestamp.UTC().Format(time.RFC3339Nano))
	}

	eventType := strings.ToLower(strings.TrimSpace(evt.Type))
	env, ok := f.envelope(TypeEvent, evt.Timestamp, payload)
	if !ok {
		return
	}
	env.EventType = eventType
	f.publishAll(ctx, f.topics.Event(f.local, eventType), env, config.ClassEvents)
}

func setIfMissing(m map[string]json.RawMessage, key, value string) {
	if value == "" {
		return
	}
	if _, ok := m[key]; ok {
		return
	}
	data, _ := json.Marshal(value)
	m[key] = data
}

func (f *EventFederation) apply(ctx context.Context, msg Message) (string, error) {
	m, ok := msg.(EventMessage)
	if !ok {
		return OutcomeIgnored, nil
	}
	eventType := strings.ToLower(m.EventType)
	if !federatedEvents[eventType] {
		return OutcomeIgnored, nil
	}

	fs, err := parseFields(m.Payload)
	if err != nil {
		return OutcomeMalformed, nil
	}

	switch eventType {
	case EventAlert:
		return f.applyAlert(ctx, m, fs)
	case EventDroneTelemetry:
		return f.applyTelemetry(ctx, m, fs)
	case EventDroneStatus:
		return f.applyDroneStatus(ctx, m, fs)
	}

	if err := f.live(ctx, m, fs); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// eventTime returns the payload timestamp, then the envelope's, then now.
func (f *EventFederation) eventTime(m EventMessage, fs fields) time.Time {
	if t, ok := fs.timestamp("timestamp", "ts"); ok {
		return t
	}
	if m.Timestamp > 0 {
		return time.UnixMilli(m.Timestamp)
	}
	return f.now()
}

func (f *EventFederation) live(ctx context.Context, m EventMessage, fs fields) error {
	evt := types.Event{
		Type:           strings.ToLower(m.EventType),
		SiteID:         m.Origin,
		NodeID:         fs.str("nodeId", "node"),
		Timestamp:      f.eventTime(m, fs),
		Payload:        m.Payload,
		FromFederation: true,
	}
	if err := f.events.PublishLive(ctx, evt); err != nil {
		return fmt.Errorf("publish %s live: %w", evt.Type, err)
	}
	return nil
}

func (f *EventFederation) applyAlert(ctx context.Context, m EventMessage, fs fields) (string, error) {
	alert := types.Alert{
		ID:      fs.str("id", "alertId"),
		SiteID:  m.Origin,
		NodeID:  fs.str("nodeId", "node"),
		Level:   fs.str("level", "severity"),
		Message: fs.str("message", "msg"),
	}
	if t, ok := fs.timestamp("timestamp", "ts"); ok {
		alert.Timestamp = t
	} else if m.Timestamp > 0 {
		alert.Timestamp = time.UnixMilli(m.Timestamp)
	}

	if err := f.live(ctx, m, fs); err != nil {
		return "", err
	}

	key := alertKey(m.Origin, alert)
	if f.alerts.Seen(key) {
		f.metrics.alertSuppressed()
		f.logger.Debug("Suppressing repeated alert",
			zap.String("origin", m.Origin),
			zap.String("alert", alert.ID))
		return OutcomeApplied, nil
	}

	if f.notifier == nil {
		return OutcomeApplied, nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = f.now()
	}
	err := f.notifier.Dispatch(ctx, alert)
	f.metrics.alertDispatched(err)
	if err != nil {
		// A redelivery gets another chance at the targets.
		f.alerts.Forget(key)
		return "", fmt.Errorf("dispatch alert: %w", err)
	}
	return OutcomeApplied, nil
}

func (f *EventFederation) applyTelemetry(ctx context.Context, m EventMessage, fs fields) (string, error) {
	droneID := fs.str("droneId", "drone_id", "id")
	lat := fs.number("lat", "latitude")
	lon := fs.number("lon", "lng", "longitude")
	if droneID == "" || lat == nil || lon == nil || *lat < -90 || *lat > 90 || *lon < -180 || *lon > 180 {
		f.logger.Warn("Dropping drone telemetry without a usable position",
			zap.String("origin", m.Origin),
			zap.String("drone", droneID))
		return OutcomeMalformed, nil
	}

	if f.drones != nil {
		drone := types.DroneSnapshot{
			DroneID:     droneID,
			MAC:         fs.str("mac"),
			NodeID:      fs.str("nodeId", "node"),
			Latitude:    *lat,
			Longitude:   *lon,
			Altitude:    fs.number("altitude", "alt"),
			Speed:       fs.number("speed"),
			Heading:     fs.number("heading", "course"),
			OperatorLat: fs.number("operatorLat", "operator_lat"),
			OperatorLon: fs.number("operatorLon", "operator_lon", "operatorLng"),
			RSSI:        fs.number("rssi"),
			SiteID:      m.Origin,
			LastSeen:    f.eventTime(m, fs),
		}

		status := types.DroneStatus(strings.ToLower(fs.str("status")))
		if !status.Valid() {
			existing, found, err := f.drones.Drone(ctx, droneID)
			if err != nil {
				return "", fmt.Errorf("lookup drone %s: %w", droneID, err)
			}
			status = types.DroneUnknown
			if found && existing.Status != "" {
				status = existing.Status
			}
		}
		drone.Status = status

		if err := f.drones.UpsertDrone(ctx, drone); err != nil {
			return "", fmt.Errorf("upsert drone %s: %w", droneID, err)
		}
	}

	if err := f.live(ctx, m, fs); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (f *EventFederation) applyDroneStatus(ctx context.Context, m EventMessage, fs fields) (string, error) {
	droneID := fs.str("droneId", "drone_id", "id")
	status := types.DroneStatus(strings.ToLower(fs.str("status")))
	if droneID == "" || !status.Valid() {
		return OutcomeIgnored, nil
	}

	if f.drones != nil {
		if err := f.drones.UpdateDroneStatus(ctx, droneID, status); err != nil {
			return "", fmt.Errorf("update drone %s status: %w", droneID, err)
		}
	}

	if err := f.live(ctx, m, fs); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}
