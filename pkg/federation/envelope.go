package federation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meshfed/pkg/types"
)

// Envelope type tags.
const (
	TypeNodeUpsert       = "node.upsert"
	TypeCommandEvent     = "command.event"
	TypeCommandRequest   = "command.request"
	TypeTargetUpsert     = "target.upsert"
	TypeTargetDelete     = "target.delete"
	TypeGeofenceUpsert   = "geofence.upsert"
	TypeGeofenceDelete   = "geofence.delete"
	TypeGeofenceSnapshot = "geofence.snapshot"
	TypeEvent            = "event"
)

var (
	ErrMalformed   = errors.New("malformed federation message")
	ErrUnknownType = errors.New("unknown federation message type")
)

// Envelope is the wire shape of every federation message. OriginSiteID is
// the owner of the record, never the site that relayed it. Timestamp is the
// owner's change time in unix milliseconds.
type Envelope struct {
	Type         string          `json:"type"`
	OriginSiteID string          `json:"originSiteId"`
	Timestamp    int64           `json:"ts,omitempty"`
	CommandID    string          `json:"commandId,omitempty"`
	TargetID     string          `json:"targetId,omitempty"`
	GeofenceID   string          `json:"geofenceId,omitempty"`
	TargetSiteID string          `json:"targetSiteId,omitempty"`
	EventType    string          `json:"eventType,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with payload marshaled to JSON.
func NewEnvelope(msgType, originSiteID string, ts time.Time, payload interface{}) (Envelope, error) {
	env := Envelope{
		Type:         msgType,
		OriginSiteID: originSiteID,
		Timestamp:    unixMillis(ts),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Message is a decoded inbound federation message.
type Message interface {
	Meta() Inbound
}

// Inbound is the metadata shared by every decoded message.
type Inbound struct {
	Type      string
	Topic     TopicParts
	Origin    string
	Timestamp int64
}

func (i Inbound) Meta() Inbound { return i }

type NodeUpsert struct {
	Inbound
	Node types.NodeSnapshot
}

type CommandEvent struct {
	Inbound
	Command types.CommandState
}

type CommandRequest struct {
	Inbound
	Request types.RemoteCommandRequest
}

type TargetUpsert struct {
	Inbound
	Target types.TargetRecord
}

type TargetDelete struct {
	Inbound
	TargetID string
}

type GeofenceUpsert struct {
	Inbound
	Geofence types.GeofenceRecord
}

type GeofenceDelete struct {
	Inbound
	GeofenceID string
}

type GeofenceSnapshot struct {
	Inbound
	Geofences []types.GeofenceRecord
}

type EventMessage struct {
	Inbound
	EventType string
	Payload   json.RawMessage
}

// expected topic resource/action per type.
var typeRoutes = map[string][2]string{
	TypeNodeUpsert:       {ResourceNodes, ActionUpsert},
	TypeCommandEvent:     {ResourceCommands, ActionEvents},
	TypeCommandRequest:   {ResourceCommands, ActionRequest},
	TypeTargetUpsert:     {ResourceTargets, ActionUpsert},
	TypeTargetDelete:     {ResourceTargets, ActionDelete},
	TypeGeofenceUpsert:   {ResourceGeofences, ActionUpsert},
	TypeGeofenceDelete:   {ResourceGeofences, ActionDelete},
	TypeGeofenceSnapshot: {ResourceGeofences, ActionSnapshot},
}

// Route is the topic resource and action a message type travels on.
type Route struct {
	Type     string
	Resource string
	Action   string
}

var routeOrder = []string{
	TypeNodeUpsert,
	TypeCommandEvent,
	TypeCommandRequest,
	TypeTargetUpsert,
	TypeTargetDelete,
	TypeGeofenceUpsert,
	TypeGeofenceDelete,
	TypeGeofenceSnapshot,
}

// Routes lists the fixed routes. Events use one topic per event type and
// are not included.
func Routes() []Route {
	out := make([]Route, 0, len(routeOrder))
	for _, t := range routeOrder {
		r := typeRoutes[t]
		out = append(out, Route{Type: t, Resource: r[0], Action: r[1]})
	}
	return out
}

// Decode parses and validates one inbound message. It returns exactly one
// of the typed messages above, ErrUnknownType, or an error wrapping
// ErrMalformed. Partially valid input is rejected as a whole.
func Decode(topics Topics, topic string, data []byte) (Message, error) {
	parts, err := topics.Parse(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	meta := Inbound{
		Type:      env.Type,
		Topic:     parts,
		Origin:    env.OriginSiteID,
		Timestamp: env.Timestamp,
	}
	if meta.Origin == "" {
		meta.Origin = parts.SiteID
	}
	if env.Timestamp < 0 {
		return nil, fmt.Errorf("%w: negative timestamp", ErrMalformed)
	}

	if env.Type == TypeEvent {
		if parts.Resource != ResourceEvents {
			return nil, fmt.Errorf("%w: %s on %s topic", ErrMalformed, env.Type, parts.Resource)
		}
		return decodeEvent(meta, env)
	}

	route, ok := typeRoutes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if parts.Resource != route[0] || parts.Action != route[1] {
		return nil, fmt.Errorf("%w: %s on %s/%s topic", ErrMalformed, env.Type, parts.Resource, parts.Action)
	}

	switch env.Type {
	case TypeNodeUpsert:
		var node types.NodeSnapshot
		if err := decodePayload(env, &node); err != nil {
			return nil, err
		}
		if node.ID == "" {
			return nil, fmt.Errorf("%w: node id is required", ErrMalformed)
		}
		return NodeUpsert{Inbound: meta, Node: node}, nil

	case TypeCommandEvent:
		var cmd types.CommandState
		if err := decodePayload(env, &cmd); err != nil {
			return nil, err
		}
		id, err := reconcileID(env.CommandID, cmd.ID, "command")
		if err != nil {
			return nil, err
		}
		cmd.ID = id
		if !cmd.Status.Valid() {
			return nil, fmt.Errorf("%w: invalid command status %q", ErrMalformed, cmd.Status)
		}
		return CommandEvent{Inbound: meta, Command: cmd}, nil

	case TypeCommandRequest:
		var req types.RemoteCommandRequest
		if err := decodePayload(env, &req); err != nil {
			return nil, err
		}
		id, err := reconcileID(env.CommandID, req.ID, "command request")
		if err != nil {
			return nil, err
		}
		req.ID = id
		targetSite, err := reconcileID(env.TargetSiteID, req.TargetSiteID, "target site")
		if err != nil {
			return nil, err
		}
		req.TargetSiteID = targetSite
		if req.Name == "" {
			return nil, fmt.Errorf("%w: command name is required", ErrMalformed)
		}
		return CommandRequest{Inbound: meta, Request: req}, nil

	case TypeTargetUpsert:
		var target types.TargetRecord
		if err := decodePayload(env, &target); err != nil {
			return nil, err
		}
		if target.ID == "" {
			return nil, fmt.Errorf("%w: target id is required", ErrMalformed)
		}
		return TargetUpsert{Inbound: meta, Target: target}, nil

	case TypeTargetDelete:
		id, err := deleteID(env, env.TargetID, "target")
		if err != nil {
			return nil, err
		}
		return TargetDelete{Inbound: meta, TargetID: id}, nil

	case TypeGeofenceUpsert:
		var g types.GeofenceRecord
		if err := decodePayload(env, &g); err != nil {
			return nil, err
		}
		if err := validateGeofence(g); err != nil {
			return nil, err
		}
		return GeofenceUpsert{Inbound: meta, Geofence: g}, nil

	case TypeGeofenceDelete:
		id, err := deleteID(env, env.GeofenceID, "geofence")
		if err != nil {
			return nil, err
		}
		return GeofenceDelete{Inbound: meta, GeofenceID: id}, nil

	case TypeGeofenceSnapshot:
		var list []types.GeofenceRecord
		if len(env.Payload) > 0 && !isNull(env.Payload) {
			if err := decodePayload(env, &list); err != nil {
				return nil, err
			}
		}
		for _, g := range list {
			if err := validateGeofence(g); err != nil {
				return nil, err
			}
		}
		return GeofenceSnapshot{Inbound: meta, Geofences: list}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func decodeEvent(meta Inbound, env Envelope) (Message, error) {
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: eventType is required", ErrMalformed)
	}
	if SanitizeEventType(env.EventType) != meta.Topic.Action {
		return nil, fmt.Errorf("%w: event type %q does not match topic", ErrMalformed, env.EventType)
	}
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || isNull(payload) {
		payload = []byte("{}")
	}
	if payload[0] != '{' {
		return nil, fmt.Errorf("%w: event payload must be an object", ErrMalformed)
	}
	return EventMessage{Inbound: meta, EventType: env.EventType, Payload: payload}, nil
}

func decodePayload(env Envelope, v interface{}) error {
	if len(env.Payload) == 0 || isNull(env.Payload) {
		return fmt.Errorf("%w: %s requires a payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

// deleteID reads a delete's record id from its envelope field, falling back
// to {"id": ...} in the payload.
func deleteID(env Envelope, field, kind string) (string, error) {
	var payloadID string
	if len(env.Payload) > 0 && !isNull(env.Payload) {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return "", fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
		}
		payloadID = p.ID
	}
	return reconcileID(field, payloadID, kind)
}

func reconcileID(envelopeID, payloadID, kind string) (string, error) {
	switch {
	case envelopeID == "" && payloadID == "":
		return "", fmt.Errorf("%w: %s id is required", ErrMalformed, kind)
	case envelopeID != "" && payloadID != "" && envelopeID != payloadID:
		return "", fmt.Errorf("%w: %s id mismatch %q != %q", ErrMalformed, kind, envelopeID, payloadID)
	case envelopeID != "":
		return envelopeID, nil
	default:
		return payloadID, nil
	}
}

func validateGeofence(g types.GeofenceRecord) error {
	if g.ID == "" {
		return fmt.Errorf("%w: geofence id is required", ErrMalformed)
	}
	if len(g.Polygon) < 3 {
		return fmt.Errorf("%w: geofence %s polygon needs at least 3 points", ErrMalformed, g.ID)
	}
	for _, p := range g.Polygon {
		if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			return fmt.Errorf("%w: geofence %s has an out of range point", ErrMalformed, g.ID)
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
