package types

import (
	"encoding/json"
	"time"
)

// Site is the minimal record kept for every site this instance knows about.
type Site struct {
	ID              string   `json:"id"`
	Name            string   `json:"name,omitempty"`
	Color           string   `json:"color,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	AutoProvisioned bool     `json:"autoProvisioned,omitempty"`
}

type NodeSnapshot struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Latitude     float64   `json:"lat"`
	Longitude    float64   `json:"lon"`
	LastSeen     time.Time `json:"lastSeen"`
	UpdatedAt    time.Time `json:"updatedAt"`
	SiteID       string    `json:"siteId"`
	SiteName     string    `json:"siteName,omitempty"`
	SiteColor    string    `json:"siteColor,omitempty"`
	OriginSiteID string    `json:"originSiteId,omitempty"`
}

type NodeChange struct {
	Node NodeSnapshot
}

type CommandStatus string

const (
	CommandCreated  CommandStatus = "created"
	CommandRunning  CommandStatus = "running"
	CommandFinished CommandStatus = "finished"
	CommandError    CommandStatus = "error"
)

// Valid reports whether s is one of the replicated command states.
func (s CommandStatus) Valid() bool {
	switch s {
	case CommandCreated, CommandRunning, CommandFinished, CommandError:
		return true
	}
	return false
}

// Terminal reports whether no further transitions follow s.
func (s CommandStatus) Terminal() bool {
	return s == CommandFinished || s == CommandError
}

type CommandState struct {
	ID           string        `json:"id"`
	SiteID       string        `json:"siteId"`
	Target       string        `json:"target"`
	Name         string        `json:"name"`
	Params       []string      `json:"params,omitempty"`
	Status       CommandStatus `json:"status"`
	AckKind      string        `json:"ackKind,omitempty"`
	AckStatus    string        `json:"ackStatus,omitempty"`
	AckNode      string        `json:"ackNode,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	OriginSiteID string        `json:"originSiteId,omitempty"`
}

// RemoteCommandRequest is local intent to run a command against another
// site's nodes.
type RemoteCommandRequest struct {
	ID           string    `json:"id"`
	TargetSiteID string    `json:"targetSiteId"`
	Target       string    `json:"target"`
	Name         string    `json:"name"`
	Params       []string  `json:"params,omitempty"`
	RequestedBy  string    `json:"requestedBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type TargetRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	MAC       string    `json:"mac,omitempty"`
	Latitude  *float64  `json:"lat,omitempty"`
	Longitude *float64  `json:"lon,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	SiteID    string    `json:"siteId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TargetChange struct {
	Target  TargetRecord
	Deleted bool
}

type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type GeofenceAlarm struct {
	Enabled bool   `json:"enabled"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

type GeofenceRecord struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Polygon   []LatLon      `json:"polygon"`
	Alarm     GeofenceAlarm `json:"alarm"`
	SiteID    string        `json:"siteId"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type GeofenceChangeKind string

const (
	GeofenceUpserted      GeofenceChangeKind = "upsert"
	GeofenceDeleted       GeofenceChangeKind = "delete"
	GeofenceDeleteRequest GeofenceChangeKind = "delete-request"
)

// GeofenceChange is emitted by the geofence collaborator. For a
// delete-request, Geofence.SiteID names the owning remote site.
type GeofenceChange struct {
	Kind     GeofenceChangeKind
	Geofence GeofenceRecord
}

// Event is an item on the local live-update stream.
type Event struct {
	Type           string          `json:"type"`
	SiteID         string          `json:"siteId,omitempty"`
	NodeID         string          `json:"nodeId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	FromFederation bool            `json:"fromFederation,omitempty"`
}

type Alert struct {
	ID        string    `json:"id,omitempty"`
	SiteID    string    `json:"siteId"`
	NodeID    string    `json:"nodeId,omitempty"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type DroneStatus string

const (
	DroneUnknown  DroneStatus = "unknown"
	DroneFriendly DroneStatus = "friendly"
	DroneNeutral  DroneStatus = "neutral"
	DroneHostile  DroneStatus = "hostile"
)

func (s DroneStatus) Valid() bool {
	switch s {
	case DroneUnknown, DroneFriendly, DroneNeutral, DroneHostile:
		return true
	}
	return false
}

// DroneSnapshot is the latest known position of a detected drone. Optional
// numeric fields stay nil when the reporting node could not measure them.
type DroneSnapshot struct {
	DroneID     string      `json:"droneId"`
	MAC         string      `json:"mac,omitempty"`
	NodeID      string      `json:"nodeId,omitempty"`
	Latitude    float64     `json:"lat"`
	Longitude   float64     `json:"lon"`
	Altitude    *float64    `json:"altitude"`
	Speed       *float64    `json:"speed"`
	Heading     *float64    `json:"heading"`
	OperatorLat *float64    `json:"operatorLat"`
	OperatorLon *float64    `json:"operatorLon"`
	RSSI        *float64    `json:"rssi"`
	Status      DroneStatus `json:"status,omitempty"`
	SiteID      string      `json:"siteId"`
	LastSeen    time.Time   `json:"lastSeen"`
}
