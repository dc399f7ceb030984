package federation

import (
	"context"

	"meshfed/pkg/types"
)

// The interfaces below are the boundary to the local persistence and
// application services. Watch methods return a change stream and a function
// that stops it; the stream is not closed by the stop function.

type NodeService interface {
	WatchNodes() (<-chan types.NodeChange, func())
	HasSite(ctx context.Context, siteID string) (bool, error)
	EnsureSite(ctx context.Context, site types.Site) error
	UpsertNode(ctx context.Context, node types.NodeSnapshot) error
}

type CommandService interface {
	WatchCommandStates() (<-chan types.CommandState, func())
	WatchRemoteRequests() (<-chan types.RemoteCommandRequest, func())
	// UpsertRemoteCommand stores a read-only projection of another site's
	// command execution.
	UpsertRemoteCommand(ctx context.Context, cmd types.CommandState) error
	// ExecuteRemoteRequest runs a command another site asked for.
	ExecuteRemoteRequest(ctx context.Context, req types.RemoteCommandRequest, originSiteID string) error
}

type TargetService interface {
	WatchTargets() (<-chan types.TargetChange, func())
	SyncRemoteTarget(ctx context.Context, originSiteID string, target types.TargetRecord) error
	SyncRemoteTargetDelete(ctx context.Context, originSiteID, targetID string) error
}

type GeofenceService interface {
	WatchGeofences() (<-chan types.GeofenceChange, func())
	LocalGeofences(ctx context.Context) ([]types.GeofenceRecord, error)
	SyncRemoteGeofence(ctx context.Context, originSiteID string, g types.GeofenceRecord) error
	SyncRemoteGeofenceDelete(ctx context.Context, originSiteID, geofenceID string) error
	RemoteGeofences(ctx context.Context, originSiteID string) ([]types.GeofenceRecord, error)
	// SyncRemoteSnapshot replaces every geofence attributed to originSiteID.
	SyncRemoteSnapshot(ctx context.Context, originSiteID string, list []types.GeofenceRecord) error
	// DeleteLocalGeofence removes a locally owned geofence on behalf of a
	// remote site.
	DeleteLocalGeofence(ctx context.Context, geofenceID string) error
}

type EventService interface {
	WatchEvents() (<-chan types.Event, func())
	// PublishLive pushes an event to the local live-update sink.
	PublishLive(ctx context.Context, evt types.Event) error
}

type DroneService interface {
	Drone(ctx context.Context, droneID string) (types.DroneSnapshot, bool, error)
	UpsertDrone(ctx context.Context, drone types.DroneSnapshot) error
	UpdateDroneStatus(ctx context.Context, droneID string, status types.DroneStatus) error
}

// Notifier hands alerts to external notification targets.
type Notifier interface {
	Dispatch(ctx context.Context, alert types.Alert) error
}
