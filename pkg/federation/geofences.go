package federation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"meshfed/pkg/config"
	"meshfed/pkg/types"
)

// GeofenceFederation replicates geofences. Every new connection receives a
// snapshot of the locally owned set, and deletes of remote geofences are
// proxied to their owner.
type GeofenceFederation struct {
	base
	geofences GeofenceService
	versions  *versionClock
	snapshots *versionClock
}

func NewGeofenceFederation(env Env, geofences GeofenceService) *GeofenceFederation {
	f := &GeofenceFederation{
		geofences: geofences,
		versions:  newVersionClock(),
		snapshots: newVersionClock(),
	}
	f.init("geofences", env)
	return f
}

func (f *GeofenceFederation) Start(ctx context.Context) error {
	f.begin(ctx)

	ch, stop := f.geofences.WatchGeofences()
	watch(&f.base, ch, stop, f.forward)

	f.attach([]string{
		f.topics.Subscription(ResourceGeofences, ActionUpsert),
		f.topics.Subscription(ResourceGeofences, ActionDelete),
		f.topics.Subscription(ResourceGeofences, ActionSnapshot),
	}, config.ClassGeofences, f.apply, f.sendSnapshot)
	return nil
}

func (f *GeofenceFederation) forward(ctx context.Context, change types.GeofenceChange) {
	g := change.Geofence

	switch change.Kind {
	case types.GeofenceUpserted:
		if g.SiteID != f.local {
			return
		}
		env, ok := f.envelope(TypeGeofenceUpsert, g.UpdatedAt, g)
		if !ok {
			return
		}
		env.GeofenceID = g.ID
		f.publishAll(ctx, f.topics.Publish(f.local, ResourceGeofences, ActionUpsert), env, config.ClassGeofences)

	case types.GeofenceDeleted:
		if g.SiteID != f.local {
			return
		}
		ts := g.UpdatedAt
		if ts.IsZero() {
			ts = f.now()
		}
		env, ok := f.envelope(TypeGeofenceDelete, ts, map[string]string{"id": g.ID})
		if !ok {
			return
		}
		env.GeofenceID = g.ID
		f.publishAll(ctx, f.topics.Publish(f.local, ResourceGeofences, ActionDelete), env, config.ClassGeofences)

	case types.GeofenceDeleteRequest:
		owner := g.SiteID
		if owner == "" || owner == f.local {
			return
		}
		env, ok := f.envelope(TypeGeofenceDelete, f.now(), map[string]string{"id": g.ID})
		if !ok {
			return
		}
		env.GeofenceID = g.ID
		f.logger.Info("Requesting geofence delete from owner",
			zap.String("geofence", g.ID),
			zap.String("owner", owner))
		f.publishAll(ctx, f.topics.Publish(owner, ResourceGeofences, ActionDelete), env, config.ClassGeofences)
	}
}

// sendSnapshot publishes the locally owned geofences to one connection.
func (f *GeofenceFederation) sendSnapshot(conn *SiteConnection) {
	list, err := f.geofences.LocalGeofences(f.ctx)
	if err != nil {
		f.logger.Warn("Failed to load local geofences", zap.Error(err))
		return
	}

	owned := make([]types.GeofenceRecord, 0, len(list))
	for _, g := range list {
		if g.SiteID == "" {
			g.SiteID = f.local
		}
		if g.SiteID == f.local {
			owned = append(owned, g)
		}
	}

	env, ok := f.envelope(TypeGeofenceSnapshot, f.now(), owned)
	if !ok {
		return
	}
	topic := f.topics.Publish(f.local, ResourceGeofences, ActionSnapshot)
	if err := f.publishTo(f.ctx, conn.SiteID, topic, env, config.ClassGeofences); err != nil {
		f.logger.Warn("Failed to send geofence snapshot",
			zap.String("site", conn.SiteID),
			zap.Error(err))
		return
	}
	f.metrics.snapshotSent()
	f.logger.Debug("Sent geofence snapshot",
		zap.String("site", conn.SiteID),
		zap.Int("geofences", len(owned)))
}

func (f *GeofenceFederation) apply(ctx context.Context, msg Message) (string, error) {
	switch m := msg.(type) {
	case GeofenceUpsert:
		g := m.Geofence
		if g.SiteID == "" {
			g.SiteID = m.Origin
		}
		if g.SiteID == f.local || g.SiteID != m.Origin {
			return OutcomeIgnored, nil
		}
		if !f.versions.admit(m.Origin, g.ID, m.Timestamp, false) {
			return OutcomeStale, nil
		}
		if err := f.geofences.SyncRemoteGeofence(ctx, m.Origin, g); err != nil {
			return "", fmt.Errorf("sync geofence %s: %w", g.ID, err)
		}
		return OutcomeApplied, nil

	case GeofenceDelete:
		return f.applyDelete(ctx, m)

	case GeofenceSnapshot:
		return f.applySnapshot(ctx, m)
	}
	return OutcomeIgnored, nil
}

func (f *GeofenceFederation) applyDelete(ctx context.Context, m GeofenceDelete) (string, error) {
	switch {
	case m.Topic.SiteID == f.local:
		// A remote site asks us, the owner, to delete. The local delete
		// then federates like any other.
		f.logger.Info("Deleting local geofence on remote request",
			zap.String("geofence", m.GeofenceID),
			zap.String("origin", m.Origin))
		if err := f.geofences.DeleteLocalGeofence(ctx, m.GeofenceID); err != nil {
			return "", fmt.Errorf("delete local geofence %s: %w", m.GeofenceID, err)
		}
		return OutcomeApplied, nil

	case m.Origin == m.Topic.SiteID:
		if !f.versions.admit(m.Origin, m.GeofenceID, m.Timestamp, true) {
			return OutcomeStale, nil
		}
		if err := f.geofences.SyncRemoteGeofenceDelete(ctx, m.Origin, m.GeofenceID); err != nil {
			return "", fmt.Errorf("sync geofence delete %s: %w", m.GeofenceID, err)
		}
		return OutcomeApplied, nil
	}

	// A delete request addressed to another owner.
	return OutcomeIgnored, nil
}

func (f *GeofenceFederation) applySnapshot(ctx context.Context, m GeofenceSnapshot) (string, error) {
	if !f.snapshots.admit(m.Origin, "", m.Timestamp, false) {
		return OutcomeStale, nil
	}

	existing, err := f.geofences.RemoteGeofences(ctx, m.Origin)
	if err != nil {
		return "", fmt.Errorf("list geofences of %s: %w", m.Origin, err)
	}

	included := make(map[string]bool, len(m.Geofences))
	list := make([]types.GeofenceRecord, 0, len(m.Geofences))
	for _, g := range m.Geofences {
		if g.SiteID == "" {
			g.SiteID = m.Origin
		}
		if g.SiteID != m.Origin {
			continue
		}
		// Skip records a newer delete already removed.
		if !f.versions.admit(m.Origin, g.ID, unixMillis(g.UpdatedAt), false) {
			continue
		}
		included[g.ID] = true
		list = append(list, g)
	}
	// Replicas written after the snapshot was taken survive the replacement.
	for _, g := range existing {
		if !included[g.ID] && f.versions.newer(m.Origin, g.ID, m.Timestamp) {
			list = append(list, g)
		}
	}

	if err := f.geofences.SyncRemoteSnapshot(ctx, m.Origin, list); err != nil {
		return "", fmt.Errorf("sync geofence snapshot from %s: %w", m.Origin, err)
	}
	f.logger.Debug("Applied geofence snapshot",
		zap.String("origin", m.Origin),
		zap.Int("geofences", len(list)))
	return OutcomeApplied, nil
}
