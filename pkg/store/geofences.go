package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshfed/pkg/types"
)

// Geofences keeps local geofences and the replicated sets of other sites.
type Geofences struct {
	localSiteID string
	now         func() time.Time

	mu     sync.RWMutex
	local  map[string]types.GeofenceRecord
	remote map[string]map[string]types.GeofenceRecord
	feed   *Feed[types.GeofenceChange]
}

func NewGeofences(localSiteID string) *Geofences {
	return &Geofences{
		localSiteID: localSiteID,
		now:         time.Now,
		local:       make(map[string]types.GeofenceRecord),
		remote:      make(map[string]map[string]types.GeofenceRecord),
		feed:        NewFeed[types.GeofenceChange](16),
	}
}

func (s *Geofences) WatchGeofences() (<-chan types.GeofenceChange, func()) {
	return s.feed.Watch()
}

// Upsert stores a local geofence.
func (s *Geofences) Upsert(g types.GeofenceRecord) (types.GeofenceRecord, error) {
	if len(g.Polygon) < 3 {
		return types.GeofenceRecord{}, fmt.Errorf("geofence polygon needs at least 3 points, got %d", len(g.Polygon))
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.SiteID = s.localSiteID

	s.mu.Lock()
	g.UpdatedAt = revision(s.now(), s.local[g.ID].UpdatedAt)
	s.local[g.ID] = g
	s.mu.Unlock()

	s.feed.Send(types.GeofenceChange{Kind: types.GeofenceUpserted, Geofence: g})
	return g, nil
}

// Delete removes a local geofence.
func (s *Geofences) Delete(id string) error {
	s.mu.Lock()
	g, ok := s.local[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("geofence %s: %w", id, ErrNotFound)
	}
	delete(s.local, id)
	s.mu.Unlock()

	g.UpdatedAt = revision(s.now(), g.UpdatedAt)
	s.feed.Send(types.GeofenceChange{Kind: types.GeofenceDeleted, Geofence: g})
	return nil
}

// RequestDelete asks the owning site to delete one of its geofences. The
// local replica stays until the owner's delete arrives.
func (s *Geofences) RequestDelete(ownerSiteID, id string) error {
	if ownerSiteID == s.localSiteID {
		return s.Delete(id)
	}
	s.mu.RLock()
	g, ok := s.remote[ownerSiteID][id]
	s.mu.RUnlock()
	if !ok {
		g = types.GeofenceRecord{ID: id, SiteID: ownerSiteID}
	}
	s.feed.Send(types.GeofenceChange{Kind: types.GeofenceDeleteRequest, Geofence: g})
	return nil
}

func (s *Geofences) LocalGeofences(ctx context.Context) ([]types.GeofenceRecord, error) {
	s.mu.RLock()
	out := make([]types.GeofenceRecord, 0, len(s.local))
	for _, g := range s.local {
		out = append(out, g)
	}
	s.mu.RUnlock()
	sortGeofences(out)
	return out, nil
}

func (s *Geofences) SyncRemoteGeofence(ctx context.Context, originSiteID string, g types.GeofenceRecord) error {
	if originSiteID == s.localSiteID || g.SiteID == s.localSiteID {
		return fmt.Errorf("geofence %s: %w", g.ID, ErrLocalRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.remote[originSiteID]
	if !ok {
		site = make(map[string]types.GeofenceRecord)
		s.remote[originSiteID] = site
	}
	site[g.ID] = g
	return nil
}

func (s *Geofences) SyncRemoteGeofenceDelete(ctx context.Context, originSiteID, geofenceID string) error {
	if originSiteID == s.localSiteID {
		return fmt.Errorf("geofence %s: %w", geofenceID, ErrLocalRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remote[originSiteID], geofenceID)
	return nil
}

// SyncRemoteSnapshot replaces every geofence attributed to originSiteID.
func (s *Geofences) SyncRemoteSnapshot(ctx context.Context, originSiteID string, list []types.GeofenceRecord) error {
	if originSiteID == s.localSiteID {
		return fmt.Errorf("snapshot from %s: %w", originSiteID, ErrLocalRecord)
	}
	site := make(map[string]types.GeofenceRecord, len(list))
	for _, g := range list {
		site[g.ID] = g
	}
	s.mu.Lock()
	s.remote[originSiteID] = site
	s.mu.Unlock()
	return nil
}

func (s *Geofences) RemoteGeofences(ctx context.Context, originSiteID string) ([]types.GeofenceRecord, error) {
	return s.Remote(originSiteID), nil
}

// DeleteLocalGeofence serves delete requests from other sites. A request for
// a geofence that is already gone succeeds.
func (s *Geofences) DeleteLocalGeofence(ctx context.Context, geofenceID string) error {
	if err := s.Delete(geofenceID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *Geofences) Local(id string) (types.GeofenceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.local[id]
	return g, ok
}

// Remote returns the replicated geofences of one site.
func (s *Geofences) Remote(originSiteID string) []types.GeofenceRecord {
	s.mu.RLock()
	out := make([]types.GeofenceRecord, 0, len(s.remote[originSiteID]))
	for _, g := range s.remote[originSiteID] {
		out = append(out, g)
	}
	s.mu.RUnlock()
	sortGeofences(out)
	return out
}

func sortGeofences(list []types.GeofenceRecord) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
