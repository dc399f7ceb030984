package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshfed/pkg/types"
)

// Targets keeps local target records and per-site replicas.
type Targets struct {
	localSiteID string
	now         func() time.Time

	mu     sync.RWMutex
	local  map[string]types.TargetRecord
	remote map[string]map[string]types.TargetRecord
	feed   *Feed[types.TargetChange]
}

func NewTargets(localSiteID string) *Targets {
	return &Targets{
		localSiteID: localSiteID,
		now:         time.Now,
		local:       make(map[string]types.TargetRecord),
		remote:      make(map[string]map[string]types.TargetRecord),
		feed:        NewFeed[types.TargetChange](16),
	}
}

func (s *Targets) WatchTargets() (<-chan types.TargetChange, func()) {
	return s.feed.Watch()
}

// Upsert stores a local target, assigning an id when it has none.
func (s *Targets) Upsert(t types.TargetRecord) types.TargetRecord {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.SiteID = s.localSiteID

	s.mu.Lock()
	t.UpdatedAt = revision(s.now(), s.local[t.ID].UpdatedAt)
	s.local[t.ID] = t
	s.mu.Unlock()

	s.feed.Send(types.TargetChange{Target: t})
	return t
}

// Delete removes a local target.
func (s *Targets) Delete(id string) error {
	s.mu.Lock()
	t, ok := s.local[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	delete(s.local, id)
	s.mu.Unlock()

	t.UpdatedAt = revision(s.now(), t.UpdatedAt)
	s.feed.Send(types.TargetChange{Target: t, Deleted: true})
	return nil
}

func (s *Targets) SyncRemoteTarget(ctx context.Context, originSiteID string, t types.TargetRecord) error {
	if originSiteID == s.localSiteID || t.SiteID == s.localSiteID {
		return fmt.Errorf("target %s: %w", t.ID, ErrLocalRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.remote[originSiteID]
	if !ok {
		site = make(map[string]types.TargetRecord)
		s.remote[originSiteID] = site
	}
	site[t.ID] = t
	return nil
}

// SyncRemoteTargetDelete removes a replica. Deleting an unknown replica is
// not an error.
func (s *Targets) SyncRemoteTargetDelete(ctx context.Context, originSiteID, targetID string) error {
	if originSiteID == s.localSiteID {
		return fmt.Errorf("target %s: %w", targetID, ErrLocalRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remote[originSiteID], targetID)
	return nil
}

func (s *Targets) Local(id string) (types.TargetRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.local[id]
	return t, ok
}

func (s *Targets) Remote(originSiteID, id string) (types.TargetRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.remote[originSiteID][id]
	return t, ok
}

// List returns local and replicated targets ordered by site and id.
func (s *Targets) List() []types.TargetRecord {
	s.mu.RLock()
	out := make([]types.TargetRecord, 0, len(s.local))
	for _, t := range s.local {
		out = append(out, t)
	}
	for _, site := range s.remote {
		for _, t := range site {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SiteID != out[j].SiteID {
			return out[i].SiteID < out[j].SiteID
		}
		return out[i].ID < out[j].ID
	})
	return out
}
