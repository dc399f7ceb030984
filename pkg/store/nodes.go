package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshfed/pkg/types"
)

// Nodes keeps sites and node snapshots.
type Nodes struct {
	localSiteID string
	now         func() time.Time

	mu    sync.RWMutex
	sites map[string]types.Site
	nodes map[string]types.NodeSnapshot
	feed  *Feed[types.NodeChange]
}

func NewNodes(local types.Site) *Nodes {
	s := &Nodes{
		localSiteID: local.ID,
		now:         time.Now,
		sites:       make(map[string]types.Site),
		nodes:       make(map[string]types.NodeSnapshot),
		feed:        NewFeed[types.NodeChange](16),
	}
	s.sites[local.ID] = local
	return s
}

func nodeKey(siteID, nodeID string) string {
	return siteID + "/" + nodeID
}

func (s *Nodes) WatchNodes() (<-chan types.NodeChange, func()) {
	return s.feed.Watch()
}

// ReportLocal records a node of the local site as seen now.
func (s *Nodes) ReportLocal(node types.NodeSnapshot) types.NodeSnapshot {
	now := s.now()

	s.mu.Lock()
	site := s.sites[s.localSiteID]
	node.SiteID = s.localSiteID
	node.SiteName = site.Name
	node.SiteColor = site.Color
	node.OriginSiteID = s.localSiteID
	if node.LastSeen.IsZero() {
		node.LastSeen = now
	}
	key := nodeKey(node.SiteID, node.ID)
	node.UpdatedAt = revision(now, s.nodes[key].UpdatedAt)
	s.nodes[key] = node
	s.mu.Unlock()

	s.feed.Send(types.NodeChange{Node: node})
	return node
}

func (s *Nodes) HasSite(ctx context.Context, siteID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sites[siteID]
	return ok, nil
}

// EnsureSite adds site unless a record with its id exists.
func (s *Nodes) EnsureSite(ctx context.Context, site types.Site) error {
	if site.ID == "" {
		return errors.New("site id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[site.ID]; !ok {
		s.sites[site.ID] = site
	}
	return nil
}

// UpsertNode stores a replica of a remote node.
func (s *Nodes) UpsertNode(ctx context.Context, node types.NodeSnapshot) error {
	if node.SiteID == s.localSiteID {
		return fmt.Errorf("node %s: %w", node.ID, ErrLocalRecord)
	}

	s.mu.Lock()
	s.nodes[nodeKey(node.SiteID, node.ID)] = node
	s.mu.Unlock()

	s.feed.Send(types.NodeChange{Node: node})
	return nil
}

func (s *Nodes) Node(siteID, nodeID string) (types.NodeSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeKey(siteID, nodeID)]
	return n, ok
}

func (s *Nodes) Site(siteID string) (types.Site, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	return site, ok
}

// List returns every node ordered by site and id.
func (s *Nodes) List() []types.NodeSnapshot {
	s.mu.RLock()
	out := make([]types.NodeSnapshot, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
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
