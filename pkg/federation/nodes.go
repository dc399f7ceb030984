package federation

import (
	"context"
	"fmt"
	"hash/fnv"

	"go.uber.org/zap"

	"meshfed/pkg/config"
	"meshfed/pkg/types"
)

// siteColors are assigned to auto-provisioned sites.
var siteColors = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#17becf", "#bcbd22", "#7f7f7f",
}

func siteColor(siteID string) string {
	h := fnv.New32a()
	h.Write([]byte(siteID))
	return siteColors[h.Sum32()%uint32(len(siteColors))]
}

// NodeFederation replicates node snapshots. Nodes are only ever upserted;
// there is no delete path.
type NodeFederation struct {
	base
	nodes    NodeService
	versions *versionClock
}

func NewNodeFederation(env Env, nodes NodeService) *NodeFederation {
	f := &NodeFederation{
		nodes:    nodes,
		versions: newVersionClock(),
	}
	f.init("nodes", env)
	return f
}

func (f *NodeFederation) Start(ctx context.Context) error {
	f.begin(ctx)

	ch, stop := f.nodes.WatchNodes()
	watch(&f.base, ch, stop, f.forward)

	f.attach([]string{f.topics.Subscription(ResourceNodes, ActionUpsert)}, config.ClassNodes, f.apply, nil)
	return nil
}

func (f *NodeFederation) forward(ctx context.Context, change types.NodeChange) {
	node := change.Node
	if node.SiteID != f.local {
		return
	}
	node.OriginSiteID = f.local

	env, ok := f.envelope(TypeNodeUpsert, node.UpdatedAt, node)
	if !ok {
		return
	}
	f.publishAll(ctx, f.topics.Publish(f.local, ResourceNodes, ActionUpsert), env, config.ClassNodes)
}

func (f *NodeFederation) apply(ctx context.Context, msg Message) (string, error) {
	m, ok := msg.(NodeUpsert)
	if !ok {
		return OutcomeIgnored, nil
	}

	node := m.Node
	if node.SiteID == "" {
		node.SiteID = m.Origin
	}
	if node.SiteID == f.local {
		f.logger.Debug("Ignoring remote update of a local node",
			zap.String("origin", m.Origin),
			zap.String("node", node.ID))
		return OutcomeIgnored, nil
	}
	if node.SiteID != m.Origin {
		f.logger.Debug("Ignoring node owned by another site",
			zap.String("origin", m.Origin),
			zap.String("site", node.SiteID),
			zap.String("node", node.ID))
		return OutcomeIgnored, nil
	}
	if !f.versions.admit(m.Origin, node.ID, m.Timestamp, false) {
		return OutcomeStale, nil
	}

	if err := f.ensureSite(ctx, node); err != nil {
		return "", err
	}

	node.OriginSiteID = m.Origin
	if err := f.nodes.UpsertNode(ctx, node); err != nil {
		return "", fmt.Errorf("upsert node %s: %w", node.ID, err)
	}
	return OutcomeApplied, nil
}

// ensureSite provisions a minimal record for a site seen for the first time.
func (f *NodeFederation) ensureSite(ctx context.Context, node types.NodeSnapshot) error {
	known, err := f.nodes.HasSite(ctx, node.SiteID)
	if err != nil {
		return fmt.Errorf("lookup site %s: %w", node.SiteID, err)
	}
	if known {
		return nil
	}

	site := types.Site{
		ID:              node.SiteID,
		Name:            node.SiteName,
		Color:           node.SiteColor,
		AutoProvisioned: true,
	}
	if site.Name == "" {
		site.Name = node.SiteID
	}
	if site.Color == "" {
		site.Color = siteColor(node.SiteID)
	}
	if node.Latitude != 0 || node.Longitude != 0 {
		lat, lon := node.Latitude, node.Longitude
		site.Latitude = &lat
		site.Longitude = &lon
	}

	if err := f.nodes.EnsureSite(ctx, site); err != nil {
		return fmt.Errorf("provision site %s: %w", node.SiteID, err)
	}
	f.logger.Info("Provisioned remote site", zap.String("site", site.ID))
	return nil
}
