package federation

import (
	"context"
	"fmt"

	"meshfed/pkg/config"
	"meshfed/pkg/types"
)

// TargetFederation replicates target records and their deletion.
type TargetFederation struct {
	base
	targets  TargetService
	versions *versionClock
}

func NewTargetFederation(env Env, targets TargetService) *TargetFederation {
	f := &TargetFederation{
		targets:  targets,
		versions: newVersionClock(),
	}
	f.init("targets", env)
	return f
}

func (f *TargetFederation) Start(ctx context.Context) error {
	f.begin(ctx)

	ch, stop := f.targets.WatchTargets()
	watch(&f.base, ch, stop, f.forward)

	f.attach([]string{
		f.topics.Subscription(ResourceTargets, ActionUpsert),
		f.topics.Subscription(ResourceTargets, ActionDelete),
	}, config.ClassTargets, f.apply, nil)
	return nil
}

func (f *TargetFederation) forward(ctx context.Context, change types.TargetChange) {
	target := change.Target
	if target.SiteID != f.local {
		return
	}

	if change.Deleted {
		ts := target.UpdatedAt
		if ts.IsZero() {
			ts = f.now()
		}
		env, ok := f.envelope(TypeTargetDelete, ts, map[string]string{"id": target.ID})
		if !ok {
			return
		}
		env.TargetID = target.ID
		f.publishAll(ctx, f.topics.Publish(f.local, ResourceTargets, ActionDelete), env, config.ClassTargets)
		return
	}

	env, ok := f.envelope(TypeTargetUpsert, target.UpdatedAt, target)
	if !ok {
		return
	}
	env.TargetID = target.ID
	f.publishAll(ctx, f.topics.Publish(f.local, ResourceTargets, ActionUpsert), env, config.ClassTargets)
}

func (f *TargetFederation) apply(ctx context.Context, msg Message) (string, error) {
	switch m := msg.(type) {
	case TargetUpsert:
		target := m.Target
		if target.SiteID == "" {
			target.SiteID = m.Origin
		}
		if target.SiteID == f.local || target.SiteID != m.Origin {
			return OutcomeIgnored, nil
		}
		if !f.versions.admit(m.Origin, target.ID, m.Timestamp, false) {
			return OutcomeStale, nil
		}
		if err := f.targets.SyncRemoteTarget(ctx, m.Origin, target); err != nil {
			return "", fmt.Errorf("sync target %s: %w", target.ID, err)
		}
		return OutcomeApplied, nil

	case TargetDelete:
		if !f.versions.admit(m.Origin, m.TargetID, m.Timestamp, true) {
			return OutcomeStale, nil
		}
		if err := f.targets.SyncRemoteTargetDelete(ctx, m.Origin, m.TargetID); err != nil {
			return "", fmt.Errorf("sync target delete %s: %w", m.TargetID, err)
		}
		return OutcomeApplied, nil
	}
	return OutcomeIgnored, nil
}
