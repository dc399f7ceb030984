package federation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"meshfed/pkg/config"
	"meshfed/pkg/types"
)

// RequestDedupWindow is how long an executed remote command id is
// remembered, so a redelivered request does not run twice.
const RequestDedupWindow = 30 * time.Minute

// CommandFederation replicates command state transitions and carries
// cross-site execution requests to their target site.
type CommandFederation struct {
	base
	commands CommandService
	versions *versionClock
	executed *windowSet
}

func NewCommandFederation(env Env, commands CommandService) *CommandFederation {
	f := &CommandFederation{
		commands: commands,
		versions: newVersionClock(),
	}
	f.init("commands", env)
	f.executed = newWindowSet(RequestDedupWindow, f.now)
	return f
}

func (f *CommandFederation) Start(ctx context.Context) error {
	f.begin(ctx)

	states, stopStates := f.commands.WatchCommandStates()
	watch(&f.base, states, stopStates, f.forwardState)

	requests, stopRequests := f.commands.WatchRemoteRequests()
	watch(&f.base, requests, stopRequests, f.forwardRequest)

	f.attach([]string{
		f.topics.Subscription(ResourceCommands, ActionEvents),
		f.topics.Subscription(ResourceCommands, ActionRequest),
	}, config.ClassCommands, f.apply, nil)
	return nil
}

func (f *CommandFederation) forwardState(ctx context.Context, cmd types.CommandState) {
	if cmd.SiteID != f.local {
		return
	}
	cmd.OriginSiteID = f.local

	env, ok := f.envelope(TypeCommandEvent, cmd.UpdatedAt, cmd)
	if !ok {
		return
	}
	env.CommandID = cmd.ID
	f.publishAll(ctx, f.topics.Publish(f.local, ResourceCommands, ActionEvents), env, config.ClassCommands)
}

func (f *CommandFederation) forwardRequest(ctx context.Context, req types.RemoteCommandRequest) {
	if req.TargetSiteID == "" || req.TargetSiteID == f.local {
		f.logger.Debug("Not forwarding command request for the local site", zap.String("command", req.ID))
		return
	}

	env, ok := f.envelope(TypeCommandRequest, req.CreatedAt, req)
	if !ok {
		return
	}
	env.CommandID = req.ID
	env.TargetSiteID = req.TargetSiteID

	f.logger.Info("Forwarding command request",
		zap.String("command", req.ID),
		zap.String("target_site", req.TargetSiteID),
		zap.String("name", req.Name))
	f.publishAll(ctx, f.topics.Publish(req.TargetSiteID, ResourceCommands, ActionRequest), env, config.ClassCommands)
}

func (f *CommandFederation) apply(ctx context.Context, msg Message) (string, error) {
	switch m := msg.(type) {
	case CommandEvent:
		return f.applyState(ctx, m)
	case CommandRequest:
		return f.applyRequest(ctx, m)
	}
	return OutcomeIgnored, nil
}

func (f *CommandFederation) applyState(ctx context.Context, m CommandEvent) (string, error) {
	cmd := m.Command
	if cmd.SiteID == "" {
		cmd.SiteID = m.Origin
	}
	if cmd.SiteID == f.local {
		return OutcomeIgnored, nil
	}
	if !f.versions.admit(m.Origin, cmd.ID, m.Timestamp, false) {
		return OutcomeStale, nil
	}

	cmd.OriginSiteID = m.Origin
	if err := f.commands.UpsertRemoteCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("upsert remote command %s: %w", cmd.ID, err)
	}
	return OutcomeApplied, nil
}

func (f *CommandFederation) applyRequest(ctx context.Context, m CommandRequest) (string, error) {
	req := m.Request
	if req.TargetSiteID != f.local {
		return OutcomeIgnored, nil
	}
	if f.executed.Seen(versionKey(m.Origin, req.ID)) {
		f.logger.Debug("Ignoring repeated command request",
			zap.String("origin", m.Origin),
			zap.String("command", req.ID))
		return OutcomeIgnored, nil
	}

	f.logger.Info("Executing remote command request",
		zap.String("origin", m.Origin),
		zap.String("command", req.ID),
		zap.String("name", req.Name),
		zap.String("target", req.Target))
	if err := f.commands.ExecuteRemoteRequest(ctx, req, m.Origin); err != nil {
		return "", fmt.Errorf("execute command request %s: %w", req.ID, err)
	}
	return OutcomeApplied, nil
}
