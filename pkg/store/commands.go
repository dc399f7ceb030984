package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshfed/pkg/types"
)

var commandTransitions = map[types.CommandStatus][]types.CommandStatus{
	types.CommandCreated: {types.CommandRunning, types.CommandFinished, types.CommandError},
	types.CommandRunning: {types.CommandFinished, types.CommandError},
}

// Commands keeps local command executions and read-only projections of
// commands run by other sites.
type Commands struct {
	localSiteID string
	now         func() time.Time

	mu       sync.RWMutex
	local    map[string]types.CommandState
	remote   map[string]types.CommandState
	states   *Feed[types.CommandState]
	requests *Feed[types.RemoteCommandRequest]
}

func NewCommands(localSiteID string) *Commands {
	return &Commands{
		localSiteID: localSiteID,
		now:         time.Now,
		local:       make(map[string]types.CommandState),
		remote:      make(map[string]types.CommandState),
		states:      NewFeed[types.CommandState](16),
		requests:    NewFeed[types.RemoteCommandRequest](16),
	}
}

func (s *Commands) WatchCommandStates() (<-chan types.CommandState, func()) {
	return s.states.Watch()
}

func (s *Commands) WatchRemoteRequests() (<-chan types.RemoteCommandRequest, func()) {
	return s.requests.Watch()
}

// Create starts a local command in the created state.
func (s *Commands) Create(target, name string, params []string) types.CommandState {
	return s.create(uuid.NewString(), target, name, params)
}

func (s *Commands) create(id, target, name string, params []string) types.CommandState {
	now := s.now()
	cmd := types.CommandState{
		ID:           id,
		SiteID:       s.localSiteID,
		Target:       target,
		Name:         name,
		Params:       params,
		Status:       types.CommandCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
		OriginSiteID: s.localSiteID,
	}

	s.mu.Lock()
	s.local[cmd.ID] = cmd
	s.mu.Unlock()

	s.states.Send(cmd)
	return cmd
}

// Transition moves a local command to status. errText is kept for the error
// state only.
func (s *Commands) Transition(id string, status types.CommandStatus, errText string) (types.CommandState, error) {
	s.mu.Lock()
	cmd, ok := s.local[id]
	if !ok {
		s.mu.Unlock()
		return types.CommandState{}, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	if !allowedTransition(cmd.Status, status) {
		s.mu.Unlock()
		return types.CommandState{}, fmt.Errorf("command %s %s -> %s: %w", id, cmd.Status, status, ErrInvalidTransition)
	}

	now := revision(s.now(), cmd.UpdatedAt)
	cmd.Status = status
	cmd.UpdatedAt = now
	switch status {
	case types.CommandRunning:
		cmd.StartedAt = &now
	case types.CommandFinished, types.CommandError:
		cmd.FinishedAt = &now
		if status == types.CommandError {
			cmd.Error = errText
		}
	}
	s.local[id] = cmd
	s.mu.Unlock()

	s.states.Send(cmd)
	return cmd, nil
}

func allowedTransition(from, to types.CommandStatus) bool {
	for _, next := range commandTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Ack records a node acknowledgement without changing the status.
func (s *Commands) Ack(id, kind, status, node string) (types.CommandState, error) {
	s.mu.Lock()
	cmd, ok := s.local[id]
	if !ok {
		s.mu.Unlock()
		return types.CommandState{}, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	cmd.AckKind = kind
	cmd.AckStatus = status
	cmd.AckNode = node
	cmd.UpdatedAt = revision(s.now(), cmd.UpdatedAt)
	s.local[id] = cmd
	s.mu.Unlock()

	s.states.Send(cmd)
	return cmd, nil
}

// RequestRemote asks another site to run a command on its nodes.
func (s *Commands) RequestRemote(targetSiteID, target, name string, params []string, requestedBy string) (types.RemoteCommandRequest, error) {
	if targetSiteID == "" || targetSiteID == s.localSiteID {
		return types.RemoteCommandRequest{}, fmt.Errorf("remote request needs a remote target site, got %q", targetSiteID)
	}
	req := types.RemoteCommandRequest{
		ID:           uuid.NewString(),
		TargetSiteID: targetSiteID,
		Target:       target,
		Name:         name,
		Params:       params,
		RequestedBy:  requestedBy,
		CreatedAt:    s.now(),
	}
	s.requests.Send(req)
	return req, nil
}

// ExecuteRemoteRequest creates a local command under the request's id. A
// request whose id already exists locally is not executed again.
func (s *Commands) ExecuteRemoteRequest(ctx context.Context, req types.RemoteCommandRequest, originSiteID string) error {
	if req.TargetSiteID != s.localSiteID {
		return fmt.Errorf("request %s targets site %s", req.ID, req.TargetSiteID)
	}
	s.mu.RLock()
	_, exists := s.local[req.ID]
	s.mu.RUnlock()
	if exists {
		return nil
	}
	s.create(req.ID, req.Target, req.Name, req.Params)
	return nil
}

// UpsertRemoteCommand stores a projection of another site's command.
func (s *Commands) UpsertRemoteCommand(ctx context.Context, cmd types.CommandState) error {
	if cmd.SiteID == s.localSiteID {
		return fmt.Errorf("command %s: %w", cmd.ID, ErrLocalRecord)
	}
	s.mu.Lock()
	s.remote[cmd.SiteID+"/"+cmd.ID] = cmd
	s.mu.Unlock()
	return nil
}

func (s *Commands) Command(id string) (types.CommandState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.local[id]
	return cmd, ok
}

func (s *Commands) Remote(siteID, id string) (types.CommandState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.remote[siteID+"/"+id]
	return cmd, ok
}
