package store

import (
	"context"
	"sort"
	"sync"

	"meshfed/pkg/types"
)

// Drones keeps the latest snapshot of every tracked drone.
type Drones struct {
	mu     sync.RWMutex
	drones map[string]types.DroneSnapshot
}

func NewDrones() *Drones {
	return &Drones{drones: make(map[string]types.DroneSnapshot)}
}

func (s *Drones) Drone(ctx context.Context, droneID string) (types.DroneSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drones[droneID]
	return d, ok, nil
}

func (s *Drones) UpsertDrone(ctx context.Context, drone types.DroneSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drones[drone.DroneID] = drone
	return nil
}

// UpdateDroneStatus sets the status of a drone, creating a bare record for
// one not seen yet.
func (s *Drones) UpdateDroneStatus(ctx context.Context, droneID string, status types.DroneStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drones[droneID]
	if !ok {
		d = types.DroneSnapshot{DroneID: droneID}
	}
	d.Status = status
	s.drones[droneID] = d
	return nil
}

func (s *Drones) List() []types.DroneSnapshot {
	s.mu.RLock()
	out := make([]types.DroneSnapshot, 0, len(s.drones))
	for _, d := range s.drones {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DroneID < out[j].DroneID })
	return out
}
