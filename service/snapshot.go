package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrSnapshot is wrapped by every error Restore returns for malformed data.
var ErrSnapshot = errors.New("invalid service snapshot")

// Snapshot is the persisted form of a Service. In-flight actions are not part
// of it; they can't be resumed across a restart.
type Snapshot struct {
	Name               string             `json:"name" yaml:"name"`
	Count              int                `json:"count" yaml:"count"`
	LastInstanceNumber int                `json:"last_instance_number" yaml:"last_instance_number"`
	State              State              `json:"state" yaml:"state"`
	Instances          []InstanceSnapshot `json:"instances" yaml:"instances"`
}

// InstanceSnapshot is the persisted form of an Instance.
type InstanceSnapshot struct {
	Number int           `json:"number" yaml:"number"`
	Node   string        `json:"node" yaml:"node"`
	State  InstanceState `json:"state" yaml:"state"`
}

// Data captures the service's current state.
func (s *Service) Data() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Name:               s.config.Name,
		Count:              s.config.Count,
		LastInstanceNumber: s.lastInstanceNumber,
		State:              s.state,
		Instances:          make([]InstanceSnapshot, 0, len(s.instances)),
	}
	for _, inst := range s.instances {
		nodeName := ""
		if inst.node != nil {
			nodeName = inst.node.Name()
		}
		snap.Instances = append(snap.Instances, InstanceSnapshot{
			Number: inst.number,
			Node:   nodeName,
			State:  inst.State(),
		})
	}
	return snap
}

// Restore replaces the service's instances with the ones in snap, bound to the
// same numbers and nodes (looked up by name in the service's pool). The
// aggregate state is taken from snap as is.
//
// Every instance that was not DOWN is put into MONITORING and checked right
// away: after a restart nothing cached about liveness is trusted. The
// aggregate moves again only once those checks report back. Instances saved
// without a node (the pool was empty when they were created) come back as
// they were, DOWN or FAILED, with nothing to check.
//
// Restore validates the whole snapshot before touching the service and
// returns an error wrapping ErrSnapshot if it is inconsistent.
func (s *Service) Restore(ctx context.Context, snap Snapshot) error {
	if err := s.validate(snap); err != nil {
		return err
	}

	entries := slices.Clone(snap.Instances)
	slices.SortFunc(entries, func(a, b InstanceSnapshot) int { return a.Number - b.Number })

	instances := make([]*Instance, 0, len(entries))
	var verify []*Instance
	for _, e := range entries {
		n, _ := s.pool.Lookup(e.Node)
		command, pidFile, err := s.render(e.Number)
		if err != nil {
			return err
		}
		inst := newInstance(e.Number, n, command, pidFile, s.logger)
		inst.observer = s.instanceChanged
		instances = append(instances, inst)
		switch {
		case n == nil:
			inst.state = e.State
		case e.State != InstanceDown:
			verify = append(verify, inst)
		}
	}

	s.mu.Lock()
	for _, inst := range s.instances {
		inst.setObserver(nil)
	}
	from := s.state
	s.instances = instances
	s.lastInstanceNumber = snap.LastInstanceNumber
	s.state = snap.State
	notify := s.transitionLocked(from)
	s.mu.Unlock()
	notify()

	s.logger.Info("Restored service", "instances", len(instances), "verifying", len(verify), "state", snap.State)
	for _, inst := range verify {
		inst.forceMonitor(ctx)
	}
	return nil
}

func (s *Service) validate(snap Snapshot) error {
	if snap.Name != s.config.Name {
		return fmt.Errorf("%w: snapshot of %q restored into %q", ErrSnapshot, snap.Name, s.config.Name)
	}
	if snap.Count != len(snap.Instances) {
		return fmt.Errorf("%w: %s: count %d does not match %d instances", ErrSnapshot, snap.Name, snap.Count, len(snap.Instances))
	}
	if _, ok := stateNames[snap.State]; !ok {
		return fmt.Errorf("%w: %s: unknown state %d", ErrSnapshot, snap.Name, int(snap.State))
	}

	seen := make(map[int]bool, len(snap.Instances))
	for _, e := range snap.Instances {
		if e.Number < 1 || e.Number > snap.LastInstanceNumber {
			return fmt.Errorf("%w: %s: instance number %d outside 1..%d", ErrSnapshot, snap.Name, e.Number, snap.LastInstanceNumber)
		}
		if seen[e.Number] {
			return fmt.Errorf("%w: %s: duplicate instance number %d", ErrSnapshot, snap.Name, e.Number)
		}
		seen[e.Number] = true
		if _, ok := instanceStateNames[e.State]; !ok {
			return fmt.Errorf("%w: %s: instance %d has unknown state %d", ErrSnapshot, snap.Name, e.Number, int(e.State))
		}
		if e.Node == "" {
			if e.State != InstanceDown && e.State != InstanceFailed {
				return fmt.Errorf("%w: %s: instance %d has no node but is %s", ErrSnapshot, snap.Name, e.Number, e.State)
			}
			continue
		}
		if _, ok := s.pool.Lookup(e.Node); !ok {
			return fmt.Errorf("%w: %s: instance %d is on unknown node %q", ErrSnapshot, snap.Name, e.Number, e.Node)
		}
	}
	return nil
}
