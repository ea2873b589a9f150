package service

import (
	"errors"
	"slices"
)

// Reconciliation describes what AbsorbPrevious did with the old instances.
type Reconciliation struct {
	Kept    []*Instance // Old instances carried over untouched
	Added   []*Instance // New DOWN instances, ready to be started
	Removed []*Instance // Old instances no longer wanted; still running until stopped
}

// Changed reports whether any instance was added or removed.
func (r Reconciliation) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// AbsorbPrevious takes over the instances of old, a service with the same
// name built from an earlier configuration, and replaces s's own instances.
//
// Wanted instances are kept as they are: same number, node and state. If s
// wants more instances than old has, new ones are created DOWN, numbered on
// from old's last number and placed on s's pool. If it wants fewer, the
// highest-numbered instances are dropped without being stopped; stopping them
// is the caller's job (see Reconciliation.Removed).
//
// The aggregate state is derived again from the final instance set. old
// itself is not modified apart from no longer receiving its kept instances'
// transitions.
// Absorbing the same old service twice gives the same instance numbers.
func (s *Service) AbsorbPrevious(old *Service) (Reconciliation, error) {
	if old == s {
		return Reconciliation{Kept: s.Instances()}, nil
	}

	old.mu.Lock()
	previous := slices.Clone(old.instances)
	lastNumber := old.lastInstanceNumber
	old.mu.Unlock()

	slices.SortFunc(previous, func(a, b *Instance) int { return a.number - b.number })

	var rec Reconciliation
	var errs []error

	s.mu.Lock()
	for _, inst := range s.instances {
		if !slices.Contains(previous, inst) {
			inst.setObserver(nil)
		}
	}

	keep := min(len(previous), s.config.Count)
	rec.Kept = previous[:keep]
	rec.Removed = slices.Clone(previous[keep:])

	s.lastInstanceNumber = lastNumber
	instances := slices.Clone(rec.Kept)
	for len(instances) < s.config.Count {
		inst, err := s.growLocked()
		if err != nil {
			errs = append(errs, err)
		}
		if inst == nil {
			break
		}
		instances = append(instances, inst)
		rec.Added = append(rec.Added, inst)
	}

	for _, inst := range rec.Kept {
		inst.setObserver(s.instanceChanged)
	}
	for _, inst := range rec.Removed {
		inst.setObserver(nil)
	}
	s.instances = instances

	from := s.state
	s.state = Aggregate(s.instanceStatesLocked())
	notify := s.transitionLocked(from)
	s.mu.Unlock()
	notify()

	s.logger.Info("Absorbed previous service",
		"kept", len(rec.Kept), "added", len(rec.Added), "removed", len(rec.Removed),
		"last_instance_number", s.LastInstanceNumber())
	return rec, errors.Join(errs...)
}
