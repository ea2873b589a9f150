package service

import "fmt"

// InstanceState is the lifecycle state of a single Instance.
type InstanceState int

const (
	// InstanceDown is the initial, inert state. Stop always returns here.
	InstanceDown InstanceState = iota
	// InstanceStarting means the start action is in flight.
	InstanceStarting
	// InstanceUp means the process started (or last checked) fine and no check is outstanding.
	InstanceUp
	// InstanceMonitoring means a monitor action is in flight.
	InstanceMonitoring
	// InstanceFailed means the start or a monitor check failed.
	InstanceFailed
)

var instanceStateNames = map[InstanceState]string{
	InstanceDown:       "DOWN",
	InstanceStarting:   "STARTING",
	InstanceUp:         "UP",
	InstanceMonitoring: "MONITORING",
	InstanceFailed:     "FAILED",
}

// String returns a string representation of the InstanceState.
func (s InstanceState) String() string {
	if name, ok := instanceStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("InstanceState(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s InstanceState) MarshalText() ([]byte, error) {
	name, ok := instanceStateNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid instance state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *InstanceState) UnmarshalText(text []byte) error {
	for state, name := range instanceStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown instance state %q", text)
}

// State is the aggregate state of a Service.
type State int

const (
	// StateDown means there are no instances or every instance is down.
	StateDown State = iota
	// StateStarting means some instance is starting and none has failed.
	StateStarting
	// StateUp means every instance is up.
	StateUp
	// StateDegraded means the instances are a mixture with at least one failed
	// (or some down next to others up).
	StateDegraded
	// StateFailed means every instance has failed.
	StateFailed
)

var stateNames = map[State]string{
	StateDown:     "DOWN",
	StateStarting: "STARTING",
	StateUp:       "UP",
	StateDegraded: "DEGRADED",
	StateFailed:   "FAILED",
}

// String returns a string representation of the State.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid service state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown service state %q", text)
}

// Aggregate derives a service state from instance states. It is a pure
// function of the multiset; order does not matter.
func Aggregate(states []InstanceState) State {
	var down, starting, up, failed int
	for _, s := range states {
		switch s {
		case InstanceDown:
			down++
		case InstanceStarting:
			starting++
		case InstanceUp, InstanceMonitoring:
			up++
		case InstanceFailed:
			failed++
		}
	}

	switch {
	case len(states) == 0 || down == len(states):
		return StateDown
	case failed == len(states):
		return StateFailed
	case failed > 0:
		return StateDegraded
	case starting > 0:
		return StateStarting
	case up == len(states):
		return StateUp
	default:
		// Some up, some down, nothing in flight.
		return StateDegraded
	}
}
