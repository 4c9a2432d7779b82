package nodestore

import "fmt"

// State is a node's execution state.
type State int

const (
	Pending State = iota
	Ready
	Running
	Succeeded
	Failed
	Skipped
)

var stateNames = [...]string{"pending", "ready", "running", "succeeded", "failed", "skipped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Skipped
}

// CanTransition reports whether from → to is part of the lifecycle.
func CanTransition(from, to State) bool {
	switch to {
	case Ready:
		return from == Pending
	case Running:
		return from == Ready
	case Succeeded, Failed:
		return from == Running
	case Skipped:
		return !from.Terminal()
	default:
		return false
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown node state %q", string(b))
}
