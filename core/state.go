package core

import "fmt"

// State is the lifecycle position of a login token.
type State uint8

const (
	StatePending State = iota + 1
	StateClaimed
	StateConsumed
	StateExpired
	StateCancelled
)

// StateInfo is the display metadata a UI shows next to a state.
type StateInfo struct {
	Name        string
	Color       string
	Description string
	Terminal    bool
}

var stateInfo = map[State]StateInfo{
	StatePending:   {Name: "pending", Color: "#6c757d", Description: "Waiting for a device to scan the code"},
	StateClaimed:   {Name: "claimed", Color: "#0d6efd", Description: "Code scanned, waiting for confirmation"},
	StateConsumed:  {Name: "consumed", Color: "#198754", Description: "Login confirmed", Terminal: true},
	StateExpired:   {Name: "expired", Color: "#dc3545", Description: "Code expired, generate a new one", Terminal: true},
	StateCancelled: {Name: "cancelled", Color: "#ffc107", Description: "Login cancelled on the device", Terminal: true},
}

// transitions is the full adjacency table. Anything absent is illegal.
var transitions = map[State][]State{
	StatePending: {StateClaimed, StateExpired},
	StateClaimed: {StateConsumed, StateExpired, StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Info() StateInfo {
	if info, ok := stateInfo[s]; ok {
		return info
	}
	return StateInfo{Name: "unknown", Color: "#000000", Description: "Unknown state"}
}

func (s State) String() string { return s.Info().Name }

func (s State) Valid() bool {
	_, ok := stateInfo[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s.Info().Terminal }

// Live reports whether s is still subject to expiry.
func (s State) Live() bool { return s == StatePending || s == StateClaimed }

func ParseState(v string) (State, error) {
	for s, info := range stateInfo {
		if info.Name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown token state %q", v)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown token state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
