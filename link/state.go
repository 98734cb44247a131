package link

import "fmt"

// State is a connection lifecycle state
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateSecurityUpdating
	StateSubscribing // central only
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSecurityUpdating:
		return "security_updating"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the states reachable from each state. Disconnected is
// reachable from every live state.
var transitions = map[State][]State{
	StateIdle:             {StateConnecting, StateConnected},
	StateConnecting:       {StateConnected, StateIdle, StateDisconnected},
	StateConnected:        {StateSecurityUpdating, StateSubscribing, StateActive, StateDisconnected},
	StateSecurityUpdating: {StateConnected, StateSubscribing, StateActive, StateDisconnected},
	StateSubscribing:      {StateSecurityUpdating, StateActive, StateConnected, StateDisconnected},
	StateActive:           {StateSecurityUpdating, StateSubscribing, StateConnected, StateDisconnected},
	StateDisconnected:     {StateIdle},
}

// CanTransition reports whether from -> to is a valid lifecycle step
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether the state holds a connection reference
func (s State) Live() bool {
	return s != StateIdle && s != StateDisconnected
}
