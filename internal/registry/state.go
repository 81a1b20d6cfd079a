package registry

import "fmt"

// State is the lifecycle position of a single client connection.
type State int

const (
	// StateConnecting covers the transport handshake and directory lookup.
	StateConnecting State = iota
	// StateIdle is registered and eligible for matching.
	StateIdle
	// StateMatching has a pending request_random_user.
	StateMatching
	// StateInChannel is reserved into, or joined to, a channel.
	StateInChannel
	// StateClosed is terminal.
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting: "connecting",
	StateIdle:       "idle",
	StateMatching:   "matching",
	StateInChannel:  "in_channel",
	StateClosed:     "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the allowed edges. Every state may move to Closed.
var transitions = map[State][]State{
	StateConnecting: {StateIdle},
	StateIdle:       {StateMatching, StateInChannel},
	StateMatching:   {StateIdle, StateInChannel},
	StateInChannel:  {StateIdle},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Eligible reports whether a connection in this state may be picked as a peer.
func (s State) Eligible() bool {
	return s == StateIdle || s == StateMatching
}
