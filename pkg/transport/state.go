package transport

import (
	"fmt"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateOpen
	StateDraining
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the legal next states of each state. Connecting and
// Authenticating fall back to Reconnecting only for reconnect attempts. A
// draining session that loses its connection closes.
var transitions = map[State][]State{
	StateDisconnected:   {StateConnecting, StateClosed},
	StateConnecting:     {StateAuthenticating, StateReconnecting, StateClosed},
	StateAuthenticating: {StateOpen, StateReconnecting, StateClosed},
	StateOpen:           {StateDraining, StateReconnecting, StateClosed},
	StateDraining:       {StateClosed},
	StateReconnecting:   {StateConnecting, StateClosed},
	StateClosed:         {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return sdkerrors.ProtocolViolation(sdkerrors.CodeInvalidTransition,
		fmt.Sprintf("illegal session transition %s -> %s", from, to))
}
