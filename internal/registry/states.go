package registry

// State is one stop in the connection lifecycle. Every change goes
// through the transition table below; there are no ad-hoc jumps.
type State string

const (
	StateInitial        State = "initial"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateReady          State = "ready"
	StateStreaming      State = "streaming"
	StateUnresponsive   State = "unresponsive"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// transitions holds the legal forward edges. Closing is reachable from
// every live state and is handled separately in CanTransition; closed is
// terminal.
var transitions = map[State][]State{
	StateInitial:        {StateConnecting},
	StateConnecting:     {StateAuthenticating},
	StateAuthenticating: {StateAuthenticated},
	StateAuthenticated:  {StateReady},
	StateReady:          {StateStreaming, StateUnresponsive},
	StateStreaming:      {StateReady, StateUnresponsive},
	StateUnresponsive:   {StateReady},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether from to to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	if to == StateClosing {
		return from != StateClosing && from != StateClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Live reports whether the state can still carry traffic.
func (s State) Live() bool {
	switch s {
	case StateReady, StateStreaming, StateUnresponsive:
		return true
	}
	return false
}

// Terminal reports whether the lifecycle has ended.
func (s State) Terminal() bool { return s == StateClosed }
