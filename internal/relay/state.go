package relay

// State is the lifecycle position of a relay handle. States only move
// forward: Starting, Running, Stopping, Stopped, with Failed reachable only
// from Starting.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Live reports whether a handle in this state still owns a process that has
// not been fully stopped.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func canTransition(from, to State) bool {
	switch from {
	case StateStarting:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateStopping || to == StateStopped
	case StateStopping:
		return to == StateStopped
	default:
		return false
	}
}
