package session

// State is the lifecycle state of the VPN session.
type State int32

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Status is the wire string published on the status stream.
func (s State) Status() string {
	switch s {
	case Starting:
		return "connecting"
	case Started:
		return "connected"
	case Stopping:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Active reports whether a session exists or is being brought up.
func (s State) Active() bool {
	return s == Starting || s == Started
}
