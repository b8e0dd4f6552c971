// Package plc owns the link to the process controller: it dials the PLC,
// validates it with a handshake on the control register, keeps the
// connection fresh and runs register operations under a retry policy.
package plc

// State is the connection state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Validating
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Validating:
		return "validating"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
