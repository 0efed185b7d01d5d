package supervisor

import "fmt"

// State is the device connection lifecycle state.
type State int32

const (
	Scanning State = iota
	Connecting
	Connected
	Listening
	Disconnected
	Failed
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Listening:
		return "listening"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CanWrite reports whether the control characteristic may be written in this state.
func (s State) CanWrite() bool {
	return s == Connected || s == Listening
}

// Terminal reports whether no further transitions happen for this run.
func (s State) Terminal() bool {
	return s == Disconnected || s == Failed
}
