package upstream

import "fmt"

type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
	Reconnecting
	Shutdown
)

var transitions = map[State][]State{
	Disconnected: {Connecting, Shutdown},
	Connecting:   {Streaming, Reconnecting, Shutdown},
	Streaming:    {Reconnecting, Shutdown},
	Reconnecting: {Connecting, Shutdown},
}

// CanTransition reports whether the adapter may move from s to next.
// Shutdown is terminal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Shutdown:
		return "shutdown"
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
