package session

import "fmt"

type State int32

const (
	Connecting State = iota
	Authenticating
	Active
	Draining
	Closed
)

var transitions = map[State][]State{
	Connecting:     {Authenticating, Closed},
	Authenticating: {Active, Closed},
	Active:         {Draining},
	Draining:       {Closed},
}

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
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}

	return fmt.Sprintf("State(%d)", int32(s))
}
