package subscription

import "time"

// State is the lifecycle position of the upstream connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// StateListener observes transitions. It runs on the manager goroutine and
// must not block.
type StateListener func(from, to State)

// Disconnect describes the most recent connection loss.
type Disconnect struct {
	At     time.Time
	Code   int
	Text   string
	Reason string
}
