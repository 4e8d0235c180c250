package session

// State is the lifecycle phase of a voice session. Exactly one state
// holds at a time; Start only proceeds from StateIdle, and Stop always
// lands back in StateIdle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
