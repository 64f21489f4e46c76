package session

// State is the lifecycle of one (room, channel) pair.
type State int

const (
	Unjoined State = iota
	Joining
	Joined
	Left
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Left:
		return "left"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Terminal states never transition again.
func (s State) Terminal() bool {
	return s == Left || s == Disconnected
}
