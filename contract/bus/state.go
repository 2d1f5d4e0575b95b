package bus

// State is the lifecycle position of a binding.
// Unstarted is internal to construction and never returned to callers.
type State int32

const (
	Unstarted State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
