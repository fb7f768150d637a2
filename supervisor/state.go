package supervisor

// State is the lifecycle state of the supervised backend process.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateTerminating
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
