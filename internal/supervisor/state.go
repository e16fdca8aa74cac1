package supervisor

// State is the supervisor's lifecycle state. Transitions happen only inside
// the state-machine goroutine.
//
// Stopped -> Starting -> Ready -> Restarting -> {Ready | Stopped | Degraded}
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateRestarting
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}
