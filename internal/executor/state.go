package executor

// State is the lifecycle phase of an Engine.
type State int32

const (
	StateIdle State = iota
	StateSandboxReady
	StateExecuting
	StateReconciling
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSandboxReady:
		return "sandbox_ready"
	case StateExecuting:
		return "executing"
	case StateReconciling:
		return "reconciling"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}
