package collab

// State is the lifecycle position of a document session.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateAttached
	StateMutating
	StateIdle
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateAttached:
		return "attached"
	case StateMutating:
		return "mutating"
	case StateIdle:
		return "idle"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Live reports whether the session accepts frames.
func (s State) Live() bool {
	return s == StateAttached || s == StateMutating || s == StateIdle
}
