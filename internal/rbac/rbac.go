// Package rbac decides what a connected role may do with a live document.
package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	// ActionRead receives document state and peer events.
	ActionRead Action = "read"
	// ActionSignal sends control events (typing indicators) to peers.
	ActionSignal Action = "signal"
	// ActionWrite applies update frames.
	ActionWrite Action = "write"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionSignal || action == ActionWrite
	case RoleCommenter:
		return action == ActionRead || action == ActionSignal
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
