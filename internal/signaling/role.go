package signaling

import "fmt"

// Role identifies one of the two fixed participants the relay pairs. The
// sender produces the media and therefore the SDP offer; the viewer consumes
// it and produces the answer.
type Role string

const (
	RoleSender Role = "sender"
	RoleViewer Role = "viewer"
)

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleSender:
		return RoleSender, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleSender {
		return RoleViewer
	}
	return RoleSender
}

func (r Role) String() string { return string(r) }
