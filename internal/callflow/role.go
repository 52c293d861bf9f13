package callflow

import (
	"errors"
	"fmt"
	"strings"
)

// Role is fixed for the lifetime of a session.
type Role string

const (
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

// ErrUnknownRole is returned when a stored role flag holds an unexpected value.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole converts a stored role flag into a Role.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleSpeaker:
		return RoleSpeaker, nil
	case RoleListener:
		return RoleListener, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

func (r Role) Valid() bool {
	return r == RoleSpeaker || r == RoleListener
}

func (r Role) String() string {
	return string(r)
}

// Roles lists both roles.
func Roles() []Role {
	return []Role{RoleSpeaker, RoleListener}
}
