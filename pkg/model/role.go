package model

import "fmt"

// Role is a participant's role inside a room.
type Role int

const (
	RoleListener  Role = iota // receives audio only
	RolePerformer             // default for everyone but the creator
	RoleHost                  // the room creator, unless an admin reassigns it
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RolePerformer:
		return "performer"
	case RoleHost:
		return "host"
	default:
		return "unknown"
	}
}

// ParseRole converts a wire name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "listener":
		return RoleListener, nil
	case "performer":
		return RolePerformer, nil
	case "host":
		return RoleHost, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Valid returns true if the role is a recognised value.
func (r Role) Valid() bool {
	return r >= RoleListener && r <= RoleHost
}

// MarshalText encodes the role by name so JSON payloads carry "host" and not 2.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
