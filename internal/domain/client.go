package domain

import (
	"fmt"
	"strings"
)

// ClientRole distinguishes buyer sessions from seller sessions.
type ClientRole string

const (
	RoleBuyer  ClientRole = "buyer"
	RoleSeller ClientRole = "seller"
)

// ParseClientRole parses a role name case-insensitively.
func ParseClientRole(s string) (ClientRole, error) {
	switch ClientRole(strings.ToLower(strings.TrimSpace(s))) {
	case RoleBuyer:
		return RoleBuyer, nil
	case RoleSeller:
		return RoleSeller, nil
	}
	return "", &ValidationError{
		Message: fmt.Sprintf("invalid client type: %q, must be one of: buyer, seller", s),
	}
}

// ClientState is the lifecycle state of a server-side session.
type ClientState string

const (
	ClientConnected    ClientState = "connected"
	ClientRegistered   ClientState = "registered"
	ClientActive       ClientState = "active"
	ClientInactive     ClientState = "inactive"
	ClientDisconnected ClientState = "disconnected"
)
