// Package realtime tracks live client connections and their group
// memberships. The registry is the single writable source of truth for
// who is connected where; the dispatcher and notification queue only
// read from it.
package realtime

import (
	"time"
)

// Status is a connection's lifecycle state.
type Status string

const (
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusAuthenticated Status = "authenticated"
	StatusDisconnecting Status = "disconnecting"
)

// Role constants for restaurant principals.
const (
	RoleCustomer = "customer"
	RoleWaiter   = "waiter"
	RoleChef     = "chef"
	RoleCashier  = "cashier"
	RoleAdmin    = "admin"
)

// IsOperator reports whether a role belongs to restaurant staff.
func IsOperator(role string) bool {
	switch role {
	case RoleWaiter, RoleChef, RoleCashier, RoleAdmin:
		return true
	}
	return false
}

// Connection is one live transport session. Instances are owned by the
// Registry; callers receive copies and mutate only through registry methods.
type Connection struct {
	ID             string
	PrincipalID    string // empty until authenticated
	Role           string
	TenantID       string
	Status         Status
	Groups         map[string]struct{}
	RemoteAddr     string
	UserAgent      string
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// InGroup reports membership in the given group.
func (c *Connection) InGroup(groupID string) bool {
	_, ok := c.Groups[groupID]
	return ok
}

func (c *Connection) clone() *Connection {
	cp := *c
	cp.Groups = make(map[string]struct{}, len(c.Groups))
	for g := range c.Groups {
		cp.Groups[g] = struct{}{}
	}
	return &cp
}

// StateUpdate carries a partial connection state change; nil fields are
// left untouched.
type StateUpdate struct {
	PrincipalID *string
	Role        *string
	TenantID    *string
	Status      *Status
}
