package realtime

import (
	"fmt"

	"go.uber.org/zap"
)

// DashboardGroup is the single well-known operator dashboard channel.
const DashboardGroup = "dashboard"

// TenantGroup derives the broadcast group for a restaurant.
func TenantGroup(tenantID string) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

// TableGroup derives the broadcast group for a table.
func TableGroup(tableID string) string {
	return fmt.Sprintf("table:%s", tableID)
}

// RoleGroup derives the broadcast group for a role within a restaurant.
func RoleGroup(tenantID, role string) string {
	return fmt.Sprintf("role:%s:%s", tenantID, role)
}

// GroupManager decides which groups a connection belongs to. It holds no
// state of its own; membership lives on the registry's per-connection set,
// so there is exactly one source of truth.
type GroupManager struct {
	registry *Registry
	logger   *zap.Logger
}

// NewGroupManager creates a group manager over the registry.
func NewGroupManager(registry *Registry, logger *zap.Logger) *GroupManager {
	return &GroupManager{registry: registry, logger: logger}
}

// JoinDefaultGroups attaches a freshly authenticated connection to the
// groups its role implies. Operators join their tenant group and a
// role-scoped group; admins additionally join the dashboard. Customers
// join nothing until they attach to a table.
func (g *GroupManager) JoinDefaultGroups(connID string) error {
	conn, err := g.registry.Get(connID)
	if err != nil {
		return err
	}

	if !IsOperator(conn.Role) {
		return nil
	}

	groups := []string{
		TenantGroup(conn.TenantID),
		RoleGroup(conn.TenantID, conn.Role),
	}
	if conn.Role == RoleAdmin {
		groups = append(groups, DashboardGroup)
	}

	for _, groupID := range groups {
		if err := g.registry.AddToGroup(connID, groupID); err != nil {
			return err
		}
	}

	g.logger.Debug("joined default groups",
		zap.String("connection_id", connID),
		zap.String("role", conn.Role),
		zap.Strings("groups", groups),
	)
	return nil
}

// JoinTable attaches a connection to a table's group. Nothing prevents a
// connection from watching several tables.
func (g *GroupManager) JoinTable(connID, tableID string) error {
	return g.registry.AddToGroup(connID, TableGroup(tableID))
}

// LeaveTable detaches a connection from a table's group.
func (g *GroupManager) LeaveTable(connID, tableID string) error {
	return g.registry.RemoveFromGroup(connID, TableGroup(tableID))
}

// LeaveGroup removes a single membership.
func (g *GroupManager) LeaveGroup(connID, groupID string) error {
	return g.registry.RemoveFromGroup(connID, groupID)
}

// LeaveAll clears every membership for a connection.
func (g *GroupManager) LeaveAll(connID string) error {
	conn, err := g.registry.Get(connID)
	if err != nil {
		return err
	}
	for groupID := range conn.Groups {
		if err := g.registry.RemoveFromGroup(connID, groupID); err != nil {
			return err
		}
	}
	return nil
}
