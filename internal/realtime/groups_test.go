package realtime

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newTestGroups() (*GroupManager, *Registry) {
	r := NewRegistry(zap.NewNop())
	return NewGroupManager(r, zap.NewNop()), r
}

func TestGroupManager_OperatorDefaultGroups(t *testing.T) {
	g, r := newTestGroups()
	addConn(r, "c1", "user-1", RoleWaiter, "rest-1")

	if err := g.JoinDefaultGroups("c1"); err != nil {
		t.Fatalf("join default groups: %v", err)
	}

	conn, _ := r.Get("c1")
	if !conn.InGroup(TenantGroup("rest-1")) {
		t.Error("waiter should be in tenant group")
	}
	if !conn.InGroup(RoleGroup("rest-1", RoleWaiter)) {
		t.Error("waiter should be in role group")
	}
	if conn.InGroup(DashboardGroup) {
		t.Error("waiter should not be in dashboard group")
	}
}

func TestGroupManager_AdminJoinsDashboard(t *testing.T) {
	g, r := newTestGroups()
	addConn(r, "c1", "user-1", RoleAdmin, "rest-1")

	if err := g.JoinDefaultGroups("c1"); err != nil {
		t.Fatalf("join default groups: %v", err)
	}

	conn, _ := r.Get("c1")
	if !conn.InGroup(DashboardGroup) {
		t.Error("admin should be in dashboard group")
	}
}

func TestGroupManager_CustomerJoinsNothingByDefault(t *testing.T) {
	g, r := newTestGroups()
	addConn(r, "c1", "user-1", RoleCustomer, "rest-1")

	if err := g.JoinDefaultGroups("c1"); err != nil {
		t.Fatalf("join default groups: %v", err)
	}

	conn, _ := r.Get("c1")
	if len(conn.Groups) != 0 {
		t.Errorf("customer should have no default groups, got %v", conn.Groups)
	}
}

func TestGroupManager_TableAttachDetach(t *testing.T) {
	g, r := newTestGroups()
	addConn(r, "c1", "user-1", RoleCustomer, "rest-1")

	if err := g.JoinTable("c1", "12"); err != nil {
		t.Fatalf("join table: %v", err)
	}
	if got := r.MembersOf(TableGroup("12")); len(got) != 1 {
		t.Fatalf("expected 1 member of table group, got %v", got)
	}

	// Multiple tables per connection are allowed
	if err := g.JoinTable("c1", "13"); err != nil {
		t.Fatalf("join second table: %v", err)
	}
	conn, _ := r.Get("c1")
	if !conn.InGroup(TableGroup("12")) || !conn.InGroup(TableGroup("13")) {
		t.Error("connection should be in both table groups")
	}

	if err := g.LeaveTable("c1", "12"); err != nil {
		t.Fatalf("leave table: %v", err)
	}
	if got := r.MembersOf(TableGroup("12")); got != nil {
		t.Errorf("table group should be empty, got %v", got)
	}
}

func TestGroupManager_LeaveAll(t *testing.T) {
	g, r := newTestGroups()
	addConn(r, "c1", "user-1", RoleWaiter, "rest-1")

	if err := g.JoinDefaultGroups("c1"); err != nil {
		t.Fatalf("join default groups: %v", err)
	}
	if err := g.JoinTable("c1", "7"); err != nil {
		t.Fatalf("join table: %v", err)
	}

	if err := g.LeaveAll("c1"); err != nil {
		t.Fatalf("leave all: %v", err)
	}
	conn, _ := r.Get("c1")
	if len(conn.Groups) != 0 {
		t.Errorf("expected no memberships, got %v", conn.Groups)
	}
}

func TestGroupManager_UnknownConnection(t *testing.T) {
	g, _ := newTestGroups()
	if err := g.JoinDefaultGroups("missing"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected ErrConnectionNotFound, got %v", err)
	}
	if err := g.JoinTable("missing", "1"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected ErrConnectionNotFound, got %v", err)
	}
}
