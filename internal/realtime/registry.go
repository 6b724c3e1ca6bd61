package realtime

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrConnectionNotFound indicates a registry mutation against an unknown
// connection id. This is a contract violation by the caller, not a
// recoverable user error.
var ErrConnectionNotFound = errors.New("connection not found")

// PresenceFunc is invoked after a target becomes reachable: a connection
// authenticates (principal, role, tenant keys) or joins a group.
type PresenceFunc func(targetType, targetID string)

// Target type names used with PresenceFunc and Reachable.
const (
	TargetGroup     = "group"
	TargetPrincipal = "principal"
	TargetRole      = "role"
	TargetBroadcast = "broadcast"
)

// Stats is a point-in-time registry summary derived by scanning, not by
// maintained counters, so it cannot drift.
type Stats struct {
	Total         int            `json:"total"`
	Authenticated int            `json:"authenticated"`
	ByRole        map[string]int `json:"by_role"`
	ByTenant      map[string]int `json:"by_tenant"`
}

// Registry indexes live connections by id, principal, tenant, and role.
// All four indices are maintained in lock-step under one mutex.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*Connection
	byPrincipal map[string]map[string]struct{}
	byTenant    map[string]map[string]struct{}
	byRole      map[string]map[string]struct{}

	presenceFns []PresenceFunc
	logger      *zap.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:       make(map[string]*Connection),
		byPrincipal: make(map[string]map[string]struct{}),
		byTenant:    make(map[string]map[string]struct{}),
		byRole:      make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// OnPresence registers a callback fired when a target gains a live
// connection. Must be called before the registry starts receiving traffic.
func (r *Registry) OnPresence(fn PresenceFunc) {
	r.presenceFns = append(r.presenceFns, fn)
}

// Add registers a new connection.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	if conn.Groups == nil {
		conn.Groups = make(map[string]struct{})
	}
	if conn.Status == "" {
		conn.Status = StatusConnecting
	}
	now := time.Now()
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	conn.LastActivityAt = now

	r.conns[conn.ID] = conn
	r.index(conn)
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		zap.String("connection_id", conn.ID),
		zap.String("remote_addr", conn.RemoteAddr),
		zap.Int("total", total),
	)
}

// Remove drops a connection and all its index entries. Removing an unknown
// id is a no-op; disconnects can race the idle reaper.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		r.unindex(conn)
		delete(r.conns, connID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.logger.Info("connection removed",
			zap.String("connection_id", connID),
			zap.Int("total", total),
		)
	}
}

// UpdateState applies a partial state change and refreshes last-activity.
// Index entries follow principal/role/tenant changes. Fires presence
// callbacks when the connection reaches authenticated.
func (r *Registry) UpdateState(connID string, upd StateUpdate) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectionNotFound
	}

	r.unindex(conn)
	if upd.PrincipalID != nil {
		conn.PrincipalID = *upd.PrincipalID
	}
	if upd.Role != nil {
		conn.Role = *upd.Role
	}
	if upd.TenantID != nil {
		conn.TenantID = *upd.TenantID
	}
	if upd.Status != nil {
		conn.Status = *upd.Status
	}
	conn.LastActivityAt = time.Now()
	r.index(conn)

	authenticated := conn.Status == StatusAuthenticated
	principalID := conn.PrincipalID
	role := conn.Role
	r.mu.Unlock()

	if authenticated {
		if principalID != "" {
			r.firePresence(TargetPrincipal, principalID)
		}
		if role != "" {
			r.firePresence(TargetRole, role)
		}
		r.firePresence(TargetBroadcast, "")
	}
	return nil
}

// Touch refreshes a connection's last-activity timestamp.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	if conn, ok := r.conns[connID]; ok {
		conn.LastActivityAt = time.Now()
	}
	r.mu.Unlock()
}

// Get returns a copy of the connection, or ErrConnectionNotFound.
func (r *Registry) Get(connID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return conn.clone(), nil
}

// AddToGroup adds the connection to a broadcast group and fires the group
// presence callback.
func (r *Registry) AddToGroup(connID, groupID string) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectionNotFound
	}
	conn.Groups[groupID] = struct{}{}
	conn.LastActivityAt = time.Now()
	r.mu.Unlock()

	r.firePresence(TargetGroup, groupID)
	return nil
}

// RemoveFromGroup drops the connection from a group.
func (r *Registry) RemoveFromGroup(connID, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	delete(conn.Groups, groupID)
	conn.LastActivityAt = time.Now()
	return nil
}

// MembersOf returns the connection ids currently in a group.
func (r *Registry) MembersOf(groupID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, conn := range r.conns {
		if _, ok := conn.Groups[groupID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ConnectionsForPrincipal returns all live connection ids for a principal
// (multi-device: one principal can hold several).
func (r *Registry) ConnectionsForPrincipal(principalID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setToSlice(r.byPrincipal[principalID])
}

// ConnectionsForRole returns all live connection ids for a role.
func (r *Registry) ConnectionsForRole(role string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setToSlice(r.byRole[role])
}

// ConnectionsForTenant returns all live connection ids for a tenant.
func (r *Registry) ConnectionsForTenant(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setToSlice(r.byTenant[tenantID])
}

// AllConnectionIDs returns every live connection id.
func (r *Registry) AllConnectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reachable reports whether a target currently has at least one live
// connection.
func (r *Registry) Reachable(targetType, targetID string) bool {
	switch targetType {
	case TargetGroup:
		return len(r.MembersOf(targetID)) > 0
	case TargetPrincipal:
		return len(r.ConnectionsForPrincipal(targetID)) > 0
	case TargetRole:
		return len(r.ConnectionsForRole(targetID)) > 0
	case TargetBroadcast:
		return len(r.AllConnectionIDs()) > 0
	}
	return false
}

// Stats scans the registry and returns per-role and per-tenant breakdowns.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		ByRole:   make(map[string]int),
		ByTenant: make(map[string]int),
	}
	for _, conn := range r.conns {
		s.Total++
		if conn.Status == StatusAuthenticated {
			s.Authenticated++
		}
		if conn.Role != "" {
			s.ByRole[conn.Role]++
		}
		if conn.TenantID != "" {
			s.ByTenant[conn.TenantID]++
		}
	}
	return s
}

// Cleanup removes connections idle longer than maxIdle. A reaper against
// transports that dropped without a clean close. Returns removed count.
func (r *Registry) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var stale []string
	for id, conn := range r.conns {
		if conn.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.unindex(r.conns[id])
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if len(stale) > 0 {
		r.logger.Warn("reaped idle connections",
			zap.Int("count", len(stale)),
			zap.Duration("max_idle", maxIdle),
		)
	}
	return len(stale)
}

// index and unindex must be called with the write lock held.
func (r *Registry) index(conn *Connection) {
	if conn.PrincipalID != "" {
		addToSet(r.byPrincipal, conn.PrincipalID, conn.ID)
	}
	if conn.TenantID != "" {
		addToSet(r.byTenant, conn.TenantID, conn.ID)
	}
	if conn.Role != "" {
		addToSet(r.byRole, conn.Role, conn.ID)
	}
}

func (r *Registry) unindex(conn *Connection) {
	removeFromSet(r.byPrincipal, conn.PrincipalID, conn.ID)
	removeFromSet(r.byTenant, conn.TenantID, conn.ID)
	removeFromSet(r.byRole, conn.Role, conn.ID)
}

func (r *Registry) firePresence(targetType, targetID string) {
	for _, fn := range r.presenceFns {
		fn(targetType, targetID)
	}
}

func addToSet(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet(m map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
