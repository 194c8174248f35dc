// Package rbac maps entities to roles and evaluates permission checks,
// including conditional permissions such as sensitivity or region scoping.
package rbac

import (
	"errors"
	"log/slog"
	"sync"
)

// Role names in the default catalogue.
type Role string

const (
	RoleGlobalController   Role = "global_controller"
	RoleRegionalController Role = "regional_controller"
	RoleLocalController    Role = "local_controller"
	RoleViewer             Role = "viewer"
)

// Resources permission checks refer to.
type Resource string

const (
	ResourceConfig         Resource = "config"
	ResourceDevice         Resource = "device"
	ResourceController     Resource = "controller"
	ResourceAuditLog       Resource = "audit_log"
	ResourceApproval       Resource = "approval"
	ResourceExecutionToken Resource = "execution_token"
	ResourceBackup         Resource = "backup"
	ResourceKeyMaterial    Resource = "key_material"
)

// Actions permission checks refer to.
type Action string

const (
	ActionCreate   Action = "create"
	ActionRead     Action = "read"
	ActionUpdate   Action = "update"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionExecute  Action = "execute"
	ActionRollback Action = "rollback"
	ActionValidate Action = "validate"
)

// Permission grants an action on a resource, optionally constrained by
// conditions that the request context must satisfy (all of them).
type Permission struct {
	Resource   Resource
	Action     Action
	Conditions map[string]string
}

// Matches reports whether this permission covers the request.
func (p Permission) Matches(resource Resource, action Action, context map[string]string) bool {
	if p.Resource != resource || p.Action != action {
		return false
	}
	for k, v := range p.Conditions {
		if context[k] != v {
			return false
		}
	}
	return true
}

var ErrUnknownRole = errors.New("unknown role")

// Manager holds role definitions and entity assignments.
type Manager struct {
	log *slog.Logger

	mu          sync.RWMutex
	roles       map[Role][]Permission
	assignments map[string]Role
}

func NewManager(log *slog.Logger) (*Manager, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	m := &Manager{
		log:         log,
		roles:       make(map[Role][]Permission),
		assignments: make(map[string]Role),
	}
	m.installDefaults()
	return m, nil
}

// installDefaults encodes the hierarchy's authority table: local approves
// LOW (auto), regional up to MEDIUM, global everything; plus the core
// controller rights and a read-only viewer profile.
func (m *Manager) installDefaults() {
	m.roles[RoleGlobalController] = []Permission{
		{Resource: ResourceController, Action: ActionValidate},
		{Resource: ResourceConfig, Action: ActionApprove, Conditions: map[string]string{"sensitivity": "LOW"}},
		{Resource: ResourceConfig, Action: ActionApprove, Conditions: map[string]string{"sensitivity": "MEDIUM"}},
		{Resource: ResourceConfig, Action: ActionApprove, Conditions: map[string]string{"sensitivity": "HIGH"}},
		{Resource: ResourceConfig, Action: ActionReject},
		{Resource: ResourceExecutionToken, Action: ActionCreate},
		{Resource: ResourceAuditLog, Action: ActionRead},
		{Resource: ResourceDevice, Action: ActionRead},
		{Resource: ResourceKeyMaterial, Action: ActionCreate},
		{Resource: ResourceKeyMaterial, Action: ActionRead},
	}
	m.roles[RoleRegionalController] = []Permission{
		{Resource: ResourceController, Action: ActionValidate, Conditions: map[string]string{"scope": "validate_local"}},
		{Resource: ResourceConfig, Action: ActionApprove, Conditions: map[string]string{"sensitivity": "LOW"}},
		{Resource: ResourceConfig, Action: ActionApprove, Conditions: map[string]string{"sensitivity": "MEDIUM"}},
		{Resource: ResourceConfig, Action: ActionReject},
		{Resource: ResourceExecutionToken, Action: ActionCreate},
		{Resource: ResourceAuditLog, Action: ActionRead},
		{Resource: ResourceDevice, Action: ActionRead},
	}
	m.roles[RoleLocalController] = []Permission{
		{Resource: ResourceConfig, Action: ActionCreate},
		{Resource: ResourceConfig, Action: ActionApprove, Conditions: map[string]string{"sensitivity": "LOW"}},
		{Resource: ResourceConfig, Action: ActionExecute},
		{Resource: ResourceConfig, Action: ActionRollback},
		{Resource: ResourceDevice, Action: ActionCreate},
		{Resource: ResourceDevice, Action: ActionRead},
		{Resource: ResourceDevice, Action: ActionUpdate},
		{Resource: ResourceBackup, Action: ActionCreate},
	}
	m.roles[RoleViewer] = []Permission{
		{Resource: ResourceDevice, Action: ActionRead},
		{Resource: ResourceConfig, Action: ActionRead},
		{Resource: ResourceAuditLog, Action: ActionRead},
	}
}

// DefineRole installs or replaces a role's permission list.
func (m *Manager) DefineRole(role Role, perms []Permission) {
	m.mu.Lock()
	m.roles[role] = append([]Permission(nil), perms...)
	m.mu.Unlock()
}

// Assign binds an entity id to a role.
func (m *Manager) Assign(entityID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[role]; !ok {
		return ErrUnknownRole
	}
	m.assignments[entityID] = role
	m.log.Info("assigned role", "entity_id", entityID, "role", role)
	return nil
}

// RoleOf returns the role assigned to an entity.
func (m *Manager) RoleOf(entityID string) (Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.assignments[entityID]
	return r, ok
}

// CheckPermission reports whether entityID may perform action on resource
// given the request context. Unassigned entities have no permissions.
func (m *Manager) CheckPermission(entityID string, resource Resource, action Action, context map[string]string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.assignments[entityID]
	if !ok {
		return false
	}
	for _, p := range m.roles[role] {
		if p.Matches(resource, action, context) {
			return true
		}
	}
	return false
}
