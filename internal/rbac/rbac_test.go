package rbac

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return m
}

func TestManager_AuthorityTable(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	require.NoError(t, m.Assign("global_cntl_1", RoleGlobalController))
	require.NoError(t, m.Assign("regional_cntl_zone-A_1", RoleRegionalController))
	require.NoError(t, m.Assign("local_cntl_zone-A_1", RoleLocalController))

	cases := []struct {
		entity      string
		sensitivity string
		want        bool
	}{
		{"global_cntl_1", "LOW", true},
		{"global_cntl_1", "MEDIUM", true},
		{"global_cntl_1", "HIGH", true},
		{"regional_cntl_zone-A_1", "LOW", true},
		{"regional_cntl_zone-A_1", "MEDIUM", true},
		{"regional_cntl_zone-A_1", "HIGH", false},
		{"local_cntl_zone-A_1", "LOW", true},
		{"local_cntl_zone-A_1", "MEDIUM", false},
		{"local_cntl_zone-A_1", "HIGH", false},
	}
	for _, tc := range cases {
		got := m.CheckPermission(tc.entity, ResourceConfig, ActionApprove,
			map[string]string{"sensitivity": tc.sensitivity})
		require.Equal(t, tc.want, got, "%s approving %s", tc.entity, tc.sensitivity)
	}
}

func TestManager_UnassignedEntityDenied(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	require.False(t, m.CheckPermission("stranger", ResourceDevice, ActionRead, nil))
}

func TestManager_ViewerIsReadOnly(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	require.NoError(t, m.Assign("dashboard", RoleViewer))

	require.True(t, m.CheckPermission("dashboard", ResourceDevice, ActionRead, nil))
	require.True(t, m.CheckPermission("dashboard", ResourceAuditLog, ActionRead, nil))
	require.False(t, m.CheckPermission("dashboard", ResourceConfig, ActionCreate, nil))
	require.False(t, m.CheckPermission("dashboard", ResourceConfig, ActionApprove,
		map[string]string{"sensitivity": "LOW"}))
}

func TestManager_ConditionsMustAllMatch(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	m.DefineRole(Role("zone_a_approver"), []Permission{
		{
			Resource: ResourceConfig,
			Action:   ActionApprove,
			Conditions: map[string]string{
				"sensitivity": "MEDIUM",
				"region":      "zone-A",
			},
		},
	})
	require.NoError(t, m.Assign("approver-1", Role("zone_a_approver")))

	require.True(t, m.CheckPermission("approver-1", ResourceConfig, ActionApprove,
		map[string]string{"sensitivity": "MEDIUM", "region": "zone-A"}))
	require.False(t, m.CheckPermission("approver-1", ResourceConfig, ActionApprove,
		map[string]string{"sensitivity": "MEDIUM", "region": "zone-B"}))
	require.False(t, m.CheckPermission("approver-1", ResourceConfig, ActionApprove,
		map[string]string{"sensitivity": "MEDIUM"}))
}

func TestManager_AssignUnknownRole(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	require.ErrorIs(t, m.Assign("x", Role("nope")), ErrUnknownRole)
}

func TestManager_RoleOf(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	require.NoError(t, m.Assign("global_cntl_1", RoleGlobalController))
	role, ok := m.RoleOf("global_cntl_1")
	require.True(t, ok)
	require.Equal(t, RoleGlobalController, role)
	_, ok = m.RoleOf("ghost")
	require.False(t, ok)
}
