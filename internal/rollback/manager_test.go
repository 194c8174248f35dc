package rollback

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/internal/adapter"
	"github.com/pdsno/pdsno/internal/nib"
)

func testManager(t *testing.T) (*Manager, *nib.Store, *clockwork.FakeClock) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClock()

	db, err := nib.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := nib.NewStore(nib.StoreConfig{
		Logger: log,
		DB:     db,
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Clock:  clock,
	})
	require.NoError(t, err)

	m, err := NewManager(Config{
		Logger:       log,
		ControllerID: "local_cntl_zone-A_1",
		Store:        store,
		Clock:        clock,
	})
	require.NoError(t, err)
	return m, store, clock
}

func connectedFake(t *testing.T, running ...string) *adapter.Fake {
	t.Helper()
	f := &adapter.Fake{}
	require.NoError(t, f.Connect(context.Background(), adapter.DeviceInfo{}))
	f.SetRunning(running)
	return f
}

func TestManager_CreateBackupSnapshotsRunningConfig(t *testing.T) {
	t.Parallel()

	m, store, _ := testManager(t)
	dev := connectedFake(t, "hostname sw-01", "vlan 10")

	b, err := m.CreateBackup(context.Background(), "switch-01", dev,
		map[string]any{"config_id": "cfg-1"})
	require.NoError(t, err)
	require.Equal(t, []string{"hostname sw-01", "vlan 10"}, b.Lines)

	stored, err := store.GetBackup(context.Background(), b.BackupID)
	require.NoError(t, err)
	require.Equal(t, "switch-01", stored.DeviceID)
	require.Equal(t, "cfg-1", stored.Metadata["config_id"])
}

func TestManager_LatestBackupOrdering(t *testing.T) {
	t.Parallel()

	m, _, clock := testManager(t)
	dev := connectedFake(t, "generation one")

	_, err := m.CreateBackup(context.Background(), "switch-01", dev, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	dev.SetRunning([]string{"generation two"})
	second, err := m.CreateBackup(context.Background(), "switch-01", dev, nil)
	require.NoError(t, err)

	latest, err := m.LatestBackup(context.Background(), "switch-01")
	require.NoError(t, err)
	require.Equal(t, second.BackupID, latest.BackupID)

	_, err = m.LatestBackup(context.Background(), "switch-unknown")
	require.ErrorIs(t, err, ErrNoBackup)
}

func TestManager_RollbackRestoresBackup(t *testing.T) {
	t.Parallel()

	m, _, _ := testManager(t)
	dev := connectedFake(t, "hostname old")

	b, err := m.CreateBackup(context.Background(), "switch-01", dev, nil)
	require.NoError(t, err)

	// Bad change lands, then gets reverted.
	_, err = dev.ApplyConfig(context.Background(), []string{"hostname broken"})
	require.NoError(t, err)
	require.NoError(t, m.Rollback(context.Background(), "cfg-1", "switch-01", b.BackupID, "operator revert", dev))
	require.Equal(t, []string{"hostname old"}, dev.Running())

	events := m.Events()
	require.Len(t, events, 1)
	require.True(t, events[0].Success)
	require.Equal(t, "operator revert", events[0].Reason)
}

func TestManager_RollbackValidatesDevice(t *testing.T) {
	t.Parallel()

	m, _, _ := testManager(t)
	dev := connectedFake(t, "x")

	b, err := m.CreateBackup(context.Background(), "switch-01", dev, nil)
	require.NoError(t, err)

	err = m.Rollback(context.Background(), "cfg-1", "switch-02", b.BackupID, "wrong device", dev)
	require.ErrorIs(t, err, ErrBackupDeviceMismatch)

	err = m.Rollback(context.Background(), "cfg-1", "switch-01", "bkp-missing", "no backup", dev)
	require.ErrorIs(t, err, ErrBackupNotFound)
}

func TestManager_AutoRollbackUsesLatest(t *testing.T) {
	t.Parallel()

	m, _, clock := testManager(t)
	dev := connectedFake(t, "stale state")
	_, err := m.CreateBackup(context.Background(), "switch-01", dev, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	dev.SetRunning([]string{"good state"})
	_, err = m.CreateBackup(context.Background(), "switch-01", dev, nil)
	require.NoError(t, err)

	dev.SetRunning([]string{"broken state"})
	require.NoError(t, m.AutoRollback(context.Background(), "cfg-1", "switch-01", "apply failed", dev))
	require.Equal(t, []string{"good state"}, dev.Running())

	events := m.Events()
	require.Len(t, events, 1)
	require.Contains(t, events[0].Reason, "auto-rollback")
}

func TestManager_FailedApplyRecordsFailure(t *testing.T) {
	t.Parallel()

	m, _, _ := testManager(t)
	dev := connectedFake(t, "x")
	b, err := m.CreateBackup(context.Background(), "switch-01", dev, nil)
	require.NoError(t, err)

	dev.FailApply = true
	err = m.Rollback(context.Background(), "cfg-1", "switch-01", b.BackupID, "revert", dev)
	require.Error(t, err)

	events := m.Events()
	require.Len(t, events, 1)
	require.False(t, events[0].Success)
	require.NotEmpty(t, events[0].Error)
}
