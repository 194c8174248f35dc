package controller

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/internal/adapter"
	"github.com/pdsno/pdsno/internal/audit"
	"github.com/pdsno/pdsno/internal/bus"
	"github.com/pdsno/pdsno/internal/configstate"
	"github.com/pdsno/pdsno/internal/discovery"
	"github.com/pdsno/pdsno/internal/nib"
)

var sharedSecret = []byte("0123456789abcdef0123456789abcdef")

type staticARP struct{ results []discovery.ARPResult }

func (s *staticARP) Scan(context.Context, string) ([]discovery.ARPResult, error) {
	return s.results, nil
}

type allReachableICMP struct{}

func (allReachableICMP) Ping(_ context.Context, ip string) (*discovery.ICMPResult, error) {
	return &discovery.ICMPResult{IP: ip, RTTms: 1.0}, nil
}

type harness struct {
	clock    *clockwork.FakeClock
	store    *nib.Store
	bus      *bus.Bus
	global   *Global
	regional *Regional
	local    *Local
	device   *adapter.Fake
}

func newHarness(t *testing.T) *harness {
	return buildHarness(t, false)
}

// newHarnessWithGlobal adds a Global controller and wires the regional's
// escalation path to it.
func newHarnessWithGlobal(t *testing.T) *harness {
	return buildHarness(t, true)
}

func buildHarness(t *testing.T, withGlobal bool) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClock()

	db, err := nib.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := nib.NewStore(nib.StoreConfig{
		Logger: log,
		DB:     db,
		Secret: sharedSecret,
		Clock:  clock,
	})
	require.NoError(t, err)

	b, err := bus.New(log)
	require.NoError(t, err)

	var global *Global
	globalID := ""
	if withGlobal {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		global, err = NewGlobal(GlobalConfig{
			Logger:          log,
			Clock:           clock,
			ID:              "global_cntl_1",
			Store:           store,
			Bus:             b,
			BootstrapSecret: sharedSecret,
			SigningKey:      key,
			SharedSecret:    sharedSecret,
		})
		require.NoError(t, err)
		require.NoError(t, global.Start(context.Background()))
		t.Cleanup(global.Stop)
		globalID = "global_cntl_1"
	}

	regional, err := NewRegional(RegionalConfig{
		Logger:       log,
		Clock:        clock,
		ID:           "regional_cntl_zone-A_1",
		Region:       "zone-A",
		Store:        store,
		Bus:          b,
		GlobalID:     globalID,
		SharedSecret: sharedSecret,
	})
	require.NoError(t, err)
	require.NoError(t, regional.Start(context.Background()))
	t.Cleanup(regional.Stop)

	device := &adapter.Fake{}
	require.NoError(t, device.Connect(context.Background(), adapter.DeviceInfo{}))
	device.SetRunning([]string{"hostname switch-01"})

	local, err := NewLocal(LocalConfig{
		Logger:       log,
		Clock:        clock,
		ID:           "local_cntl_zone-A_1",
		Region:       "zone-A",
		Store:        store,
		Bus:          b,
		ParentID:     "regional_cntl_zone-A_1",
		SharedSecret: sharedSecret,
		Subnet:       "192.168.1.0/24",
		ARP:          &staticARP{},
		ICMP:         allReachableICMP{},
		Adapters:     func(*nib.Device) adapter.Adapter { return device },
	})
	require.NoError(t, err)
	require.NoError(t, local.Start(context.Background()))
	t.Cleanup(local.Stop)

	return &harness{
		clock:    clock,
		store:    store,
		bus:      b,
		global:   global,
		regional: regional,
		local:    local,
		device:   device,
	}
}

func (h *harness) seedDevice(t *testing.T) *nib.Device {
	t.Helper()
	res, err := h.store.UpsertDevice(context.Background(), &nib.Device{
		DeviceID:   "switch-01",
		IPAddress:  "192.168.1.10",
		MACAddress: "aa:bb:cc:dd:ee:01",
		Status:     nib.DeviceActive,
		Region:     "zone-A",
	})
	require.NoError(t, err)
	d, err := h.store.GetDevice(context.Background(), res.ID)
	require.NoError(t, err)
	return d
}

func TestApprovalAndExecution_MediumConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev := h.seedDevice(t)
	ctx := context.Background()

	record, token, err := h.local.ProposeConfig(ctx, dev.DeviceID, []string{"vlan 100", "name Eng"})
	require.NoError(t, err)
	require.Equal(t, "MEDIUM", record.Sensitivity)
	require.Equal(t, nib.ConfigApproved, record.State)
	require.NotNil(t, token)
	require.Equal(t, dev.DeviceID, token.DeviceID)

	require.NoError(t, h.local.ExecuteConfig(ctx, record, token))
	require.Equal(t, nib.ConfigExecuted, record.State)
	require.Equal(t, []string{"vlan 100", "name Eng"}, h.device.Running())

	// Persisted record agrees.
	stored, err := h.store.GetConfig(ctx, record.ConfigID)
	require.NoError(t, err)
	require.Equal(t, nib.ConfigExecuted, stored.State)
	require.NotEmpty(t, stored.BackupID)

	// The audit trail shows the full story in order.
	events, err := h.store.QueryEvents(ctx, nib.EventQuery{ResourceID: record.ConfigID})
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	require.Equal(t, []string{
		audit.EventConfigCreated,
		audit.EventConfigSubmitted,
		audit.EventConfigExecuted,
	}, types)

	tokenEvents, err := h.store.QueryEvents(ctx, nib.EventQuery{ResourceID: token.TokenID})
	require.NoError(t, err)
	require.Len(t, tokenEvents, 2)
	require.Equal(t, audit.EventTokenIssued, tokenEvents[0].EventType)
	require.Equal(t, audit.EventTokenVerified, tokenEvents[1].EventType)
}

func TestApprovalAndExecution_TokenIsSingleUse(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev := h.seedDevice(t)
	ctx := context.Background()

	record, token, err := h.local.ProposeConfig(ctx, dev.DeviceID, []string{"vlan 100"})
	require.NoError(t, err)
	require.NoError(t, h.local.ExecuteConfig(ctx, record, token))

	// Re-running with the same token fails on replay before any state
	// machine movement.
	record2, token2, err := h.local.ProposeConfig(ctx, dev.DeviceID, []string{"vlan 101"})
	require.NoError(t, err)
	require.NotNil(t, token2)
	err = h.local.ExecuteConfig(ctx, record2, token)
	require.Error(t, err)
	require.Contains(t, err.Error(), "token")
	require.Equal(t, nib.ConfigApproved, record2.State)
}

func TestApprovalAndExecution_FailureTriggersAutoRollback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev := h.seedDevice(t)
	ctx := context.Background()

	record, token, err := h.local.ProposeConfig(ctx, dev.DeviceID, []string{"vlan 100"})
	require.NoError(t, err)

	h.device.FailApply = true
	err = h.local.ExecuteConfig(ctx, record, token)
	require.Error(t, err)
	require.Equal(t, nib.ConfigRolledBack, record.State)

	// The device is back on its pre-execution configuration.
	require.Equal(t, []string{"hostname switch-01"}, h.device.Running())

	events, err := h.store.QueryEvents(ctx, nib.EventQuery{ResourceID: record.ConfigID})
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	require.Contains(t, types, audit.EventConfigFailed)
	require.Contains(t, types, audit.EventConfigRolledBack)
}

func TestProposal_HighSensitivityRejectedWithoutGlobal(t *testing.T) {
	t.Parallel()

	// No global controller on the bus: the regional cannot escalate and
	// rejects, so the local cancels the config.
	h := newHarness(t)
	dev := h.seedDevice(t)

	record, token, err := h.local.ProposeConfig(context.Background(), dev.DeviceID,
		[]string{"router bgp 65001"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "global")
	require.Nil(t, token)
	require.Equal(t, nib.ConfigCancelled, record.State)
}

func TestProposal_HighSensitivityEscalatedToGlobal(t *testing.T) {
	t.Parallel()

	h := newHarnessWithGlobal(t)
	dev := h.seedDevice(t)
	ctx := context.Background()

	record, token, err := h.local.ProposeConfig(ctx, dev.DeviceID,
		[]string{"router bgp 65001", "neighbor 10.0.0.1 remote-as 65002"})
	require.NoError(t, err)
	require.Equal(t, "HIGH", record.Sensitivity)
	require.Equal(t, nib.ConfigApproved, record.State)
	require.NotNil(t, token)

	// The decision and the token came from the global, relayed through
	// the regional.
	require.Equal(t, "global_cntl_1", token.IssuedBy)

	// The escalated approval executes like any other.
	require.NoError(t, h.local.ExecuteConfig(ctx, record, token))
	require.Equal(t, nib.ConfigExecuted, record.State)

	// The global recorded the approval in the audit trail.
	approvals, err := h.store.QueryEvents(ctx, nib.EventQuery{
		EventType: audit.EventConfigApproved,
		ActorID:   "global_cntl_1",
	})
	require.NoError(t, err)
	require.Len(t, approvals, 1)
}

func TestProposal_MediumStaysAtRegionalWithGlobalPresent(t *testing.T) {
	t.Parallel()

	h := newHarnessWithGlobal(t)
	dev := h.seedDevice(t)

	_, token, err := h.local.ProposeConfig(context.Background(), dev.DeviceID,
		[]string{"vlan 100"})
	require.NoError(t, err)
	require.Equal(t, "regional_cntl_zone-A_1", token.IssuedBy)
}

func TestExecution_RequiresApprovedState(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedDevice(t)

	record := &nib.ConfigRecord{
		ConfigID: "cfg-x",
		DeviceID: "switch-01",
		State:    nib.ConfigDraft,
	}
	err := h.local.ExecuteConfig(context.Background(), record, nil)
	require.ErrorIs(t, err, configstate.ErrInvalidTransition)
}

func TestExecution_DeviceLockExcludesConcurrentRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dev := h.seedDevice(t)
	ctx := context.Background()

	record, token, err := h.local.ProposeConfig(ctx, dev.DeviceID, []string{"vlan 100"})
	require.NoError(t, err)

	// Another controller holds the execution lock.
	_, err = h.store.AcquireLock(ctx, dev.DeviceID, nib.LockConfigExecution, "local_cntl_zone-A_9", executionLockTTL)
	require.NoError(t, err)

	err = h.local.ExecuteConfig(ctx, record, token)
	require.ErrorIs(t, err, nib.ErrLocked)
}

func TestLocal_DiscoveryCycleRecordsNewDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	arp := &staticARP{results: []discovery.ARPResult{
		{IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:10", Timestamp: h.clock.Now().UTC()},
	}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	local2, err := NewLocal(LocalConfig{
		Logger:       log,
		Clock:        h.clock,
		ID:           "local_cntl_zone-A_2",
		Region:       "zone-A",
		Store:        h.store,
		Bus:          h.bus,
		ParentID:     "regional_cntl_zone-A_1",
		SharedSecret: sharedSecret,
		Subnet:       "192.168.1.0/24",
		ARP:          arp,
		ICMP:         allReachableICMP{},
	})
	require.NoError(t, err)
	require.NoError(t, local2.Start(ctx))
	t.Cleanup(local2.Stop)

	summary, err := local2.RunDiscoveryCycle(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Delta.New, 1)

	row, err := h.store.GetDeviceByMAC(ctx, "aa:bb:cc:dd:ee:10")
	require.NoError(t, err)
	require.Equal(t, nib.DeviceActive, row.Status)
}
