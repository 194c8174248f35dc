// Package rollback snapshots device configurations before execution and
// restores them when an execution fails or an operator reverts.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/jonboulle/clockwork"

	"github.com/pdsno/pdsno/internal/adapter"
	"github.com/pdsno/pdsno/internal/nib"
)

var (
	ErrBackupNotFound       = errors.New("backup not found")
	ErrBackupDeviceMismatch = errors.New("backup belongs to a different device")
	ErrNoBackup             = errors.New("no backup available for device")
)

// BackupStore is the persistence surface for snapshots.
type BackupStore interface {
	InsertBackup(ctx context.Context, b *nib.Backup) error
	GetBackup(ctx context.Context, backupID string) (*nib.Backup, error)
	LatestBackup(ctx context.Context, deviceID string) (*nib.Backup, error)
}

// Event records one rollback attempt.
type Event struct {
	ConfigID string
	DeviceID string
	BackupID string
	Reason   string
	Success  bool
	Error    string
	At       time.Time
}

// Config configures a Manager.
type Config struct {
	Logger       *slog.Logger
	ControllerID string
	Store        BackupStore
	Clock        clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ControllerID == "" {
		return errors.New("controller id is required")
	}
	if cfg.Store == nil {
		return errors.New("backup store is required")
	}
	return nil
}

// Manager creates pre-execution backups and applies rollbacks through a
// device adapter.
type Manager struct {
	log   *slog.Logger
	id    string
	store BackupStore
	clock clockwork.Clock

	mu     sync.Mutex
	events []Event
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		log:   cfg.Logger.With("controller_id", cfg.ControllerID),
		id:    cfg.ControllerID,
		store: cfg.Store,
		clock: cfg.Clock,
	}, nil
}

// CreateBackup snapshots the device's running configuration. Metadata
// typically carries the config id the backup precedes.
func (m *Manager) CreateBackup(ctx context.Context, deviceID string, dev adapter.Adapter, metadata map[string]any) (*nib.Backup, error) {
	running, err := dev.RunningConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture running config of %s: %w", deviceID, err)
	}
	var lines []string
	if running != "" {
		lines = strings.Split(running, "\n")
	}
	b := &nib.Backup{
		DeviceID:   deviceID,
		Lines:      lines,
		CapturedAt: m.clock.Now().UTC(),
		Metadata:   metadata,
	}
	if err := m.store.InsertBackup(ctx, b); err != nil {
		return nil, err
	}
	m.log.Info("created backup", "backup_id", b.BackupID, "device_id", deviceID, "lines", len(lines))
	return b, nil
}

// LatestBackup returns the most recent backup for a device.
func (m *Manager) LatestBackup(ctx context.Context, deviceID string) (*nib.Backup, error) {
	b, err := m.store.LatestBackup(ctx, deviceID)
	if errors.Is(err, nib.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoBackup, deviceID)
	}
	return b, err
}

// Rollback restores backupID onto the device and records the attempt.
func (m *Manager) Rollback(ctx context.Context, configID, deviceID, backupID, reason string, dev adapter.Adapter) error {
	b, err := m.store.GetBackup(ctx, backupID)
	if errors.Is(err, nib.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}
	if err != nil {
		return err
	}
	if b.DeviceID != deviceID {
		return fmt.Errorf("%w: backup %s is for %s", ErrBackupDeviceMismatch, backupID, b.DeviceID)
	}

	if m.log.Enabled(ctx, slog.LevelDebug) {
		if current, err := dev.RunningConfig(ctx); err == nil {
			m.log.Debug("rollback diff", "device_id", deviceID,
				"diff", unifiedDiff(current, strings.Join(b.Lines, "\n")))
		}
	}

	result, err := dev.ApplyConfig(ctx, b.Lines)
	ev := Event{
		ConfigID: configID,
		DeviceID: deviceID,
		BackupID: backupID,
		Reason:   reason,
		At:       m.clock.Now().UTC(),
	}
	switch {
	case err != nil:
		ev.Error = err.Error()
	case !result.Success:
		ev.Error = result.Error
	default:
		ev.Success = true
	}
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()

	if !ev.Success {
		m.log.Error("rollback failed",
			"config_id", configID, "device_id", deviceID, "backup_id", backupID, "error", ev.Error)
		if err != nil {
			return fmt.Errorf("rollback %s on %s: %w", configID, deviceID, err)
		}
		return fmt.Errorf("rollback %s on %s: %s", configID, deviceID, ev.Error)
	}
	m.log.Info("rolled back configuration",
		"config_id", configID, "device_id", deviceID, "backup_id", backupID, "reason", reason)
	return nil
}

// AutoRollback reverts to the latest backup after a failed execution.
func (m *Manager) AutoRollback(ctx context.Context, configID, deviceID, failureReason string, dev adapter.Adapter) error {
	b, err := m.LatestBackup(ctx, deviceID)
	if err != nil {
		return err
	}
	return m.Rollback(ctx, configID, deviceID, b.BackupID,
		"auto-rollback: "+failureReason, dev)
}

// Events returns the recorded rollback attempts.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func unifiedDiff(before, after string) string {
	edits := myers.ComputeEdits(span.URIFromPath("running"), before, after)
	return fmt.Sprint(gotextdiff.ToUnified("running", "backup", before, edits))
}
