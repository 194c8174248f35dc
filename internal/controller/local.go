package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pdsno/pdsno/internal/adapter"
	"github.com/pdsno/pdsno/internal/audit"
	"github.com/pdsno/pdsno/internal/bus"
	"github.com/pdsno/pdsno/internal/configstate"
	"github.com/pdsno/pdsno/internal/discovery"
	"github.com/pdsno/pdsno/internal/envelope"
	"github.com/pdsno/pdsno/internal/exectoken"
	"github.com/pdsno/pdsno/internal/metrics"
	"github.com/pdsno/pdsno/internal/nib"
	"github.com/pdsno/pdsno/internal/pubsub"
	"github.com/pdsno/pdsno/internal/rollback"
	"github.com/pdsno/pdsno/internal/sensitivity"
)

const executionLockTTL = 5 * time.Minute

// LocalConfig configures a Local controller.
type LocalConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	ID     string
	Region string

	Store *nib.Store
	Bus   *bus.Bus

	// MQTT carries discovery reports and policy subscriptions when set;
	// the unicast bus is the fallback path.
	MQTT *pubsub.MQTTBridge

	ParentID string

	SharedSecret []byte

	Subnet            string
	DiscoveryInterval time.Duration
	HeartbeatInterval time.Duration

	ARP  discovery.ARPScanner
	ICMP discovery.ICMPScanner
	SNMP discovery.SNMPScanner

	// Adapters resolves the driver for a device; injected by the host
	// process, faked in tests.
	Adapters func(device *nib.Device) adapter.Adapter
}

func (cfg *LocalConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ID == "" || cfg.Region == "" {
		return errors.New("controller id and region are required")
	}
	if cfg.Store == nil {
		return errors.New("nib store is required")
	}
	if cfg.Bus == nil {
		return errors.New("bus is required")
	}
	if cfg.Subnet == "" {
		return errors.New("subnet is required")
	}
	return nil
}

// Local owns a subnet: it discovers devices on an interval, proposes
// configuration changes upward, and executes approved configurations
// against devices under a single-use token.
type Local struct {
	log   *slog.Logger
	cfg   LocalConfig
	clock clockwork.Clock

	pipeline   *discovery.Pipeline
	tokens     *exectoken.Manager
	rollbacks  *rollback.Manager
	trail      *audit.Trail
	classifier *sensitivity.Classifier
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	log := cfg.Logger.With("controller_id", cfg.ID, "role", "local", "region", cfg.Region)

	l := &Local{
		log:        log,
		cfg:        cfg,
		clock:      cfg.Clock,
		classifier: sensitivity.NewClassifier(),
	}

	pipeline, err := discovery.NewPipeline(discovery.Config{
		Logger:       log,
		Clock:        cfg.Clock,
		ARP:          cfg.ARP,
		ICMP:         cfg.ICMP,
		SNMP:         cfg.SNMP,
		Store:        cfg.Store,
		Reporter:     l,
		Subnet:       cfg.Subnet,
		Region:       cfg.Region,
		ControllerID: cfg.ID,
	})
	if err != nil {
		return nil, err
	}
	l.pipeline = pipeline

	tokens, err := exectoken.NewManager(exectoken.Config{
		Logger:       log,
		ControllerID: cfg.ID,
		Secret:       cfg.SharedSecret,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	l.tokens = tokens

	rollbacks, err := rollback.NewManager(rollback.Config{
		Logger:       log,
		ControllerID: cfg.ID,
		Store:        cfg.Store,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	l.rollbacks = rollbacks

	trail, err := audit.NewTrail(log, cfg.ID, cfg.Store, cfg.Clock)
	if err != nil {
		return nil, err
	}
	l.trail = trail
	return l, nil
}

// Start registers bus handlers and the policy subscription.
func (l *Local) Start(ctx context.Context) error {
	l.cfg.Bus.Register(l.cfg.ID, map[envelope.MessageType]bus.Handler{
		envelope.TypeDiscoveryRequest: l.handleDiscoveryRequest,
		envelope.TypePolicyUpdate:     l.handlePolicyUpdate,
		envelope.TypeHeartbeat:        l.handleHeartbeat,
	})
	if l.cfg.MQTT != nil {
		if err := l.cfg.MQTT.Subscribe(pubsub.PolicyTopic(l.cfg.Region), func(topic string, env *envelope.Envelope) {
			if _, err := l.handlePolicyUpdate(context.Background(), env); err != nil {
				l.log.Error("policy update handling failed", "topic", topic, "error", err)
			}
		}); err != nil {
			return err
		}
	}
	l.log.Info("local controller started", "subnet", l.cfg.Subnet)
	return nil
}

// Stop tears the controller down.
func (l *Local) Stop() {
	l.cfg.Bus.Unregister(l.cfg.ID)
	l.tokens.Close()
}

// Tokens exposes the token manager (it shares the issuing secret with the
// parent tier so tokens issued there verify here).
func (l *Local) Tokens() *exectoken.Manager { return l.tokens }

// Run drives discovery cycles and parent heartbeats on their configured
// intervals until ctx ends.
func (l *Local) Run(ctx context.Context) error {
	discoveryTicker := l.clock.NewTicker(l.cfg.DiscoveryInterval)
	defer discoveryTicker.Stop()
	heartbeatTicker := l.clock.NewTicker(l.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	if _, err := l.RunDiscoveryCycle(ctx); err != nil && !errors.Is(err, discovery.ErrCycleInProgress) {
		l.log.Error("discovery cycle failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-discoveryTicker.Chan():
			if _, err := l.RunDiscoveryCycle(ctx); err != nil && !errors.Is(err, discovery.ErrCycleInProgress) {
				l.log.Error("discovery cycle failed", "error", err)
			}
		case <-heartbeatTicker.Chan():
			if err := l.Heartbeat(ctx); err != nil {
				l.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// RunDiscoveryCycle executes one cycle and updates metrics.
func (l *Local) RunDiscoveryCycle(ctx context.Context) (*discovery.CycleSummary, error) {
	summary, err := l.pipeline.RunCycle(ctx)
	if err != nil {
		return nil, err
	}
	metrics.DiscoveryCycles.Inc()
	metrics.DiscoveryDuration.Observe(summary.Duration.Seconds())
	metrics.DiscoveryDevices.WithLabelValues("new").Set(float64(len(summary.Delta.New)))
	metrics.DiscoveryDevices.WithLabelValues("updated").Set(float64(len(summary.Delta.Updated)))
	metrics.DiscoveryDevices.WithLabelValues("inactive").Set(float64(len(summary.Delta.Inactive)))
	metrics.DiscoveryDevices.WithLabelValues("unchanged").Set(float64(summary.Delta.Unchanged))
	return summary, nil
}

// ReportDiscovery ships a delta report: MQTT topic when a broker is
// connected, unicast to the parent otherwise. The payload is identical on
// both paths.
func (l *Local) ReportDiscovery(ctx context.Context, delta *discovery.Delta) error {
	payload := map[string]any{
		"lc_id":            l.cfg.ID,
		"subnet":           l.cfg.Subnet,
		"region":           l.cfg.Region,
		"new_devices":      delta.New,
		"updated_devices":  delta.Updated,
		"inactive_devices": delta.Inactive,
	}
	if l.cfg.MQTT != nil && l.cfg.MQTT.Connected() {
		env := envelope.New(envelope.TypeDiscoveryReport, l.cfg.ID, envelope.Broadcast, payload)
		if err := l.cfg.MQTT.Publish(pubsub.DiscoveryTopic(l.cfg.Region, l.cfg.ID), env); err == nil {
			metrics.MessagesSent.WithLabelValues(string(envelope.TypeDiscoveryReport)).Inc()
			return nil
		} else {
			l.log.Warn("mqtt publish failed, falling back to unicast", "error", err)
		}
	}
	if l.cfg.ParentID == "" {
		return nil
	}
	_, err := l.cfg.Bus.Send(ctx, l.cfg.ID, l.cfg.ParentID, envelope.TypeDiscoveryReport, payload, "")
	if err == nil {
		metrics.MessagesSent.WithLabelValues(string(envelope.TypeDiscoveryReport)).Inc()
	}
	return err
}

// ProposeConfig classifies lines, persists the configuration record, and
// sends a CONFIG_PROPOSAL to the parent. The returned record carries the
// approval outcome and, when approved, the execution token.
func (l *Local) ProposeConfig(ctx context.Context, deviceID string, lines []string) (*nib.ConfigRecord, *exectoken.Token, error) {
	level := l.classifier.Classify(lines)
	record := &nib.ConfigRecord{
		DeviceID:    deviceID,
		Lines:       lines,
		RequesterID: l.cfg.ID,
		Sensitivity: string(level),
		State:       nib.ConfigDraft,
	}
	if _, err := l.cfg.Store.UpsertConfig(ctx, record); err != nil {
		return nil, nil, err
	}
	_ = l.trail.Record(ctx, audit.EventConfigCreated, l.cfg.ID, "configuration",
		record.ConfigID, "create", audit.ResultSuccess,
		map[string]any{"device_id": deviceID, "sensitivity": string(level)})

	if err := l.transitionConfig(ctx, record, nib.ConfigPendingApproval, "submitted for approval"); err != nil {
		return nil, nil, err
	}
	_ = l.trail.Record(ctx, audit.EventConfigSubmitted, l.cfg.ID, "configuration",
		record.ConfigID, "submit", audit.ResultPending, nil)

	resp, err := l.cfg.Bus.Send(ctx, l.cfg.ID, l.cfg.ParentID, envelope.TypeConfigProposal, map[string]any{
		"request_id":   record.ConfigID,
		"device_id":    deviceID,
		"config_lines": lines,
	}, "")
	if err != nil {
		return record, nil, fmt.Errorf("send config proposal: %w", err)
	}
	if resp == nil {
		return record, nil, errors.New("no response to config proposal")
	}

	switch resp.MessageType {
	case envelope.TypeConfigApproval:
		if err := l.transitionConfig(ctx, record, nib.ConfigApproved, "approved by "+resp.SenderID); err != nil {
			return record, nil, err
		}
		if reqID, ok := resp.Payload["request_id"].(string); ok {
			record.ApprovalRequestID = reqID
		}
		token, ok := TokenFromPayload(resp.Payload["execution_token"])
		if !ok {
			return record, nil, errors.New("approval carried no execution token")
		}
		record.ExecutionTokenID = token.TokenID
		if _, err := l.cfg.Store.UpsertConfig(ctx, record); err != nil {
			return record, nil, err
		}
		record.Version++
		return record, token, nil
	case envelope.TypeConfigRejection:
		reason, _ := resp.Payload["reason"].(string)
		_ = l.trail.Record(ctx, audit.EventConfigRejected, resp.SenderID, "configuration",
			record.ConfigID, "reject", audit.ResultFailure, map[string]any{"reason": reason})
		if err := l.transitionConfig(ctx, record, nib.ConfigCancelled, "rejected: "+reason); err != nil {
			return record, nil, err
		}
		return record, nil, fmt.Errorf("proposal rejected: %s", reason)
	default:
		return record, nil, fmt.Errorf("unexpected proposal response %s", resp.MessageType)
	}
}

// ExecuteConfig verifies the token, locks the device, snapshots its
// running configuration, applies the change, and walks the config state
// machine. A failed apply triggers auto-rollback from the fresh backup.
func (l *Local) ExecuteConfig(ctx context.Context, record *nib.ConfigRecord, token *exectoken.Token) error {
	if record.State != nib.ConfigApproved {
		return fmt.Errorf("%w: config %s is %s", configstate.ErrInvalidTransition, record.ConfigID, record.State)
	}

	if err := l.tokens.Verify(token, exectoken.WithExpectedDevice(record.DeviceID)); err != nil {
		_ = l.trail.Record(ctx, audit.EventTokenRejected, l.cfg.ID, "execution_token",
			token.TokenID, "verify", audit.ResultFailure, map[string]any{"error": err.Error()})
		return fmt.Errorf("execution token rejected: %w", err)
	}
	_ = l.trail.Record(ctx, audit.EventTokenVerified, l.cfg.ID, "execution_token",
		token.TokenID, "verify", audit.ResultSuccess, nil)

	device, err := l.cfg.Store.GetDevice(ctx, record.DeviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", record.DeviceID, err)
	}
	if l.cfg.Adapters == nil {
		return errors.New("no device adapter factory configured")
	}
	dev := l.cfg.Adapters(device)

	lock, err := l.cfg.Store.AcquireLock(ctx, record.DeviceID, nib.LockConfigExecution, l.cfg.ID, executionLockTTL)
	if err != nil {
		return fmt.Errorf("lock device %s: %w", record.DeviceID, err)
	}
	defer func() {
		if err := l.cfg.Store.ReleaseLock(ctx, lock.LockID, l.cfg.ID); err != nil {
			l.log.Warn("lock release failed", "lock_id", lock.LockID, "error", err)
		}
	}()

	if !dev.IsConnected() {
		if err := dev.Connect(ctx, adapter.DeviceInfo{
			DeviceID: device.DeviceID,
			Address:  device.IPAddress,
			Vendor:   device.Vendor,
		}); err != nil {
			return fmt.Errorf("connect to device %s: %w", device.DeviceID, err)
		}
		defer dev.Disconnect()
	}

	backup, err := l.rollbacks.CreateBackup(ctx, record.DeviceID, dev,
		map[string]any{"config_id": record.ConfigID})
	if err != nil {
		return fmt.Errorf("pre-execution backup: %w", err)
	}
	record.BackupID = backup.BackupID
	_ = l.trail.Record(ctx, audit.EventBackupCreated, l.cfg.ID, "backup",
		backup.BackupID, "backup", audit.ResultSuccess,
		map[string]any{"config_id": record.ConfigID})

	if err := l.transitionConfig(ctx, record, nib.ConfigExecuting, "executing with verified token"); err != nil {
		return err
	}

	result, applyErr := dev.ApplyConfig(ctx, record.Lines)
	success := applyErr == nil && result != nil && result.Success
	if success {
		record.ExecutionResult = map[string]any{"success": true, "output": result.Output}
		if err := l.transitionConfig(ctx, record, nib.ConfigExecuted, "applied successfully"); err != nil {
			return err
		}
		metrics.ConfigExecutions.WithLabelValues("success").Inc()
		_ = l.trail.Record(ctx, audit.EventConfigExecuted, l.cfg.ID, "configuration",
			record.ConfigID, "execute", audit.ResultSuccess, nil)
		return nil
	}

	reason := "apply error"
	if applyErr != nil {
		reason = applyErr.Error()
	} else if result != nil {
		reason = result.Error
	}
	record.ExecutionResult = map[string]any{"success": false, "error": reason}
	if err := l.transitionConfig(ctx, record, nib.ConfigFailed, reason); err != nil {
		return err
	}
	metrics.ConfigExecutions.WithLabelValues("failure").Inc()
	_ = l.trail.Record(ctx, audit.EventConfigFailed, l.cfg.ID, "configuration",
		record.ConfigID, "execute", audit.ResultFailure, map[string]any{"error": reason})

	if rbErr := l.rollbacks.AutoRollback(ctx, record.ConfigID, record.DeviceID, reason, dev); rbErr != nil {
		l.log.Error("auto-rollback failed", "config_id", record.ConfigID, "error", rbErr)
		return fmt.Errorf("execution failed (%s); auto-rollback failed: %w", reason, rbErr)
	}
	if err := l.transitionConfig(ctx, record, nib.ConfigRolledBack, "auto-rollback after failure"); err != nil {
		return err
	}
	_ = l.trail.Record(ctx, audit.EventConfigRolledBack, l.cfg.ID, "configuration",
		record.ConfigID, "rollback", audit.ResultSuccess, map[string]any{"backup_id": record.BackupID})
	return fmt.Errorf("execution failed and was rolled back: %s", reason)
}

// transitionConfig validates the transition against the lifecycle graph
// and persists the new state with a CAS write.
func (l *Local) transitionConfig(ctx context.Context, record *nib.ConfigRecord, to nib.ConfigState, reason string) error {
	if !configstate.CanTransition(record.State, to) {
		return fmt.Errorf("%w: %s -> %s", configstate.ErrInvalidTransition, record.State, to)
	}
	from := record.State
	record.State = to
	if _, err := l.cfg.Store.UpsertConfig(ctx, record); err != nil {
		record.State = from
		if errors.Is(err, nib.ErrConflict) {
			metrics.NIBConflicts.Inc()
		}
		return fmt.Errorf("persist %s -> %s for %s: %w", from, to, record.ConfigID, err)
	}
	record.Version++
	l.log.Info("config state transition",
		"config_id", record.ConfigID, "from", from, "to", to, "reason", reason)
	return nil
}

func (l *Local) handleDiscoveryRequest(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	summary, err := l.RunDiscoveryCycle(ctx)
	if err != nil {
		return nil, err
	}
	return env.Reply(envelope.TypeDiscoverySummary, map[string]any{
		"subnet":        summary.Subnet,
		"devices_found": summary.DevicesFound,
		"new":           len(summary.Delta.New),
		"updated":       len(summary.Delta.Updated),
		"inactive":      len(summary.Delta.Inactive),
	}), nil
}

func (l *Local) handlePolicyUpdate(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	name, _ := env.Payload["name"].(string)
	l.log.Info("policy update received", "name", name, "sender_id", env.SenderID)
	return env.Reply(envelope.TypePolicyAck, map[string]any{"name": name}), nil
}

func (l *Local) handleHeartbeat(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	l.log.Debug("heartbeat", "sender_id", env.SenderID)
	return nil, nil
}

// Heartbeat sends one HEARTBEAT to the parent.
func (l *Local) Heartbeat(ctx context.Context) error {
	if l.cfg.ParentID == "" {
		return nil
	}
	_, err := l.cfg.Bus.Send(ctx, l.cfg.ID, l.cfg.ParentID, envelope.TypeHeartbeat, map[string]any{
		"subnet": l.cfg.Subnet,
	}, "")
	return err
}
