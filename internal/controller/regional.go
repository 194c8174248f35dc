package controller

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pdsno/pdsno/internal/admission"
	"github.com/pdsno/pdsno/internal/approval"
	"github.com/pdsno/pdsno/internal/audit"
	"github.com/pdsno/pdsno/internal/bus"
	"github.com/pdsno/pdsno/internal/envelope"
	"github.com/pdsno/pdsno/internal/exectoken"
	"github.com/pdsno/pdsno/internal/metrics"
	"github.com/pdsno/pdsno/internal/nib"
	"github.com/pdsno/pdsno/internal/pubsub"
	"github.com/pdsno/pdsno/internal/sensitivity"
)

func parseISO(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// RegionalConfig configures a Regional controller.
type RegionalConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	ID     string
	Region string

	Store *nib.Store
	Bus   *bus.Bus
	// PubSub is the in-process topic bus; nil disables topic subscriptions.
	// An MQTT bridge cannot be supplied here, so the regional controller
	// receives no discovery topics from a broker.
	PubSub *pubsub.Bus

	GlobalID string

	BootstrapSecret []byte
	SigningKey      ed25519.PrivateKey
	SharedSecret    []byte
	// Delegation authorises this regional to admit locals; issued and
	// signed by the global during this controller's own admission.
	Delegation      *admission.Delegation
	IssuerPublicKey ed25519.PublicKey

	AllowedRegions []string
	RegionQuota    int
}

func (cfg *RegionalConfig) Validate() error {
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
	return nil
}

// Regional governs one zone: it admits local controllers under its
// delegation credential, approves MEDIUM-sensitivity configurations,
// aggregates discovery reports, and fans policies out to its locals.
type Regional struct {
	log   *slog.Logger
	cfg   RegionalConfig
	clock clockwork.Clock

	validator  *admission.Validator
	approvals  *approval.Engine
	tokens     *exectoken.Manager
	trail      *audit.Trail
	classifier *sensitivity.Classifier
}

func NewRegional(cfg RegionalConfig) (*Regional, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	log := cfg.Logger.With("controller_id", cfg.ID, "role", "regional", "region", cfg.Region)

	var validator *admission.Validator
	if cfg.Delegation != nil {
		v, err := admission.NewValidator(admission.Config{
			Logger:          log,
			Clock:           cfg.Clock,
			Store:           cfg.Store,
			SelfID:          cfg.ID,
			Role:            nib.RoleRegional,
			BootstrapSecret: cfg.BootstrapSecret,
			SigningKey:      cfg.SigningKey,
			IssuerPublicKey: cfg.IssuerPublicKey,
			Delegation:      cfg.Delegation,
			PermittedTypes:  []nib.ControllerRole{nib.RoleLocal},
			AllowedRegions:  []string{cfg.Region},
			RegionQuota:     cfg.RegionQuota,
		})
		if err != nil {
			return nil, err
		}
		validator = v
	}

	approvals, err := approval.NewEngine(approval.Config{
		Logger:       log,
		ControllerID: cfg.ID,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	tokens, err := exectoken.NewManager(exectoken.Config{
		Logger:       log,
		ControllerID: cfg.ID,
		Secret:       cfg.SharedSecret,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	trail, err := audit.NewTrail(log, cfg.ID, cfg.Store, cfg.Clock)
	if err != nil {
		return nil, err
	}

	return &Regional{
		log:        log,
		cfg:        cfg,
		clock:      cfg.Clock,
		validator:  validator,
		approvals:  approvals,
		tokens:     tokens,
		trail:      trail,
		classifier: sensitivity.NewClassifier(),
	}, nil
}

// Start registers bus handlers and topic subscriptions.
func (r *Regional) Start(ctx context.Context) error {
	handlers := map[envelope.MessageType]bus.Handler{
		envelope.TypeConfigProposal:  r.handleConfigProposal,
		envelope.TypeDiscoveryReport: r.handleDiscoveryReport,
		envelope.TypeHeartbeat:       r.handleHeartbeat,
	}
	if r.validator != nil {
		if err := r.validator.LoadSequences(ctx); err != nil {
			return err
		}
		handlers[envelope.TypeValidationRequest] = func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			return r.validator.HandleValidationRequest(ctx, env), nil
		}
		handlers[envelope.TypeChallengeResponse] = func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			return r.validator.HandleChallengeResponse(ctx, env), nil
		}
	}
	r.cfg.Bus.Register(r.cfg.ID, handlers)

	if r.cfg.PubSub != nil {
		if err := r.cfg.PubSub.Subscribe(pubsub.DiscoveryPattern(r.cfg.Region), r.onDiscoveryTopic); err != nil {
			return err
		}
	}
	r.log.Info("regional controller started")
	return nil
}

// Stop tears the controller down.
func (r *Regional) Stop() {
	r.cfg.Bus.Unregister(r.cfg.ID)
	if r.validator != nil {
		r.validator.Close()
	}
	r.tokens.Close()
}

// Approvals exposes the approval engine.
func (r *Regional) Approvals() *approval.Engine { return r.approvals }

// Tokens exposes the token manager.
func (r *Regional) Tokens() *exectoken.Manager { return r.tokens }

// PublishPolicy fans a policy out to the region's topic and persists it.
func (r *Regional) PublishPolicy(ctx context.Context, name string, rules map[string]any) error {
	policy := &nib.Policy{
		Name:      name,
		RuleSet:   rules,
		Scope:     r.cfg.Region,
		Active:    true,
		CreatedBy: r.cfg.ID,
	}
	if _, err := r.cfg.Store.UpsertPolicy(ctx, policy); err != nil {
		return err
	}
	if r.cfg.PubSub != nil {
		env := envelope.New(envelope.TypePolicyUpdate, r.cfg.ID, envelope.Broadcast, map[string]any{
			"policy_id": policy.PolicyID,
			"name":      name,
			"rule_set":  rules,
			"region":    r.cfg.Region,
		})
		r.cfg.PubSub.Publish(pubsub.PolicyTopic(r.cfg.Region), env)
	}
	r.log.Info("published policy", "policy_id", policy.PolicyID, "name", name)
	return nil
}

// handleConfigProposal approves up to MEDIUM itself; HIGH-sensitivity
// proposals are forwarded to the global controller and its decision is
// relayed back to the proposer.
func (r *Regional) handleConfigProposal(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	lines := toStringSlice(env.Payload["config_lines"])
	if levelRank(r.classifier.Classify(lines)) > levelRank(sensitivity.Medium) {
		return r.escalateProposal(ctx, env)
	}
	return handleProposal(ctx, proposalDeps{
		log:        r.log,
		selfID:     r.cfg.ID,
		approvals:  r.approvals,
		tokens:     r.tokens,
		trail:      r.trail,
		classifier: r.classifier,
		maxLevel:   sensitivity.Medium,
	}, env)
}

// escalateProposal ships a HIGH proposal to the global controller over the
// unicast bus and relays the resulting CONFIG_APPROVAL or CONFIG_REJECTION
// to the original proposer.
func (r *Regional) escalateProposal(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	requestID, _ := env.Payload["request_id"].(string)
	if r.cfg.GlobalID == "" {
		r.log.Warn("no global controller configured, rejecting HIGH proposal",
			"request_id", requestID, "proposer_id", env.SenderID)
		metrics.ApprovalRequests.WithLabelValues(string(sensitivity.High), "escalate_failed").Inc()
		return env.Reply(envelope.TypeConfigRejection, map[string]any{
			"request_id":  requestID,
			"reason":      "HIGH sensitivity requires global approval and no global controller is configured",
			"sensitivity": string(sensitivity.High),
		}), nil
	}

	r.log.Info("escalating HIGH proposal to global",
		"request_id", requestID, "proposer_id", env.SenderID, "global_id", r.cfg.GlobalID)
	metrics.ApprovalRequests.WithLabelValues(string(sensitivity.High), "escalated").Inc()

	decision, err := r.cfg.Bus.Send(ctx, r.cfg.ID, r.cfg.GlobalID,
		envelope.TypeConfigProposal, env.Payload, env.MessageID)
	if err != nil {
		return nil, fmt.Errorf("escalate proposal %s to %s: %w", requestID, r.cfg.GlobalID, err)
	}
	if decision == nil {
		return nil, fmt.Errorf("global %s returned no decision for proposal %s", r.cfg.GlobalID, requestID)
	}
	return env.Reply(decision.MessageType, decision.Payload), nil
}

func (r *Regional) onDiscoveryTopic(topic string, env *envelope.Envelope) {
	if _, err := r.handleDiscoveryReport(context.Background(), env); err != nil {
		r.log.Error("discovery report handling failed", "topic", topic, "error", err)
	}
}

// handleDiscoveryReport absorbs a local controller's delta and rolls a
// summary up to the global.
func (r *Regional) handleDiscoveryReport(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	newCount := countOf(env.Payload, "new_devices")
	updated := countOf(env.Payload, "updated_devices")
	inactive := countOf(env.Payload, "inactive_devices")
	r.log.Info("discovery report",
		"lc_id", env.SenderID, "new", newCount, "updated", updated, "inactive", inactive)

	if r.cfg.GlobalID != "" {
		summary := map[string]any{
			"region":           r.cfg.Region,
			"lc_id":            env.SenderID,
			"new_devices":      newCount,
			"updated_devices":  updated,
			"inactive_devices": inactive,
		}
		if _, err := r.cfg.Bus.Send(ctx, r.cfg.ID, r.cfg.GlobalID, envelope.TypeDiscoverySummary, summary, ""); err != nil {
			r.log.Warn("discovery summary forwarding failed", "error", err)
		}
	}
	return nil, nil
}

func (r *Regional) handleHeartbeat(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	r.log.Debug("heartbeat", "sender_id", env.SenderID)
	return nil, nil
}

func countOf(payload map[string]any, key string) int {
	if list, ok := payload[key].([]any); ok {
		return len(list)
	}
	if list, ok := payload[key].([]map[string]any); ok {
		return len(list)
	}
	return 0
}
