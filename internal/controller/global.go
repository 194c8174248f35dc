// Package controller wires the subsystems into the three controller roles
// of the hierarchy: Global (trust root), Regional (zone governor), and
// Local (subnet owner).
package controller

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/pdsno/pdsno/internal/admission"
	"github.com/pdsno/pdsno/internal/approval"
	"github.com/pdsno/pdsno/internal/audit"
	"github.com/pdsno/pdsno/internal/bus"
	"github.com/pdsno/pdsno/internal/envelope"
	"github.com/pdsno/pdsno/internal/exectoken"
	"github.com/pdsno/pdsno/internal/metrics"
	"github.com/pdsno/pdsno/internal/nib"
	"github.com/pdsno/pdsno/internal/ratelimit"
	"github.com/pdsno/pdsno/internal/sensitivity"
)

// GlobalConfig configures the Global controller.
type GlobalConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	ID     string

	Store *nib.Store
	Bus   *bus.Bus

	BootstrapSecret []byte
	SigningKey      ed25519.PrivateKey
	SharedSecret    []byte

	AllowedRegions []string
	RegionQuota    int
	Blocklist      []string

	AuthLimiter *ratelimit.AuthLimiter
}

func (cfg *GlobalConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ID == "" {
		return errors.New("controller id is required")
	}
	if cfg.Store == nil {
		return errors.New("nib store is required")
	}
	if cfg.Bus == nil {
		return errors.New("bus is required")
	}
	return nil
}

// Global is the root of trust: it admits regional controllers, approves
// HIGH-sensitivity configurations, and issues execution tokens for them.
type Global struct {
	log   *slog.Logger
	cfg   GlobalConfig
	clock clockwork.Clock

	validator  *admission.Validator
	approvals  *approval.Engine
	tokens     *exectoken.Manager
	trail      *audit.Trail
	classifier *sensitivity.Classifier
}

func NewGlobal(cfg GlobalConfig) (*Global, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	log := cfg.Logger.With("controller_id", cfg.ID, "role", "global")

	validator, err := admission.NewValidator(admission.Config{
		Logger:          log,
		Clock:           cfg.Clock,
		Store:           cfg.Store,
		SelfID:          cfg.ID,
		Role:            nib.RoleGlobal,
		BootstrapSecret: cfg.BootstrapSecret,
		SigningKey:      cfg.SigningKey,
		PermittedTypes:  []nib.ControllerRole{nib.RoleRegional, nib.RoleLocal},
		AllowedRegions:  cfg.AllowedRegions,
		RegionQuota:     cfg.RegionQuota,
		Blocklist:       cfg.Blocklist,
	})
	if err != nil {
		return nil, err
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

	return &Global{
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

// Start recovers admission sequences and registers bus handlers.
func (g *Global) Start(ctx context.Context) error {
	if err := g.validator.LoadSequences(ctx); err != nil {
		return err
	}
	g.cfg.Bus.Register(g.cfg.ID, map[envelope.MessageType]bus.Handler{
		envelope.TypeValidationRequest: g.handleValidationRequest,
		envelope.TypeChallengeResponse: g.handleChallengeResponse,
		envelope.TypeConfigProposal:    g.handleConfigProposal,
		envelope.TypeDiscoverySummary:  g.handleDiscoverySummary,
		envelope.TypeHeartbeat:         g.handleHeartbeat,
	})
	g.log.Info("global controller started")
	return nil
}

// Stop releases cache janitors and bus registration.
func (g *Global) Stop() {
	g.cfg.Bus.Unregister(g.cfg.ID)
	g.validator.Close()
	g.tokens.Close()
}

// Tokens exposes the token manager to co-located workflows.
func (g *Global) Tokens() *exectoken.Manager { return g.tokens }

// Approvals exposes the approval engine.
func (g *Global) Approvals() *approval.Engine { return g.approvals }

func (g *Global) handleValidationRequest(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if g.cfg.AuthLimiter != nil {
		if err := g.cfg.AuthLimiter.Allow(env.SenderID); err != nil {
			return nil, err
		}
	}
	resp := g.validator.HandleValidationRequest(ctx, env)
	g.recordAdmissionMetric(resp)
	return resp, nil
}

func (g *Global) handleChallengeResponse(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	resp := g.validator.HandleChallengeResponse(ctx, env)
	g.recordAdmissionMetric(resp)
	if g.cfg.AuthLimiter != nil {
		if status, _ := resp.Payload["status"].(string); status == admission.StatusApproved {
			g.cfg.AuthLimiter.RecordSuccess(env.SenderID)
		} else {
			g.cfg.AuthLimiter.RecordFailure(env.SenderID)
		}
	}
	return resp, nil
}

func (g *Global) recordAdmissionMetric(resp *envelope.Envelope) {
	if resp == nil || resp.MessageType != envelope.TypeValidationResult {
		return
	}
	status, _ := resp.Payload["status"].(string)
	reason, _ := resp.Payload["reason"].(string)
	metrics.AdmissionResults.WithLabelValues(status, reason).Inc()
}

// handleConfigProposal approves or rejects proposals of any sensitivity,
// including HIGH proposals forwarded by regional controllers.
func (g *Global) handleConfigProposal(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return handleProposal(ctx, proposalDeps{
		log:        g.log,
		selfID:     g.cfg.ID,
		approvals:  g.approvals,
		tokens:     g.tokens,
		trail:      g.trail,
		classifier: g.classifier,
		maxLevel:   sensitivity.High,
	}, env)
}

func (g *Global) handleDiscoverySummary(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	region, _ := env.Payload["region"].(string)
	g.log.Info("discovery summary received", "region", region, "sender_id", env.SenderID)
	return nil, nil
}

func (g *Global) handleHeartbeat(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	g.log.Debug("heartbeat", "sender_id", env.SenderID)
	return nil, nil
}
