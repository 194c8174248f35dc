package admission

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/pdsno/pdsno/internal/envelope"
	"github.com/pdsno/pdsno/internal/nib"
)

const (
	// FreshnessWindow bounds how old a VALIDATION_REQUEST may be.
	FreshnessWindow = 5 * time.Minute

	// ChallengeTTL is how long a candidate has to answer a challenge.
	ChallengeTTL = 30 * time.Second

	// consumedTokenTTL keeps used bootstrap tokens long past any replay
	// horizon that matters.
	consumedTokenTTL = 24 * time.Hour

	challengeNonceBytes = 32
)

// Store is the NIB surface the validator needs.
type Store interface {
	UpsertController(ctx context.Context, c *nib.Controller) (nib.UpsertResult, error)
	WriteEvent(ctx context.Context, e *nib.Event) error
	ControllersByRegion(ctx context.Context, region string) ([]*nib.Controller, error)
	ControllersByRole(ctx context.Context, role nib.ControllerRole) ([]*nib.Controller, error)
}

// Config configures a Validator. A global validator admits regionals; a
// regional validator admits locals and must hold a delegation credential
// issued by the global.
type Config struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Store           Store
	SelfID          string
	Role            nib.ControllerRole
	BootstrapSecret []byte
	// SigningKey signs certificates and delegation credentials.
	SigningKey ed25519.PrivateKey
	// IssuerPublicKey verifies a regional validator's delegation; unused
	// for the global.
	IssuerPublicKey ed25519.PublicKey
	Delegation      *Delegation

	PermittedTypes []nib.ControllerRole
	AllowedRegions []string
	RegionQuota    int
	Blocklist      []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.SelfID == "" {
		return errors.New("validator id is required")
	}
	if len(cfg.BootstrapSecret) < 32 {
		return errors.New("bootstrap secret must be at least 32 bytes")
	}
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return errors.New("ed25519 signing key is required")
	}
	if cfg.Role == nib.RoleRegional {
		if cfg.Delegation == nil {
			return errors.New("regional validator requires a delegation credential")
		}
		if len(cfg.IssuerPublicKey) != ed25519.PublicKeySize {
			return errors.New("regional validator requires the issuer public key")
		}
	}
	return nil
}

type pendingChallenge struct {
	tempID    string
	nonce     []byte
	publicKey string
	expiresAt time.Time
	// original VALIDATION_REQUEST payload, carried into steps 5 and 6.
	payload map[string]any
}

// Validator drives the admission protocol for candidates one tier below it.
type Validator struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	challenges *ttlcache.Cache[string, *pendingChallenge]
	consumed   *ttlcache.Cache[string, struct{}]
	blocklist  map[string]struct{}

	mu  sync.Mutex
	seq map[nib.ControllerRole]int
}

func NewValidator(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.PermittedTypes) == 0 {
		cfg.PermittedTypes = []nib.ControllerRole{nib.RoleRegional, nib.RoleLocal}
	}
	if cfg.Role == nib.RoleRegional &&
		!VerifyDelegation(cfg.IssuerPublicKey, cfg.Delegation, cfg.Delegation.Region) {
		return nil, errors.New("delegation credential failed verification")
	}

	challenges := ttlcache.New(
		ttlcache.WithTTL[string, *pendingChallenge](ChallengeTTL),
		ttlcache.WithDisableTouchOnHit[string, *pendingChallenge](),
	)
	go challenges.Start()
	consumed := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](consumedTokenTTL),
	)
	go consumed.Start()

	blocklist := make(map[string]struct{}, len(cfg.Blocklist))
	for _, id := range cfg.Blocklist {
		blocklist[id] = struct{}{}
	}

	v := &Validator{
		log:        cfg.Logger.With("validator_id", cfg.SelfID),
		cfg:        cfg,
		clock:      cfg.Clock,
		challenges: challenges,
		consumed:   consumed,
		blocklist:  blocklist,
		seq:        make(map[nib.ControllerRole]int),
	}
	return v, nil
}

// Close stops the cache janitors.
func (v *Validator) Close() {
	v.challenges.Stop()
	v.consumed.Stop()
}

// LoadSequences recovers the per-role id counters from existing controller
// records so assigned ids stay unique across restarts.
func (v *Validator) LoadSequences(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, role := range []nib.ControllerRole{nib.RoleRegional, nib.RoleLocal} {
		existing, err := v.cfg.Store.ControllersByRole(ctx, role)
		if err != nil {
			return fmt.Errorf("load %s sequence: %w", role, err)
		}
		maxSeq := 0
		for _, c := range existing {
			var seq int
			if _, err := fmt.Sscanf(lastUnderscoreField(c.ControllerID), "%d", &seq); err == nil && seq > maxSeq {
				maxSeq = seq
			}
		}
		v.seq[role] = maxSeq
	}
	return nil
}

func lastUnderscoreField(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			return s[i+1:]
		}
	}
	return s
}

// HandleValidationRequest runs steps 1-3: freshness, bootstrap token,
// challenge issuance. The response is a CHALLENGE on success or a rejected
// VALIDATION_RESULT.
func (v *Validator) HandleValidationRequest(ctx context.Context, env *envelope.Envelope) *envelope.Envelope {
	tempID, _ := env.Payload["temp_id"].(string)
	v.log.Info("validation request", "temp_id", tempID)

	// Step 1: timestamp freshness.
	if reason, ok := v.checkFreshness(env); !ok {
		return v.reject(env, reason)
	}

	// Step 2: blocklist and bootstrap token.
	if reason, ok := v.checkBootstrapToken(env.Payload); !ok {
		return v.reject(env, reason)
	}

	// Step 3: issue challenge.
	return v.issueChallenge(env)
}

func (v *Validator) checkFreshness(env *envelope.Envelope) (string, bool) {
	age := v.clock.Now().UTC().Sub(env.Timestamp)
	if age < -FreshnessWindow {
		v.log.Warn("future timestamp on validation request", "sender_id", env.SenderID, "age", age)
		return ReasonFutureTimestamp, false
	}
	if age > FreshnessWindow {
		v.log.Warn("stale timestamp on validation request", "sender_id", env.SenderID, "age", age)
		return ReasonStaleTimestamp, false
	}
	return "", true
}

func (v *Validator) checkBootstrapToken(payload map[string]any) (string, bool) {
	tempID, _ := payload["temp_id"].(string)
	region, _ := payload["region"].(string)
	ctype, _ := payload["controller_type"].(string)
	submitted, _ := payload["bootstrap_token"].(string)

	if _, blocked := v.blocklist[tempID]; blocked {
		v.log.Warn("blocklisted candidate", "temp_id", tempID)
		return ReasonBlocklisted, false
	}
	if v.consumed.Has(submitted) {
		v.log.Warn("bootstrap token reuse", "temp_id", tempID)
		return ReasonInvalidBootstrapToken, false
	}
	expected := ComputeBootstrapToken(v.cfg.BootstrapSecret, tempID, region, ctype)
	if !tokenEqual(submitted, expected) {
		v.log.Warn("invalid bootstrap token", "temp_id", tempID)
		return ReasonInvalidBootstrapToken, false
	}
	// Single-use: consume on first success.
	v.consumed.Set(submitted, struct{}{}, ttlcache.DefaultTTL)
	return "", true
}

func (v *Validator) issueChallenge(env *envelope.Envelope) *envelope.Envelope {
	nonce := make([]byte, challengeNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		v.log.Error("challenge nonce generation failed", "error", err)
		return v.errorResult(env, ReasonRegistrationFailed)
	}
	challengeID := "challenge-" + uuid.NewString()[:12]
	tempID, _ := env.Payload["temp_id"].(string)
	publicKey, _ := env.Payload["public_key"].(string)
	expiresAt := v.clock.Now().UTC().Add(ChallengeTTL)

	v.challenges.Set(challengeID, &pendingChallenge{
		tempID:    tempID,
		nonce:     nonce,
		publicKey: publicKey,
		expiresAt: expiresAt,
		payload:   env.Payload,
	}, ttlcache.DefaultTTL)

	v.log.Info("issued challenge", "challenge_id", challengeID, "temp_id", tempID)
	return env.Reply(envelope.TypeChallenge, map[string]any{
		"challenge_id": challengeID,
		"nonce":        hex.EncodeToString(nonce),
		"expires_at":   nowISO(expiresAt),
	})
}

// HandleChallengeResponse runs steps 4-6: challenge verification, policy
// checks, identity assignment.
func (v *Validator) HandleChallengeResponse(ctx context.Context, env *envelope.Envelope) *envelope.Envelope {
	challengeID, _ := env.Payload["challenge_id"].(string)
	tempID, _ := env.Payload["temp_id"].(string)
	signedNonce, _ := env.Payload["signed_nonce"].(string)

	// Step 4: verify the signed nonce.
	original, reason := v.verifyChallenge(challengeID, tempID, signedNonce)
	if reason != "" {
		return v.reject(env, reason)
	}

	// Step 5: policy checks.
	if reason, ok := v.policyChecks(ctx, original); !ok {
		return v.reject(env, reason)
	}

	// Step 6: atomic identity assignment.
	result, errReason := v.assignIdentity(ctx, original)
	if errReason != "" {
		return v.errorResult(env, errReason)
	}
	return env.Reply(envelope.TypeValidationResult, result)
}

func (v *Validator) verifyChallenge(challengeID, tempID, signedNonce string) (map[string]any, string) {
	item := v.challenges.Get(challengeID)
	if item == nil {
		v.log.Warn("unknown challenge", "challenge_id", challengeID)
		return nil, ReasonUnknownChallenge
	}
	pending := item.Value()
	// Consume the challenge regardless of outcome.
	v.challenges.Delete(challengeID)

	if v.clock.Now().UTC().After(pending.expiresAt) {
		v.log.Warn("challenge expired", "challenge_id", challengeID)
		return nil, ReasonChallengeExpired
	}
	if pending.tempID != tempID {
		v.log.Warn("temp_id mismatch in challenge response", "challenge_id", challengeID)
		return nil, ReasonTempIDMismatch
	}

	pub, err := hex.DecodeString(pending.publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		v.log.Warn("candidate public key undecodable", "temp_id", tempID)
		return nil, ReasonInvalidSignature
	}
	sig, err := hex.DecodeString(signedNonce)
	if err != nil || !ed25519.Verify(ed25519.PublicKey(pub), pending.nonce, sig) {
		v.log.Warn("invalid challenge signature", "temp_id", tempID)
		return nil, ReasonInvalidSignature
	}

	v.log.Info("challenge verified", "challenge_id", challengeID, "temp_id", tempID)
	return pending.payload, ""
}

func (v *Validator) policyChecks(ctx context.Context, request map[string]any) (string, bool) {
	ctype, _ := request["controller_type"].(string)
	region, _ := request["region"].(string)

	permitted := false
	for _, t := range v.cfg.PermittedTypes {
		if string(t) == ctype {
			permitted = true
			break
		}
	}
	if !permitted {
		return ReasonTypeNotPermitted, false
	}

	if len(v.cfg.AllowedRegions) > 0 {
		valid := false
		for _, r := range v.cfg.AllowedRegions {
			if r == region {
				valid = true
				break
			}
		}
		if !valid {
			return ReasonInvalidRegion, false
		}
	}

	if v.cfg.RegionQuota > 0 {
		existing, err := v.cfg.Store.ControllersByRegion(ctx, region)
		if err != nil {
			v.log.Error("quota check failed", "region", region, "error", err)
			return ReasonNIBWriteFailed, false
		}
		count := 0
		for _, c := range existing {
			if string(c.Role) == ctype {
				count++
			}
		}
		if count >= v.cfg.RegionQuota {
			return ReasonQuotaExceeded, false
		}
	}
	return "", true
}

// assignIdentity allocates the permanent id, builds the certificate and
// (for regionals) the delegation credential, and persists the controller
// record and audit event. The upsert either commits or leaves nothing
// behind; a CONFLICT is fatal for the in-flight admission.
func (v *Validator) assignIdentity(ctx context.Context, request map[string]any) (map[string]any, string) {
	ctype, _ := request["controller_type"].(string)
	region, _ := request["region"].(string)
	publicKey, _ := request["public_key"].(string)
	role := nib.ControllerRole(ctype)

	v.mu.Lock()
	v.seq[role]++
	seq := v.seq[role]
	v.mu.Unlock()

	assignedID := fmt.Sprintf("%s_cntl_%s_%d", ctype, region, seq)
	issuedAt := v.clock.Now().UTC()

	cert := &Certificate{
		AssignedID: assignedID,
		Role:       ctype,
		Region:     region,
		PublicKey:  publicKey,
		IssuerID:   v.cfg.SelfID,
		IssuedAt:   nowISO(issuedAt),
	}
	if err := SignCertificate(v.cfg.SigningKey, cert); err != nil {
		v.log.Error("certificate signing failed", "error", err)
		return nil, ReasonRegistrationFailed
	}

	var delegation *Delegation
	if role == nib.RoleRegional {
		d, err := NewDelegation(v.cfg.SelfID, v.cfg.SigningKey, region)
		if err != nil {
			v.log.Error("delegation signing failed", "error", err)
			return nil, ReasonRegistrationFailed
		}
		delegation = d
	}

	certJSON, err := json.Marshal(cert)
	if err != nil {
		return nil, ReasonRegistrationFailed
	}
	metadata, _ := request["metadata"].(map[string]any)
	record := &nib.Controller{
		ControllerID: assignedID,
		Role:         role,
		Region:       region,
		Status:       nib.ControllerActive,
		ValidatedBy:  v.cfg.SelfID,
		ValidatedAt:  issuedAt,
		PublicKey:    publicKey,
		Certificate:  string(certJSON),
		Metadata:     metadata,
	}
	if _, err := v.cfg.Store.UpsertController(ctx, record); err != nil {
		v.log.Error("controller registration failed", "assigned_id", assignedID, "error", err)
		if errors.Is(err, nib.ErrConflict) || errors.Is(err, nib.ErrConstraintViolation) {
			return nil, ReasonRegistrationFailed
		}
		return nil, ReasonNIBWriteFailed
	}

	event := &nib.Event{
		EventType:    "CONTROLLER_VALIDATED",
		ActorID:      v.cfg.SelfID,
		ResourceType: "controller",
		ResourceID:   assignedID,
		Action:       "validate",
		Result:       "SUCCESS",
		Timestamp:    issuedAt,
		Details: map[string]any{
			"assigned_id": assignedID,
			"role":        ctype,
			"region":      region,
		},
	}
	if err := v.cfg.Store.WriteEvent(ctx, event); err != nil {
		// The controller record is already committed; an unrecorded audit
		// event is logged loudly but does not fail the admission.
		v.log.Error("audit event write failed", "assigned_id", assignedID, "error", err)
	}

	v.log.Info("assigned identity", "assigned_id", assignedID, "role", ctype, "region", region)

	result := map[string]any{
		"status":      StatusApproved,
		"assigned_id": assignedID,
		"certificate": cert,
		"role":        ctype,
		"region":      region,
	}
	if delegation != nil {
		result["delegation_credential"] = delegation
	}
	return result, ""
}

func (v *Validator) reject(env *envelope.Envelope, reason string) *envelope.Envelope {
	return env.Reply(envelope.TypeValidationResult, map[string]any{
		"status": StatusRejected,
		"reason": reason,
	})
}

func (v *Validator) errorResult(env *envelope.Envelope, reason string) *envelope.Envelope {
	return env.Reply(envelope.TypeValidationResult, map[string]any{
		"status": StatusError,
		"reason": reason,
	})
}
