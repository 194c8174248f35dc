// Package auth signs and verifies message envelopes with HMAC-SHA256 and
// guards against replayed messages.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/pdsno/pdsno/internal/envelope"
)

const (
	// SignatureAlgorithm is the only algorithm accepted on the wire.
	SignatureAlgorithm = "HMAC-SHA256"

	// FreshnessWindow bounds |now - signed_at| during verification. The
	// replay cache holds nonces for the same window.
	FreshnessWindow = 5 * time.Minute

	nonceBytes    = 32
	minSecretSize = 32
)

var (
	ErrSecretTooShort    = errors.New("shared secret must be at least 32 bytes")
	ErrMissingField      = errors.New("missing required signature field")
	ErrBadAlgorithm      = errors.New("unsupported signature algorithm")
	ErrSenderMismatch    = errors.New("sender mismatch")
	ErrNotFresh          = errors.New("message outside freshness window")
	ErrReplay            = errors.New("replay detected: nonce already seen")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidSignedAt   = errors.New("invalid signed_at timestamp")
	ErrRotationNotActive = errors.New("no rotation in progress")
)

// Config configures an Authenticator.
type Config struct {
	Logger       *slog.Logger
	ControllerID string
	Secret       []byte
	Clock        clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ControllerID == "" {
		return errors.New("controller id is required")
	}
	if len(cfg.Secret) < minSecretSize {
		return ErrSecretTooShort
	}
	return nil
}

// Authenticator signs outbound envelopes and verifies inbound ones. A
// rotation may leave a previous secret acceptable for verification until
// CompleteRotation is called.
type Authenticator struct {
	log   *slog.Logger
	id    string
	clock clockwork.Clock

	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte

	seen *ttlcache.Cache[string, struct{}]
}

func New(cfg Config) (*Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](FreshnessWindow),
	)
	go cache.Start()
	return &Authenticator{
		log:    cfg.Logger.With("controller_id", cfg.ControllerID),
		id:     cfg.ControllerID,
		clock:  cfg.Clock,
		secret: cfg.Secret,
		seen:   cache,
	}, nil
}

// Close stops the replay-cache janitor.
func (a *Authenticator) Close() {
	a.seen.Stop()
}

// Sign populates nonce, signed_at, signature and signature_algorithm on env.
func (a *Authenticator) Sign(env *envelope.Envelope) error {
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	env.Nonce = hex.EncodeToString(nonce)
	env.SignedAt = a.clock.Now().UTC().Format(time.RFC3339Nano)
	env.Signature = ""
	env.SignatureAlgorithm = ""

	canonical, err := env.CanonicalBytes()
	if err != nil {
		return err
	}
	a.mu.RLock()
	secret := a.secret
	a.mu.RUnlock()

	env.Signature = computeHMAC(secret, canonical)
	env.SignatureAlgorithm = SignatureAlgorithm
	return nil
}

// VerifyOption adjusts a single verification.
type VerifyOption func(*verifyOpts)

type verifyOpts struct {
	expectedSender string
}

// WithExpectedSender rejects envelopes whose sender_id differs from id.
func WithExpectedSender(id string) VerifyOption {
	return func(o *verifyOpts) { o.expectedSender = id }
}

// Verify checks required fields, sender binding, freshness, replay, and the
// HMAC tag, in that order. On success the nonce is recorded so a second
// delivery fails with ErrReplay.
func (a *Authenticator) Verify(env *envelope.Envelope, opts ...VerifyOption) error {
	var o verifyOpts
	for _, opt := range opts {
		opt(&o)
	}

	if env.Signature == "" || env.Nonce == "" || env.SignedAt == "" || env.SenderID == "" {
		return ErrMissingField
	}
	if env.SignatureAlgorithm != "" && env.SignatureAlgorithm != SignatureAlgorithm {
		return fmt.Errorf("%w: %q", ErrBadAlgorithm, env.SignatureAlgorithm)
	}
	if o.expectedSender != "" && env.SenderID != o.expectedSender {
		return fmt.Errorf("%w: expected %s, got %s", ErrSenderMismatch, o.expectedSender, env.SenderID)
	}

	signedAt, err := time.Parse(time.RFC3339Nano, env.SignedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignedAt, err)
	}
	age := a.clock.Now().UTC().Sub(signedAt)
	if age > FreshnessWindow || age < -FreshnessWindow {
		return fmt.Errorf("%w: age %s", ErrNotFresh, age)
	}

	if a.seen.Has(env.Nonce) {
		return ErrReplay
	}

	stripped := *env
	stripped.Signature = ""
	stripped.SignatureAlgorithm = ""
	canonical, err := stripped.CanonicalBytes()
	if err != nil {
		return err
	}

	a.mu.RLock()
	secret, prev := a.secret, a.prevSecret
	a.mu.RUnlock()

	if !hmac.Equal([]byte(env.Signature), []byte(computeHMAC(secret, canonical))) {
		if prev == nil || !hmac.Equal([]byte(env.Signature), []byte(computeHMAC(prev, canonical))) {
			return ErrInvalidSignature
		}
	}

	a.seen.Set(env.Nonce, struct{}{}, ttlcache.DefaultTTL)
	a.log.Debug("verified message", "message_id", env.MessageID, "sender_id", env.SenderID)
	return nil
}

// Rotate swaps in a new signing secret. The old secret stays acceptable for
// verification until CompleteRotation.
func (a *Authenticator) Rotate(newSecret []byte) error {
	if len(newSecret) < minSecretSize {
		return ErrSecretTooShort
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prevSecret = a.secret
	a.secret = newSecret
	a.log.Info("rotated shared secret")
	return nil
}

// CompleteRotation drops the previous secret.
func (a *Authenticator) CompleteRotation() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prevSecret == nil {
		return ErrRotationNotActive
	}
	a.prevSecret = nil
	a.log.Info("completed secret rotation")
	return nil
}

func computeHMAC(secret, data []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
