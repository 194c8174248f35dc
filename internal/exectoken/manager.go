// Package exectoken issues and verifies the single-use, signed,
// time-bounded tokens that authorise applying an approved configuration to
// a specific device.
package exectoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultValidity = 15 * time.Minute

	tokenIDBytes = 16
	nonceBytes   = 32
	minSecretLen = 32
)

var (
	ErrSecretTooShort   = errors.New("shared secret must be at least 32 bytes")
	ErrNoSignature      = errors.New("token has no signature")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrReplay           = errors.New("token already used")
	ErrDeviceMismatch   = errors.New("token issued for a different device")
)

// Token authorises one execution of one approved request on one device.
type Token struct {
	TokenID   string    `json:"token_id"`
	RequestID string    `json:"request_id"`
	DeviceID  string    `json:"device_id"`
	IssuedBy  string    `json:"issued_by"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Nonce     string    `json:"nonce"`
	Signature string    `json:"signature,omitempty"`
}

// Config configures a Manager.
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
	if len(cfg.Secret) < minSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// Manager issues and verifies execution tokens. Used nonces are held in a
// TTL cache sized by the validity window, so replay of an expired token is
// caught by the expiry check instead.
type Manager struct {
	log    *slog.Logger
	id     string
	secret []byte
	clock  clockwork.Clock

	used *ttlcache.Cache[string, struct{}]
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	used := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](2 * DefaultValidity),
	)
	go used.Start()
	return &Manager{
		log:    cfg.Logger.With("controller_id", cfg.ControllerID),
		id:     cfg.ControllerID,
		secret: cfg.Secret,
		clock:  cfg.Clock,
		used:   used,
	}, nil
}

// Close stops the used-nonce janitor.
func (m *Manager) Close() {
	m.used.Stop()
}

// Issue creates a signed token for (request, device) valid for the given
// duration (DefaultValidity when zero).
func (m *Manager) Issue(requestID, deviceID string, validity time.Duration) (*Token, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	idBuf := make([]byte, tokenIDBytes)
	nonceBuf := make([]byte, nonceBytes)
	if _, err := rand.Read(idBuf); err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}
	if _, err := rand.Read(nonceBuf); err != nil {
		return nil, fmt.Errorf("generate token nonce: %w", err)
	}

	now := m.clock.Now().UTC()
	t := &Token{
		TokenID:   hex.EncodeToString(idBuf),
		RequestID: requestID,
		DeviceID:  deviceID,
		IssuedBy:  m.id,
		IssuedAt:  now,
		ExpiresAt: now.Add(validity),
		Nonce:     hex.EncodeToString(nonceBuf),
	}
	sig, err := m.sign(t)
	if err != nil {
		return nil, err
	}
	t.Signature = sig
	m.log.Info("issued execution token",
		"token_id", t.TokenID, "device_id", deviceID, "validity", validity)
	return t, nil
}

// VerifyOption adjusts a single verification.
type VerifyOption func(*verifyOpts)

type verifyOpts struct {
	expectedDevice string
}

// WithExpectedDevice rejects tokens not issued for deviceID.
func WithExpectedDevice(deviceID string) VerifyOption {
	return func(o *verifyOpts) { o.expectedDevice = deviceID }
}

// Verify checks, in order: signature presence, signature validity, expiry,
// replay, and device binding; on success the nonce is consumed so the
// token cannot be verified again.
func (m *Manager) Verify(t *Token, opts ...VerifyOption) error {
	var o verifyOpts
	for _, opt := range opts {
		opt(&o)
	}

	if t.Signature == "" {
		return ErrNoSignature
	}
	want, err := m.sign(t)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(t.Signature), []byte(want)) {
		return ErrInvalidSignature
	}
	now := m.clock.Now().UTC()
	if now.After(t.ExpiresAt) {
		return fmt.Errorf("%w: %s ago", ErrExpired, now.Sub(t.ExpiresAt))
	}
	if m.used.Has(t.Nonce) {
		return ErrReplay
	}
	if o.expectedDevice != "" && t.DeviceID != o.expectedDevice {
		return fmt.Errorf("%w: issued for %s, not %s", ErrDeviceMismatch, t.DeviceID, o.expectedDevice)
	}

	m.used.Set(t.Nonce, struct{}{}, ttlcache.DefaultTTL)
	m.log.Info("verified execution token", "token_id", t.TokenID)
	return nil
}

// Revoke consumes a token's nonce so it can no longer verify.
func (m *Manager) Revoke(t *Token) {
	m.used.Set(t.Nonce, struct{}{}, ttlcache.DefaultTTL)
	m.log.Info("revoked execution token", "token_id", t.TokenID)
}

// sign computes HMAC-SHA256 over the canonical JSON of the token with the
// signature field omitted.
func (m *Manager) sign(t *Token) (string, error) {
	canonical, err := json.Marshal(map[string]any{
		"token_id":   t.TokenID,
		"request_id": t.RequestID,
		"device_id":  t.DeviceID,
		"issued_by":  t.IssuedBy,
		"issued_at":  t.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at": t.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"nonce":      t.Nonce,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize token: %w", err)
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
