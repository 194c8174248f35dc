package admission

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Certificate binds an assigned identity to its public key, signed by the
// validator's Ed25519 identity key.
type Certificate struct {
	AssignedID string `json:"assigned_id"`
	Role       string `json:"role"`
	Region     string `json:"region"`
	PublicKey  string `json:"public_key"`
	IssuerID   string `json:"issuer_id"`
	IssuedAt   string `json:"issued_at"`
	Signature  string `json:"signature,omitempty"`
}

// Delegation authorises a regional controller to admit local controllers
// within its region.
type Delegation struct {
	Scope            string   `json:"scope"`
	Region           string   `json:"region"`
	PermittedActions []string `json:"permitted_actions"`
	IssuerID         string   `json:"issuer_id"`
	Signature        string   `json:"signature,omitempty"`
}

// ScopeValidateLocal is the action a delegation must carry for a regional
// to run local admissions.
const ScopeValidateLocal = "validate_local"

func signCanonical(key ed25519.PrivateKey, v any) (string, error) {
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize for signing: %w", err)
	}
	return hex.EncodeToString(ed25519.Sign(key, canonical)), nil
}

func verifyCanonical(pub ed25519.PublicKey, v any, sigHex string) bool {
	canonical, err := json.Marshal(v)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, canonical, sig)
}

// SignCertificate populates cert.Signature over the canonical form with the
// signature field cleared.
func SignCertificate(key ed25519.PrivateKey, cert *Certificate) error {
	unsigned := *cert
	unsigned.Signature = ""
	sig, err := signCanonical(key, unsigned)
	if err != nil {
		return err
	}
	cert.Signature = sig
	return nil
}

// VerifyCertificate checks cert.Signature against the issuer public key.
func VerifyCertificate(issuerPub ed25519.PublicKey, cert *Certificate) bool {
	unsigned := *cert
	unsigned.Signature = ""
	return verifyCanonical(issuerPub, unsigned, cert.Signature)
}

// SignDelegation populates d.Signature.
func SignDelegation(key ed25519.PrivateKey, d *Delegation) error {
	unsigned := *d
	unsigned.Signature = ""
	sig, err := signCanonical(key, unsigned)
	if err != nil {
		return err
	}
	d.Signature = sig
	return nil
}

// VerifyDelegation checks the delegation's issuer signature, its scope, and
// that it covers region.
func VerifyDelegation(issuerPub ed25519.PublicKey, d *Delegation, region string) bool {
	if d == nil || d.Region != region {
		return false
	}
	permitted := false
	for _, a := range d.PermittedActions {
		if a == ScopeValidateLocal {
			permitted = true
			break
		}
	}
	if !permitted {
		return false
	}
	unsigned := *d
	unsigned.Signature = ""
	return verifyCanonical(issuerPub, unsigned, d.Signature)
}

// NewDelegation builds a credential scoping validate_local to region.
func NewDelegation(issuerID string, key ed25519.PrivateKey, region string) (*Delegation, error) {
	d := &Delegation{
		Scope:            ScopeValidateLocal,
		Region:           region,
		PermittedActions: []string{ScopeValidateLocal},
		IssuerID:         issuerID,
	}
	if err := SignDelegation(key, d); err != nil {
		return nil, err
	}
	return d, nil
}

func nowISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
