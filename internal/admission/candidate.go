package admission

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pdsno/pdsno/internal/envelope"
)

// Candidate is the controller side of the admission protocol: it holds the
// ephemeral temporary id and the Ed25519 keypair whose public half is
// registered during validation.
type Candidate struct {
	log    *slog.Logger
	tempID string
	region string
	ctype  string

	private ed25519.PrivateKey
	public  ed25519.PublicKey

	// Populated after a successful admission.
	AssignedID  string
	Certificate *Certificate
	Delegation  *Delegation
}

func NewCandidate(log *slog.Logger, tempID, region, controllerType string) (*Candidate, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate candidate keypair: %w", err)
	}
	return &Candidate{
		log:     log.With("temp_id", tempID),
		tempID:  tempID,
		region:  region,
		ctype:   controllerType,
		private: priv,
		public:  pub,
	}, nil
}

// PublicKeyHex returns the registration public key.
func (c *Candidate) PublicKeyHex() string {
	return hex.EncodeToString(c.public)
}

// BuildValidationRequest constructs the opening VALIDATION_REQUEST using a
// bootstrap token derived from the shared bootstrap secret.
func (c *Candidate) BuildValidationRequest(validatorID string, bootstrapSecret []byte, metadata map[string]any) *envelope.Envelope {
	token := ComputeBootstrapToken(bootstrapSecret, c.tempID, c.region, c.ctype)
	payload := map[string]any{
		"temp_id":         c.tempID,
		"controller_type": c.ctype,
		"region":          c.region,
		"public_key":      c.PublicKeyHex(),
		"bootstrap_token": token,
	}
	if metadata != nil {
		payload["metadata"] = metadata
	}
	return envelope.New(envelope.TypeValidationRequest, c.tempID, validatorID, payload)
}

// BuildChallengeResponse signs the challenge nonce and constructs the
// CHALLENGE_RESPONSE envelope.
func (c *Candidate) BuildChallengeResponse(challenge *envelope.Envelope) (*envelope.Envelope, error) {
	challengeID, _ := challenge.Payload["challenge_id"].(string)
	nonceHex, _ := challenge.Payload["nonce"].(string)
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	sig := ed25519.Sign(c.private, nonce)
	resp := envelope.New(envelope.TypeChallengeResponse, c.tempID, challenge.SenderID, map[string]any{
		"challenge_id": challengeID,
		"temp_id":      c.tempID,
		"signed_nonce": hex.EncodeToString(sig),
	})
	resp.CorrelationID = challenge.MessageID
	return resp, nil
}

// ConsumeResult applies an APPROVED validation result to the candidate,
// recording the assigned identity and credentials. It returns the status
// and, for rejections, the reason.
func (c *Candidate) ConsumeResult(result *envelope.Envelope) (status, reason string, err error) {
	status, _ = result.Payload["status"].(string)
	if status != StatusApproved {
		reason, _ = result.Payload["reason"].(string)
		c.log.Warn("admission not approved", "status", status, "reason", reason)
		return status, reason, nil
	}
	assignedID, _ := result.Payload["assigned_id"].(string)
	if assignedID == "" {
		return status, "", errors.New("approved result missing assigned_id")
	}
	c.AssignedID = assignedID
	if cert, ok := result.Payload["certificate"].(*Certificate); ok {
		c.Certificate = cert
	}
	if d, ok := result.Payload["delegation_credential"].(*Delegation); ok {
		c.Delegation = d
	}
	c.log.Info("admission approved", "assigned_id", assignedID)
	return status, "", nil
}
