// Package envelope defines the message envelope shared by every
// inter-controller transport (in-process bus, HTTP, MQTT).
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the envelope types controllers exchange.
type MessageType string

const (
	// Controller admission.
	TypeValidationRequest MessageType = "VALIDATION_REQUEST"
	TypeChallenge         MessageType = "CHALLENGE"
	TypeChallengeResponse MessageType = "CHALLENGE_RESPONSE"
	TypeValidationResult  MessageType = "VALIDATION_RESULT"

	// Discovery.
	TypeDiscoveryRequest MessageType = "DISCOVERY_REQUEST"
	TypeDiscoveryReport  MessageType = "DISCOVERY_REPORT"
	TypeDiscoverySummary MessageType = "DISCOVERY_SUMMARY"

	// Config approval.
	TypeConfigProposal  MessageType = "CONFIG_PROPOSAL"
	TypeConfigApproval  MessageType = "CONFIG_APPROVAL"
	TypeConfigRejection MessageType = "CONFIG_REJECTION"

	// Policy distribution.
	TypePolicyUpdate MessageType = "POLICY_UPDATE"
	TypePolicyAck    MessageType = "POLICY_ACK"

	// Sync and liveness.
	TypeHeartbeat    MessageType = "HEARTBEAT"
	TypeSyncRequest  MessageType = "SYNC_REQUEST"
	TypeSyncResponse MessageType = "SYNC_RESPONSE"
)

var knownTypes = map[MessageType]struct{}{
	TypeValidationRequest: {}, TypeChallenge: {}, TypeChallengeResponse: {},
	TypeValidationResult: {}, TypeDiscoveryRequest: {}, TypeDiscoveryReport: {},
	TypeDiscoverySummary: {}, TypeConfigProposal: {}, TypeConfigApproval: {},
	TypeConfigRejection: {}, TypePolicyUpdate: {}, TypePolicyAck: {},
	TypeHeartbeat: {}, TypeSyncRequest: {}, TypeSyncResponse: {},
}

// Valid reports whether t is one of the enumerated message types.
func (t MessageType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Broadcast is the recipient id used for fan-out messages.
const Broadcast = "broadcast"

var ErrUnknownType = errors.New("unknown message type")

// Envelope is the wire representation of a controller message. The four
// signature fields are empty until an authenticator signs the envelope.
type Envelope struct {
	MessageID     string         `json:"message_id"`
	MessageType   MessageType    `json:"message_type"`
	SenderID      string         `json:"sender_id"`
	RecipientID   string         `json:"recipient_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`

	Nonce              string `json:"nonce,omitempty"`
	SignedAt           string `json:"signed_at,omitempty"`
	Signature          string `json:"signature,omitempty"`
	SignatureAlgorithm string `json:"signature_algorithm,omitempty"`
}

// New builds an unsigned envelope stamped now.
func New(msgType MessageType, sender, recipient string, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		MessageID:   "msg-" + uuid.NewString(),
		MessageType: msgType,
		SenderID:    sender,
		RecipientID: recipient,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// Reply builds an unsigned response envelope correlated to e.
func (e *Envelope) Reply(msgType MessageType, payload map[string]any) *Envelope {
	r := New(msgType, e.RecipientID, e.SenderID, payload)
	r.CorrelationID = e.MessageID
	return r
}

// CanonicalBytes returns the deterministic serialisation signatures are
// computed over: compact JSON with sorted keys, signature fields excluded.
// Nonce and signed_at are included once populated so that the signature
// covers them.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	m := map[string]any{
		"message_id":   e.MessageID,
		"message_type": string(e.MessageType),
		"sender_id":    e.SenderID,
		"recipient_id": e.RecipientID,
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":      e.Payload,
	}
	if e.CorrelationID != "" {
		m["correlation_id"] = e.CorrelationID
	}
	if e.Nonce != "" {
		m["nonce"] = e.Nonce
	}
	if e.SignedAt != "" {
		m["signed_at"] = e.SignedAt
	}
	// encoding/json sorts map keys at every nesting level.
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	return b, nil
}

// Marshal serialises the envelope for transport.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an envelope and rejects unknown message types.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !e.MessageType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.MessageType)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return &e, nil
}

// String returns a short log-friendly description.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s %s->%s (%s)", e.MessageType, e.SenderID, e.RecipientID, e.MessageID)
}
