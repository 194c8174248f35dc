package keys

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrNoActiveExchange = errors.New("no active key exchange with peer")

// ExchangePayload is the body of KEY_EXCHANGE init and response messages.
type ExchangePayload struct {
	InitiatorID string `json:"initiator_id"`
	ResponderID string `json:"responder_id"`
	PublicKey   string `json:"public_key"`
	Timestamp   string `json:"timestamp"`
}

// Protocol runs the three-message DH agreement and stores derived secrets
// in the Manager under the deterministic pair key id.
type Protocol struct {
	log     *slog.Logger
	id      string
	manager *Manager
	clock   clockwork.Clock

	mu      sync.Mutex
	pending map[string]*Exchange
}

func NewProtocol(log *slog.Logger, controllerID string, manager *Manager, clock clockwork.Clock) (*Protocol, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if controllerID == "" {
		return nil, errors.New("controller id is required")
	}
	if manager == nil {
		return nil, errors.New("key manager is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Protocol{
		log:     log.With("controller_id", controllerID),
		id:      controllerID,
		manager: manager,
		clock:   clock,
		pending: make(map[string]*Exchange),
	}, nil
}

// Initiate starts an exchange with peer and returns the init payload.
func (p *Protocol) Initiate(peerID string) (*ExchangePayload, error) {
	ex, err := NewExchange()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.pending[peerID] = ex
	p.mu.Unlock()

	p.log.Info("initiated key exchange", "peer_id", peerID)
	return &ExchangePayload{
		InitiatorID: p.id,
		ResponderID: peerID,
		PublicKey:   ex.PublicKeyHex(),
		Timestamp:   p.clock.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Respond derives and stores the shared secret from an init payload and
// returns the response carrying this side's public key.
func (p *Protocol) Respond(init *ExchangePayload) (*ExchangePayload, error) {
	ex, err := NewExchange()
	if err != nil {
		return nil, err
	}
	secret, err := ex.SharedSecret(init.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("respond to key exchange from %s: %w", init.InitiatorID, err)
	}
	keyID := DeriveKeyID(p.id, init.InitiatorID)
	if err := p.manager.Set(keyID, secret); err != nil {
		return nil, err
	}
	p.log.Info("derived shared secret", "peer_id", init.InitiatorID, "key_id", keyID)

	return &ExchangePayload{
		InitiatorID: init.InitiatorID,
		ResponderID: p.id,
		PublicKey:   ex.PublicKeyHex(),
		Timestamp:   p.clock.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Finalize completes the initiator side from the responder's payload.
func (p *Protocol) Finalize(peerID string, resp *ExchangePayload) error {
	p.mu.Lock()
	ex, ok := p.pending[peerID]
	if ok {
		delete(p.pending, peerID)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveExchange, peerID)
	}

	secret, err := ex.SharedSecret(resp.PublicKey)
	if err != nil {
		return fmt.Errorf("finalize key exchange with %s: %w", peerID, err)
	}
	keyID := DeriveKeyID(p.id, peerID)
	if err := p.manager.Set(keyID, secret); err != nil {
		return err
	}
	p.log.Info("finalized key exchange", "peer_id", peerID, "key_id", keyID)
	return nil
}
