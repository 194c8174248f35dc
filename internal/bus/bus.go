// Package bus is the in-process unicast request/response bus. Handlers are
// registered per (recipient, message type); delivery is synchronous and
// at-most-once in the caller's goroutine.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pdsno/pdsno/internal/envelope"
)

var (
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrNoHandler        = errors.New("no handler for message type")
)

// Handler processes an inbound envelope and optionally returns a response.
type Handler func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// Option configures a Bus.
type Option func(*Bus)

// WithSigner installs a hook applied to every envelope before dispatch and
// to every response before it is returned to the sender.
func WithSigner(sign func(*envelope.Envelope) error) Option {
	return func(b *Bus) { b.sign = sign }
}

// WithVerifier installs a hook applied to every envelope on receipt, before
// the handler runs.
func WithVerifier(verify func(*envelope.Envelope) error) Option {
	return func(b *Bus) { b.verify = verify }
}

// Bus routes envelopes between registered controllers in the same process.
// The same envelope format travels over HTTP or a broker unchanged; only
// where the sign/verify hooks run moves.
type Bus struct {
	log    *slog.Logger
	sign   func(*envelope.Envelope) error
	verify func(*envelope.Envelope) error

	mu       sync.RWMutex
	handlers map[string]map[envelope.MessageType]Handler
}

func New(log *slog.Logger, opts ...Option) (*Bus, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	b := &Bus{
		log:      log,
		handlers: make(map[string]map[envelope.MessageType]Handler),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Register installs handlers for a controller id. A duplicate id is logged
// and replaced (last writer wins); unregister first for a clean handover,
// e.g. when a temporary id is promoted to a permanent one.
func (b *Bus) Register(id string, table map[envelope.MessageType]Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[id]; ok {
		b.log.Warn("re-registering controller on bus, replacing handlers", "controller_id", id)
	}
	copied := make(map[envelope.MessageType]Handler, len(table))
	for t, h := range table {
		copied[t] = h
	}
	b.handlers[id] = copied
}

// RegisterHandler adds or replaces a single handler for an id.
func (b *Bus) RegisterHandler(id string, msgType envelope.MessageType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	table, ok := b.handlers[id]
	if !ok {
		table = make(map[envelope.MessageType]Handler)
		b.handlers[id] = table
	}
	table[msgType] = h
}

// Unregister removes a controller id from the bus.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Send builds, signs, routes, and dispatches an envelope, returning the
// handler's signed response (nil when the handler produced none). Handler
// errors propagate to the sender.
func (b *Bus) Send(ctx context.Context, sender, recipient string, msgType envelope.MessageType, payload map[string]any, correlationID string) (*envelope.Envelope, error) {
	env := envelope.New(msgType, sender, recipient, payload)
	env.CorrelationID = correlationID
	return b.Dispatch(ctx, env)
}

// Dispatch routes an already-built envelope.
func (b *Bus) Dispatch(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if b.sign != nil && env.Signature == "" {
		if err := b.sign(env); err != nil {
			return nil, fmt.Errorf("sign envelope: %w", err)
		}
	}

	b.mu.RLock()
	table, ok := b.handlers[env.RecipientID]
	var h Handler
	if ok {
		h = table[env.MessageType]
	}
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, env.RecipientID)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s for %s", ErrNoHandler, env.MessageType, env.RecipientID)
	}

	if b.verify != nil {
		if err := b.verify(env); err != nil {
			return nil, fmt.Errorf("verify envelope: %w", err)
		}
	}

	resp, err := h(ctx, env)
	if err != nil {
		return nil, err
	}
	if resp != nil && b.sign != nil && resp.Signature == "" {
		if err := b.sign(resp); err != nil {
			return nil, fmt.Errorf("sign response: %w", err)
		}
	}
	return resp, nil
}
