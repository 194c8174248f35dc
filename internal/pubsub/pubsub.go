// Package pubsub provides wildcard-aware topic dispatch, both in-process
// and bridged onto an MQTT broker.
package pubsub

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pdsno/pdsno/internal/envelope"
)

// Handler consumes a published envelope. Delivery is at-least-once when a
// broker is involved, so handlers must be idempotent by message id.
type Handler func(topic string, env *envelope.Envelope)

var ErrBadPattern = errors.New("invalid topic pattern")

// Match reports whether topic matches pattern. `+` matches exactly one
// segment; `#` matches zero or more trailing segments and must be last.
func Match(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range pp {
		if seg == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrBadPattern)
	}
	segs := strings.Split(pattern, "/")
	for i, seg := range segs {
		if seg == "#" && i != len(segs)-1 {
			return fmt.Errorf("%w: %q (# must be the final segment)", ErrBadPattern, pattern)
		}
	}
	return nil
}

type subscription struct {
	pattern string
	handler Handler
}

// Bus is the in-process pub/sub dispatcher. Exact-topic subscriptions are
// looked up first; wildcard patterns are a linear scan in subscription
// order and the first match wins.
type Bus struct {
	log *slog.Logger

	mu       sync.RWMutex
	exact    map[string]Handler
	patterns []subscription
}

func New(log *slog.Logger) (*Bus, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &Bus{
		log:   log,
		exact: make(map[string]Handler),
	}, nil
}

// Subscribe registers handler under pattern.
func (b *Bus) Subscribe(pattern string, handler Handler) error {
	if err := validatePattern(pattern); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !strings.ContainsAny(pattern, "+#") {
		b.exact[pattern] = handler
		return nil
	}
	for i, sub := range b.patterns {
		if sub.pattern == pattern {
			b.patterns[i].handler = handler
			return nil
		}
	}
	b.patterns = append(b.patterns, subscription{pattern: pattern, handler: handler})
	return nil
}

// Unsubscribe removes a pattern.
func (b *Bus) Unsubscribe(pattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exact, pattern)
	for i, sub := range b.patterns {
		if sub.pattern == pattern {
			b.patterns = append(b.patterns[:i], b.patterns[i+1:]...)
			return
		}
	}
}

// Publish delivers env to the first matching subscription, if any. Handler
// panics are contained and logged so one bad handler cannot take down the
// dispatcher.
func (b *Bus) Publish(topic string, env *envelope.Envelope) bool {
	b.mu.RLock()
	h, ok := b.exact[topic]
	if !ok {
		for _, sub := range b.patterns {
			if Match(sub.pattern, topic) {
				h, ok = sub.handler, true
				break
			}
		}
	}
	b.mu.RUnlock()

	if !ok {
		return false
	}
	b.invoke(topic, h, env)
	return true
}

func (b *Bus) invoke(topic string, h Handler, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("pubsub handler panicked", "topic", topic, "panic", r)
		}
	}()
	h(topic, env)
}
