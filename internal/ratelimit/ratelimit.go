// Package ratelimit provides per-client token-bucket throttling and an
// authentication limiter with strike-based lockout.
package ratelimit

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrLockedOut   = errors.New("locked out")
)

// bucket is a continuously-refilled token bucket.
type bucket struct {
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) consume(now time.Time, n float64) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastRefill = now
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Limiter tracks one bucket per client id.
type Limiter struct {
	log      *slog.Logger
	clock    clockwork.Clock
	rate     float64
	capacity float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter builds a limiter allowing requestsPerMinute sustained with
// bursts up to burst.
func NewLimiter(log *slog.Logger, clock clockwork.Clock, requestsPerMinute, burst int) (*Limiter, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &Limiter{
		log:      log,
		clock:    clock,
		rate:     float64(requestsPerMinute) / 60.0,
		capacity: float64(burst),
		buckets:  make(map[string]*bucket),
	}, nil
}

// Allow consumes one token for clientID, returning ErrRateLimited when the
// bucket is empty.
func (l *Limiter) Allow(clientID string) error {
	return l.AllowN(clientID, 1)
}

// AllowN consumes n tokens.
func (l *Limiter) AllowN(clientID string, n int) error {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{rate: l.rate, capacity: l.capacity, tokens: l.capacity, lastRefill: now}
		l.buckets[clientID] = b
	}
	if !b.consume(now, float64(n)) {
		l.log.Warn("rate limit exceeded", "client_id", clientID)
		return ErrRateLimited
	}
	return nil
}

// Tokens reports the current token count for a client (for tests and
// introspection).
func (l *Limiter) Tokens(clientID string) float64 {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[clientID]
	if !ok {
		return l.capacity
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	return min(b.capacity, b.tokens+elapsed*b.rate)
}

// AuthLimiter layers lockout over a Limiter: after MaxStrikes consecutive
// denials a client is locked out for the lockout duration, checked before
// the bucket.
type AuthLimiter struct {
	log        *slog.Logger
	clock      clockwork.Clock
	limiter    *Limiter
	maxStrikes int
	lockout    time.Duration

	mu      sync.Mutex
	strikes map[string]int
	locked  map[string]time.Time
}

// NewAuthLimiter builds an authentication limiter. maxStrikes defaults to
// 5 and lockout to 15 minutes.
func NewAuthLimiter(log *slog.Logger, clock clockwork.Clock, requestsPerMinute, burst, maxStrikes int, lockout time.Duration) (*AuthLimiter, error) {
	inner, err := NewLimiter(log, clock, requestsPerMinute, burst)
	if err != nil {
		return nil, err
	}
	if maxStrikes <= 0 {
		maxStrikes = 5
	}
	if lockout <= 0 {
		lockout = 15 * time.Minute
	}
	return &AuthLimiter{
		log:        log,
		clock:      inner.clock,
		limiter:    inner,
		maxStrikes: maxStrikes,
		lockout:    lockout,
		strikes:    make(map[string]int),
		locked:     make(map[string]time.Time),
	}, nil
}

// Allow checks lockout first, then the token bucket.
func (a *AuthLimiter) Allow(clientID string) error {
	now := a.clock.Now()
	a.mu.Lock()
	until, isLocked := a.locked[clientID]
	if isLocked {
		if now.Before(until) {
			a.mu.Unlock()
			return ErrLockedOut
		}
		delete(a.locked, clientID)
		a.strikes[clientID] = 0
	}
	a.mu.Unlock()
	return a.limiter.Allow(clientID)
}

// RecordFailure registers a failed authentication; MaxStrikes consecutive
// failures lock the client out.
func (a *AuthLimiter) RecordFailure(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strikes[clientID]++
	if a.strikes[clientID] >= a.maxStrikes {
		a.locked[clientID] = a.clock.Now().Add(a.lockout)
		a.log.Warn("client locked out",
			"client_id", clientID, "strikes", a.strikes[clientID], "lockout", a.lockout)
	}
}

// RecordSuccess clears the strike counter.
func (a *AuthLimiter) RecordSuccess(clientID string) {
	a.mu.Lock()
	a.strikes[clientID] = 0
	a.mu.Unlock()
}
