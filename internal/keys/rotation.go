package keys

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultRotationInterval matches a quarterly rotation policy.
const DefaultRotationInterval = 90 * 24 * time.Hour

var ErrKeyNotRegistered = errors.New("key not registered for rotation")

type keyMeta struct {
	createdAt time.Time
	rotatesAt time.Time
	rotating  bool
}

// RotationScheduler tracks key ages and drives versioned rollover: a new
// key id is written alongside the old, and completion removes the old.
type RotationScheduler struct {
	log      *slog.Logger
	manager  *Manager
	clock    clockwork.Clock
	interval time.Duration

	mu   sync.Mutex
	meta map[string]*keyMeta
}

func NewRotationScheduler(log *slog.Logger, manager *Manager, clock clockwork.Clock, interval time.Duration) (*RotationScheduler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if manager == nil {
		return nil, errors.New("key manager is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	return &RotationScheduler{
		log:      log,
		manager:  manager,
		clock:    clock,
		interval: interval,
		meta:     make(map[string]*keyMeta),
	}, nil
}

// Register starts tracking keyID for rotation.
func (s *RotationScheduler) Register(keyID string) {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	s.meta[keyID] = &keyMeta{createdAt: now, rotatesAt: now.Add(s.interval)}
	s.mu.Unlock()
	s.log.Info("registered key for rotation", "key_id", keyID, "rotates_at", now.Add(s.interval))
}

// Due returns the ids of keys whose rotation time has passed.
func (s *RotationScheduler) Due() []string {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for id, m := range s.meta {
		if !m.rotating && !now.Before(m.rotatesAt) {
			due = append(due, id)
		}
	}
	return due
}

// Initiate generates a successor key under a versioned id and registers it.
// The old key remains stored until Complete.
func (s *RotationScheduler) Initiate(keyID string) (string, error) {
	s.mu.Lock()
	m, ok := s.meta[keyID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotRegistered, keyID)
	}

	newID := nextVersionID(keyID)
	if _, err := s.manager.Generate(newID); err != nil {
		return "", err
	}
	s.mu.Lock()
	m.rotating = true
	s.mu.Unlock()
	s.Register(newID)

	s.log.Info("initiated key rotation", "old_key_id", keyID, "new_key_id", newID)
	return newID, nil
}

// Complete removes the old key and stops tracking it.
func (s *RotationScheduler) Complete(oldKeyID string) {
	s.manager.Delete(oldKeyID)
	s.mu.Lock()
	delete(s.meta, oldKeyID)
	s.mu.Unlock()
	s.log.Info("completed key rotation", "old_key_id", oldKeyID)
}

// nextVersionID appends or increments a _vN suffix.
func nextVersionID(keyID string) string {
	if i := strings.LastIndex(keyID, "_v"); i >= 0 {
		if n, err := strconv.Atoi(keyID[i+2:]); err == nil {
			return keyID[:i+2] + strconv.Itoa(n+1)
		}
	}
	return keyID + "_v2"
}
