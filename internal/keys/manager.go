// Package keys manages shared secrets between controller pairs: storage,
// Diffie-Hellman agreement, and rotation scheduling.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const minKeySize = 32

var (
	ErrKeyTooShort = errors.New("key must be at least 32 bytes")
	ErrKeyNotFound = errors.New("key not found")
)

// Manager holds shared secrets keyed by a deterministic pair id. Values are
// copied on the way in and out so callers cannot mutate stored material.
type Manager struct {
	log *slog.Logger

	mu   sync.RWMutex
	keys map[string][]byte
}

func NewManager(log *slog.Logger) (*Manager, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &Manager{
		log:  log,
		keys: make(map[string][]byte),
	}, nil
}

// Generate creates and stores a fresh random 32-byte key.
func (m *Manager) Generate(keyID string) ([]byte, error) {
	key := make([]byte, minKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := m.Set(keyID, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (m *Manager) Get(keyID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[keyID]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, true
}

func (m *Manager) Set(keyID string, key []byte) error {
	if len(key) < minKeySize {
		return ErrKeyTooShort
	}
	stored := make([]byte, len(key))
	copy(stored, key)
	m.mu.Lock()
	m.keys[keyID] = stored
	m.mu.Unlock()
	m.log.Info("stored key", "key_id", keyID)
	return nil
}

func (m *Manager) Delete(keyID string) {
	m.mu.Lock()
	_, ok := m.keys[keyID]
	delete(m.keys, keyID)
	m.mu.Unlock()
	if ok {
		m.log.Info("deleted key", "key_id", keyID)
	}
}

// List returns all key ids in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.keys))
	for id := range m.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeriveKeyID returns the storage key both ends of a controller pair agree
// on: ids are sorted lexicographically before joining.
func DeriveKeyID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "key_" + a + "_" + b
}
