// Package configstate enforces the configuration lifecycle transition
// graph and records transition history.
package configstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pdsno/pdsno/internal/nib"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions is the complete lifecycle graph. CANCELLED is terminal.
var validTransitions = map[nib.ConfigState][]nib.ConfigState{
	nib.ConfigDraft:           {nib.ConfigPendingApproval, nib.ConfigCancelled},
	nib.ConfigPendingApproval: {nib.ConfigApproved, nib.ConfigCancelled, nib.ConfigDraft},
	nib.ConfigApproved:        {nib.ConfigExecuting, nib.ConfigCancelled},
	nib.ConfigExecuting:       {nib.ConfigExecuted, nib.ConfigFailed},
	nib.ConfigExecuted:        {nib.ConfigRolledBack},
	nib.ConfigFailed:          {nib.ConfigRolledBack, nib.ConfigDraft},
	nib.ConfigRolledBack:      {nib.ConfigDraft},
	nib.ConfigCancelled:       {},
}

// CanTransition reports whether from -> to is on the lifecycle graph.
func CanTransition(from, to nib.ConfigState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidNext returns the states reachable from s.
func ValidNext(s nib.ConfigState) []nib.ConfigState {
	out := make([]nib.ConfigState, len(validTransitions[s]))
	copy(out, validTransitions[s])
	return out
}

// Transition is one recorded state change.
type Transition struct {
	From        nib.ConfigState `json:"from_state"`
	To          nib.ConfigState `json:"to_state"`
	Timestamp   time.Time       `json:"timestamp"`
	TriggeredBy string          `json:"triggered_by"`
	Reason      string          `json:"reason,omitempty"`
}

// Machine serialises the transitions of a single configuration record; all
// state changes for one config go through one Machine.
type Machine struct {
	configID string
	clock    clockwork.Clock

	mu          sync.Mutex
	state       nib.ConfigState
	enteredAt   time.Time
	transitions []Transition
}

func NewMachine(configID string, clock clockwork.Clock) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Machine{
		configID:  configID,
		clock:     clock,
		state:     nib.ConfigDraft,
		enteredAt: clock.Now().UTC(),
	}
}

// Restore rebuilds a machine at a known state (e.g. loaded from the NIB).
func Restore(configID string, state nib.ConfigState, clock clockwork.Clock) *Machine {
	m := NewMachine(configID, clock)
	m.state = state
	return m
}

// State returns the current state.
func (m *Machine) State() nib.ConfigState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the target state or fails with ErrInvalidTransition,
// leaving the current state unchanged.
func (m *Machine) Transition(to nib.ConfigState, triggeredBy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s (config %s)", ErrInvalidTransition, m.state, to, m.configID)
	}
	now := m.clock.Now().UTC()
	m.transitions = append(m.transitions, Transition{
		From:        m.state,
		To:          to,
		Timestamp:   now,
		TriggeredBy: triggeredBy,
		Reason:      reason,
	})
	m.state = to
	m.enteredAt = now
	return nil
}

// History returns a copy of the recorded transitions.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// TimeInState returns how long the machine has been in the current state.
func (m *Machine) TimeInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().UTC().Sub(m.enteredAt)
}
