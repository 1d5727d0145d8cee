package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/towtrack/internal/bus"
)

// Kind is a chat connection state.
type Kind string

const (
	Disconnected Kind = "DISCONNECTED"
	Connecting   Kind = "CONNECTING"
	Connected    Kind = "CONNECTED"
	Errored      Kind = "ERRORED"
)

// ConnectionState is the process-wide duplex channel state. Reason is set
// only for Errored.
type ConnectionState struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func (s ConnectionState) String() string {
	if s.Reason != "" {
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	}
	return string(s.Kind)
}

// validTransitions defines allowed state transitions.
var validTransitions = map[Kind][]Kind{
	Disconnected: {Connecting},
	Connecting:   {Connected, Errored, Disconnected},
	Connected:    {Errored, Disconnected},
	Errored:      {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions. It has exactly
// one writer (the chat session); any number of readers observe it.
type Machine struct {
	mu      sync.Mutex
	current ConnectionState
	latest  *bus.Latest[ConnectionState]
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	initial := ConnectionState{Kind: Disconnected}
	return &Machine{
		current: initial,
		latest:  bus.NewLatest(initial),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to Kind) error {
	return m.transition(ConnectionState{Kind: to})
}

// Fail moves to Errored with the given reason.
func (m *Machine) Fail(reason string) error {
	return m.transition(ConnectionState{Kind: Errored, Reason: reason})
}

func (m *Machine) transition(to ConnectionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current.Kind]
	if !slices.Contains(allowed, to.Kind) {
		return fmt.Errorf("invalid transition from %s to %s", m.current.Kind, to.Kind)
	}
	from := m.current
	m.current = to
	m.latest.Set(to)
	m.bus.Emit(bus.KindChatConnection, Change{From: from, To: to})
	return nil
}

// Observe streams the current state and every later change.
func (m *Machine) Observe() (<-chan ConnectionState, func()) {
	return m.latest.Subscribe()
}

// Close releases every observer.
func (m *Machine) Close() {
	m.latest.Close()
}

// Change is the payload for connection change events.
type Change struct {
	From ConnectionState
	To   ConnectionState
}
