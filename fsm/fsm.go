// Package fsm implements the named-state, named-transition state machine
// that is the source of truth for session, stream, and handshake
// lifecycles: an explicit transition table with guards, actions, and hooks
// shared by every component that tracks a lifecycle.
package fsm

import (
	"sync"

	"github.com/obinexus/libpolycall/polyerr"
)

// State is an opaque named state.
type State string

// Event is an opaque named transition trigger.
type Event string

// Guard vetoes a transition; returning an error aborts the transition and
// Fire reports an InvalidState error ("transition guarded") wrapping it.
type Guard func() error

// Action runs after a transition is committed, before hooks fire.
type Action func(from, to State)

// Hook observes a committed transition (for audit logging, metrics, etc).
type Hook func(from State, to State, event Event)

// transition is one row of the explicit (from, to, guard, action) table,
// keyed by (from, event) for O(1) lookup.
type transition struct {
	to     State
	guard  Guard
	action Action
}

// Machine is a named-state, named-transition FSM. The zero value is not
// usable; construct with New.
type Machine struct {
	mu sync.Mutex

	current  State
	table    map[State]map[Event]transition
	hooks    []Hook
	terminal map[State]bool
	// recoveryEnabled allows an error -> ready transition in addition to
	// the always-present error -> closed exit.
	recoveryEnabled bool
	readyState      State
}

// Option configures a Machine at construction time.
type Option func(*Machine)

// WithRecovery enables the error -> ready recovery transition; readyState
// names the state recovery lands in.
func WithRecovery(readyState State) Option {
	return func(m *Machine) {
		m.recoveryEnabled = true
		m.readyState = readyState
	}
}

// New builds a Machine starting in initial, with closedState and errorState
// marked terminal. From the error state only close (and recovery, when
// enabled) is legal; from closed nothing is.
func New(initial, closedState, errorState State, opts ...Option) *Machine {
	m := &Machine{
		current: initial,
		table:   make(map[State]map[Event]transition),
		terminal: map[State]bool{
			closedState: true,
			errorState:  true,
		},
	}
	for _, o := range opts {
		o(m)
	}
	if m.recoveryEnabled {
		m.AddTransition(errorState, Event("recover"), m.readyState, nil, nil)
	}
	m.AddTransition(errorState, Event("close"), closedState, nil, nil)
	return m
}

// AddTransition registers a (from, event) -> to row with an optional guard
// and action.
func (m *Machine) AddTransition(from State, event Event, to State, guard Guard, action Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table[from] == nil {
		m.table[from] = make(map[Event]transition)
	}
	m.table[from][event] = transition{to: to, guard: guard, action: action}
}

// AddHook registers a hook invoked after every committed transition, in
// registration order.
func (m *Machine) AddHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Fire attempts the transition registered for (current, event). A pair with
// no registered transition is refused with a protocol-violation error and
// the state does not change.
func (m *Machine) Fire(event Event) error {
	m.mu.Lock()

	from := m.current
	row, ok := m.table[from]
	if !ok {
		m.mu.Unlock()
		return polyerr.New(polyerr.CodeProtocolViolation, "no transitions defined from state "+string(from))
	}
	t, ok := row[event]
	if !ok {
		m.mu.Unlock()
		return polyerr.New(polyerr.CodeProtocolViolation, "illegal transition "+string(event)+" from state "+string(from))
	}

	if t.guard != nil {
		if err := t.guard(); err != nil {
			m.mu.Unlock()
			return polyerr.Wrap(polyerr.CodeInvalidState, err, "transition guarded")
		}
	}

	to := t.to
	m.current = to
	action := t.action
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	if action != nil {
		action(from, to)
	}
	for _, h := range hooks {
		h(from, to, event)
	}
	return nil
}

// IsTerminal reports whether state is a terminal state (closed or error).
func (m *Machine) IsTerminal(s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal[s]
}

// Force sets the current state directly, bypassing the transition table.
// Used only for fault injection (e.g. collapsing to the error state from
// outside the table on an unrecoverable I/O fault); hooks still fire.
func (m *Machine) Force(to State, event Event) {
	m.mu.Lock()
	from := m.current
	m.current = to
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	for _, h := range hooks {
		h(from, to, event)
	}
}
