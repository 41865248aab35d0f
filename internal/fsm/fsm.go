// Package fsm is a small, strict finite state machine. Unknown transitions
// are errors rather than no-ops, so every state change the export core makes
// has to be declared up front.
package fsm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is wrapped by Fire when no edge matches.
var ErrInvalidTransition = errors.New("invalid transition")

// Transition describes a single edge. Guard may reject the transition.
type Transition[S ~string, E ~string] struct {
	From  S
	Event E
	To    S
	Guard func(from S, event E) error
}

// Machine applies declared transitions to a single current state.
type Machine[S ~string, E ~string] struct {
	mu      sync.Mutex
	state   S
	initial S
	index   map[string]Transition[S, E]
	observe func(from, to S, event E)
}

// New builds a machine starting at initial. Duplicate edges are rejected.
func New[S ~string, E ~string](initial S, transitions []Transition[S, E]) (*Machine[S, E], error) {
	idx := make(map[string]Transition[S, E], len(transitions))
	for _, t := range transitions {
		k := key(t.From, t.Event)
		if _, exists := idx[k]; exists {
			return nil, fmt.Errorf("duplicate transition: %s -> %s", t.From, t.Event)
		}
		idx[k] = t
	}
	return &Machine[S, E]{state: initial, initial: initial, index: idx}, nil
}

// OnTransition registers fn to be called after every successful transition.
func (m *Machine[S, E]) OnTransition(fn func(from, to S, event E)) {
	m.mu.Lock()
	m.observe = fn
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether event has an edge out of the current state.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[key(m.state, event)]
	return ok
}

// Fire applies event and returns the resulting state.
func (m *Machine[S, E]) Fire(event E) (S, error) {
	m.mu.Lock()
	from := m.state
	t, ok := m.index[key(from, event)]
	if !ok {
		m.mu.Unlock()
		return from, fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, from, event)
	}
	m.mu.Unlock()

	if t.Guard != nil {
		if err := t.Guard(from, event); err != nil {
			return from, err
		}
	}

	m.mu.Lock()
	if m.state != from {
		cur := m.state
		m.mu.Unlock()
		return cur, fmt.Errorf("concurrent transition detected: from=%s cur=%s event=%s", from, cur, event)
	}
	m.state = t.To
	observe := m.observe
	m.mu.Unlock()

	if observe != nil {
		observe(from, t.To, event)
	}
	return t.To, nil
}

// Reset returns the machine to its initial state without firing observers.
func (m *Machine[S, E]) Reset() {
	m.mu.Lock()
	m.state = m.initial
	m.mu.Unlock()
}

func key[S ~string, E ~string](from S, event E) string {
	return string(from) + "|" + string(event)
}
