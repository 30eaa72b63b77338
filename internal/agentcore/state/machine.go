package state

import (
	"errors"
	"fmt"
	"sync"
)

type ConnState string

const (
	ConnStateConnecting   ConnState = "connecting"
	ConnStateInitializing ConnState = "initializing"
	ConnStateReady        ConnState = "ready"
	ConnStateDegraded     ConnState = "degraded"
	ConnStateTerminated   ConnState = "terminated"
)

// TransitionFunc observes a completed transition. It runs after the machine's
// lock is released.
type TransitionFunc func(from, to ConnState)

// Machine tracks the lifecycle of one server connection. It is safe for
// concurrent use.
type Machine struct {
	mu       sync.Mutex
	state    ConnState
	observer TransitionFunc
}

var allowedTransitions = map[ConnState]map[ConnState]struct{}{
	ConnStateConnecting: {
		ConnStateInitializing: {},
		ConnStateDegraded:     {},
		ConnStateTerminated:   {},
	},
	ConnStateInitializing: {
		ConnStateReady:      {},
		ConnStateDegraded:   {},
		ConnStateTerminated: {},
	},
	ConnStateReady: {
		ConnStateDegraded:   {},
		ConnStateTerminated: {},
	},
	ConnStateDegraded: {
		ConnStateConnecting: {},
		ConnStateTerminated: {},
	},
	ConnStateTerminated: {},
}

func NewMachine(initial ConnState) (*Machine, error) {
	if !IsKnown(initial) {
		return nil, fmt.Errorf("invalid initial connection state %q", initial)
	}
	return &Machine{state: initial}, nil
}

// OnTransition registers the observer. Only one observer is kept.
func (m *Machine) OnTransition(fn TransitionFunc) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

func (m *Machine) State() ConnState {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Transition(next ConnState) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if !IsKnown(next) {
		return fmt.Errorf("unknown target connection state %q", next)
	}
	m.mu.Lock()
	prev := m.state
	if _, ok := allowedTransitions[prev][next]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("connection state transition %q -> %q is not allowed", prev, next)
	}
	m.state = next
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(prev, next)
	}
	return nil
}

// Terminate moves the machine to terminated from any live state. It reports
// false when the machine was already terminated.
func (m *Machine) Terminate() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	prev := m.state
	if prev == ConnStateTerminated {
		m.mu.Unlock()
		return false
	}
	m.state = ConnStateTerminated
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(prev, ConnStateTerminated)
	}
	return true
}

func (s ConnState) IsTerminal() bool {
	return s == ConnStateTerminated
}

func IsKnown(s ConnState) bool {
	_, ok := allowedTransitions[s]
	return ok
}
