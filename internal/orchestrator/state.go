package orchestrator

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of the worker set.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Failed:
		return "failed"
	default:
		return "stopped"
	}
}

var allowed = map[State][]State{
	Stopped:  {Starting},
	Starting: {Running, Failed},
	Failed:   {Starting, Stopped},
	Running:  {Stopped},
}

// ErrInvalidTransition is returned by Machine.Transition for a move the
// lifecycle does not allow.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// Machine tracks the current state and rejects invalid transitions.
type Machine struct {
	mu    sync.Mutex
	state State
	// OnTransition, when set, is called after every accepted transition.
	OnTransition func(from, to State)
}

// NewMachine returns a Machine in state s.
func NewMachine(s State) *Machine { return &Machine{state: s} }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next. Transitioning to the current state is a no-op.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	from := m.state
	if from == next {
		m.mu.Unlock()
		return nil
	}
	ok := false
	for _, s := range allowed[from] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return &ErrInvalidTransition{From: from, To: next}
	}
	m.state = next
	hook := m.OnTransition
	m.mu.Unlock()
	if hook != nil {
		hook(from, next)
	}
	return nil
}
