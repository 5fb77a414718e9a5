// Package lifecycle tracks the coarse SDK state and notifies observers on
// transitions.
package lifecycle

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type State int

const (
	NotInitialized State = iota
	Ready
	Refreshing
	Failed
	Terminated
)

func (s State) String() string {
	switch s {
	case NotInitialized:
		return "not_initialized"
	case Ready:
		return "ready"
	case Refreshing:
		return "refreshing"
	case Failed:
		return "failed"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Transition identifies one edge of the state graph.
type Transition struct {
	From State
	To   State
}

// StateMachine guards the SDK lifecycle. Observers are keyed by (from, to)
// and invoked synchronously in registration order, outside the state lock so
// they may dispatch further commands.
type StateMachine struct {
	mu        sync.Mutex
	state     State
	observers map[Transition][]func()
	logger    *zap.Logger
}

func NewStateMachine(logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		state:     NotInitialized,
		observers: make(map[Transition][]func()),
		logger:    logger,
	}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On registers an observer for a specific transition.
func (m *StateMachine) On(from, to State, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := Transition{From: from, To: to}
	m.observers[t] = append(m.observers[t], fn)
}

// To moves the machine to the given state, rejecting illegal edges, and
// fires the registered observers for the edge taken.
func (m *StateMachine) To(to State) error {
	m.mu.Lock()
	from := m.state
	if !legal(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("illegal state transition %s -> %s", from, to)
	}
	m.state = to
	callbacks := append([]func(){}, m.observers[Transition{From: from, To: to}]...)
	m.mu.Unlock()

	m.logger.Debug("state transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// legal encodes the state graph: NotInitialized -> Ready, Ready <-> Refreshing,
// and any state may fall into Failed or Terminated.
func legal(from, to State) bool {
	if to == Failed || to == Terminated {
		return true
	}
	switch from {
	case NotInitialized:
		return to == Ready
	case Ready:
		return to == Refreshing
	case Refreshing:
		return to == Ready
	default:
		return false
	}
}
