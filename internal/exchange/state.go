package exchange

import (
	"errors"
	"fmt"
	"sync"
)

// ConnState is the lifecycle state of a stream connection
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrInvalidTransition is returned for a state change the machine does not allow
var ErrInvalidTransition = errors.New("invalid connection state transition")

var transitions = map[ConnState][]ConnState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnecting, StateDisconnected},
}

// stateMachine guards the connection state. Disconnected is terminal only
// when reached through shutdown; the supervisor never leaves it on its own.
type stateMachine struct {
	mu       sync.RWMutex
	state    ConnState
	onChange func(from, to ConnState)
}

func newStateMachine(onChange func(from, to ConnState)) *stateMachine {
	return &stateMachine{state: StateDisconnected, onChange: onChange}
}

func (m *stateMachine) Current() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// To moves to next. Moving to the current state is a no-op.
func (m *stateMachine) To(next ConnState) error {
	m.mu.Lock()
	from := m.state
	if from == next {
		m.mu.Unlock()
		return nil
	}
	allowed := false
	for _, s := range transitions[from] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	m.state = next
	hook := m.onChange
	m.mu.Unlock()

	if hook != nil {
		hook(from, next)
	}
	return nil
}
