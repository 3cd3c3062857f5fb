package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []ConnState
		ok   bool
	}{
		{"connect", []ConnState{StateConnecting, StateConnected}, true},
		{"drop and redial", []ConnState{StateConnecting, StateConnected, StateReconnecting, StateConnecting, StateConnected}, true},
		{"dial failure", []ConnState{StateConnecting, StateReconnecting, StateConnecting}, true},
		{"shutdown while connected", []ConnState{StateConnecting, StateConnected, StateDisconnected}, true},
		{"shutdown while backing off", []ConnState{StateConnecting, StateReconnecting, StateDisconnected}, true},
		{"skip connecting", []ConnState{StateConnected}, false},
		{"reconnect straight to connected", []ConnState{StateConnecting, StateConnected, StateReconnecting, StateConnected}, false},
		{"reconnect from disconnected", []ConnState{StateReconnecting}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newStateMachine(nil)
			var err error
			for _, s := range tt.path {
				if err = m.To(s); err != nil {
					break
				}
			}
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.path[len(tt.path)-1], m.Current())
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestStateMachineHook(t *testing.T) {
	var seen []string
	m := newStateMachine(func(from, to ConnState) {
		seen = append(seen, from.String()+">"+to.String())
	})

	require.NoError(t, m.To(StateConnecting))
	require.NoError(t, m.To(StateConnecting))
	require.NoError(t, m.To(StateConnected))

	assert.Equal(t, []string{"disconnected>connecting", "connecting>connected"}, seen)
	assert.Equal(t, "unknown(9)", ConnState(9).String())
}
