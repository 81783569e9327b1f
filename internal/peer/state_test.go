package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to ConnectionState
		ok       bool
	}{
		{StateIdle, StateOffering, true},
		{StateIdle, StateAnswering, true},
		{StateIdle, StateConnecting, false},
		{StateIdle, StateConnected, false},
		{StateOffering, StateConnecting, true},
		{StateOffering, StateAnswering, false},
		{StateAnswering, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateOffering, false},
		{StateConnected, StateConnecting, false},

		// failure and teardown are reachable from anywhere but closed
		{StateIdle, StateFailed, true},
		{StateOffering, StateFailed, true},
		{StateConnected, StateFailed, true},
		{StateConnected, StateClosed, true},
		{StateFailed, StateClosed, true},
		{StateClosed, StateFailed, false},
		{StateClosed, StateClosed, false},

		// failed only leaves through the reset path, never directly
		{StateFailed, StateOffering, false},
		{StateFailed, StateConnecting, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
