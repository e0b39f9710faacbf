package offer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitions(t *testing.T) {
	all := []State{StatePending, StateAccepted, StateRejected, StateCancelled, StateExpired, StateEscalated}
	allowed := map[State][]State{
		StatePending:   {StateAccepted, StateRejected, StateCancelled, StateExpired, StateEscalated},
		StateEscalated: {StateAccepted, StateRejected, StateExpired},
	}
	for _, from := range all {
		for _, to := range all {
			want := containsState(allowed[from], to)
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	for _, s := range []State{StateAccepted, StateRejected, StateCancelled, StateExpired} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Open(), s)
	}
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateEscalated.Terminal())
	assert.False(t, State("BOGUS").Terminal())

	assert.Equal(t, []State{StatePending}, sourcesFor(StateCancelled))
	assert.Equal(t, []State{StatePending}, sourcesFor(StateEscalated))
	assert.Equal(t, []State{StatePending, StateEscalated}, sourcesFor(StateExpired))
}
