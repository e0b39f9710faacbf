package offer

// transições permitidas; ESCALATED ainda pode ser aceita, recusada ou expirar
var transitions = map[State][]State{
	StatePending:   {StateAccepted, StateRejected, StateCancelled, StateExpired, StateEscalated},
	StateEscalated: {StateAccepted, StateRejected, StateExpired},
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateAccepted, StateRejected, StateCancelled, StateExpired, StateEscalated:
		return true
	}
	return false
}

// Terminal: nenhuma transição sai daqui
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return s.Valid() && !ok
}

// Open: a oferta ainda segura o valor em escrow e pode expirar
func (s State) Open() bool {
	_, ok := transitions[s]
	return ok
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesFor lista os estados a partir dos quais to é alcançável
func sourcesFor(to State) []State {
	var out []State
	for _, from := range []State{StatePending, StateEscalated} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

var openStates = []State{StatePending, StateEscalated}

var terminalStates = []State{StateAccepted, StateRejected, StateCancelled, StateExpired}

func stateStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
