package raft

// OpsState is the replicated state used by the simulation: the ordered
// list of every applied command. Position k (1-based) is the k-th
// committed regular entry, so two correct members always agree on a
// shared prefix.
type OpsState struct {
	Ops []int
}

// OpsMachine binds OpsState to the engine.
type OpsMachine struct{}

// Apply append the command.
func (OpsMachine) Apply(state *OpsState, change int) {
	state.Ops = append(state.Ops, change)
}

// Clone copy the state.
func (OpsMachine) Clone(state OpsState) OpsState {
	return OpsState{Ops: append([]int(nil), state.Ops...)}
}

// Equal compare two states.
func (OpsMachine) Equal(a, b OpsState) bool {
	if len(a.Ops) != len(b.Ops) {
		return false
	}
	for i := range a.Ops {
		if a.Ops[i] != b.Ops[i] {
			return false
		}
	}
	return true
}
