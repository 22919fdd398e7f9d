package raft

// Machine binds a state type S and its change type C to the engine.
// Apply mutates the state in place; the engine calls it exactly once
// per committed regular entry, in strictly increasing index order.
// NoOp and configuration entries are never passed to it, and an
// installed snapshot replaces the state without any Apply. Clone must
// return a copy that shares no mutable structure with its argument.
// Equal is used by the invariant checker and by tests; production
// paths never call it.
type Machine[S, C any] interface {
	Apply(state *S, change C)
	Clone(state S) S
	Equal(a, b S) bool
}
