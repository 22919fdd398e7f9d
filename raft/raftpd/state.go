package raftpd

import (
	"github.com/thinkermao/raftcore/raft/conf"
)

// PersistentState is everything a member must write to stable storage
// before acting on it. The Storage port persists the whole image.
//
// VotedFor is meaningful only within CurrentTerm; conf.NoMember means no
// vote has been cast. SnapshotState and SnapshotConfig are both set for
// any initialized member and both nil for a member that joined the
// cluster and has not yet received its first snapshot. Such a member is
// ineligible for leadership until initialized.
type PersistentState[S, C any] struct {
	CurrentTerm uint64
	VotedFor    conf.MemberID

	SnapshotState  *S
	SnapshotConfig *conf.Complex

	Log Log[C]
}

// MakeInitial return the persistent state for a founding member. Every
// founder of a new cluster must start from identical state and
// configuration.
func MakeInitial[S, C any](state S, configuration conf.Config) PersistentState[S, C] {
	complex := conf.MakeComplex(configuration)
	return PersistentState[S, C]{
		CurrentTerm:    0,
		VotedFor:       conf.NoMember,
		SnapshotState:  &state,
		SnapshotConfig: &complex,
		Log:            MakeLog[C](0, 0),
	}
}

// MakeJoin return the persistent state for a member joining an existing
// cluster. It stays uninitialized (and leader-ineligible) until the
// first InstallSnapshot arrives.
func MakeJoin[S, C any]() PersistentState[S, C] {
	return PersistentState[S, C]{
		CurrentTerm: 0,
		VotedFor:    conf.NoMember,
		Log:         MakeLog[C](0, 0),
	}
}

// Initialized report whether the member carries a valid snapshot.
func (ps *PersistentState[S, C]) Initialized() bool {
	return ps.SnapshotConfig != nil
}

// Clone return a deep copy; cloneState duplicates the snapshot state.
func (ps *PersistentState[S, C]) Clone(cloneState func(S) S) PersistentState[S, C] {
	dup := PersistentState[S, C]{
		CurrentTerm: ps.CurrentTerm,
		VotedFor:    ps.VotedFor,
		Log:         ps.Log.Clone(),
	}
	if ps.SnapshotState != nil {
		s := cloneState(*ps.SnapshotState)
		dup.SnapshotState = &s
	}
	if ps.SnapshotConfig != nil {
		c := ps.SnapshotConfig.Clone()
		dup.SnapshotConfig = &c
	}
	return dup
}
