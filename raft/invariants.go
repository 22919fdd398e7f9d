package raft

import (
	"fmt"
	"reflect"

	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/utils"
)

// memberView is a point-in-time copy of one member's checkable state,
// taken under its mutex so the checker never races the engine.
type memberView[S, C any] struct {
	id          conf.MemberID
	term        uint64
	role        Role
	commitIndex uint64
	lastApplied uint64
	initialized bool
	log         raftpd.Log[C]
	state       S
}

func (m *Member[S, C]) view() memberView[S, C] {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	v := memberView[S, C]{
		id:          m.id,
		term:        m.ps.CurrentTerm,
		role:        m.role,
		commitIndex: m.commitIndex,
		lastApplied: m.lastApplied,
		initialized: m.ps.Initialized(),
		log:         m.ps.Log.Clone(),
	}
	if v.initialized {
		v.state = m.machine.Clone(m.state)
	}
	return v
}

// CheckInvariants examine a set of members of the same cluster and
// report the first safety violation found: a split leadership within
// one term, logs that disagree about an entry, a committed entry
// missing from a current leader, or initialized members whose applied
// states diverge at the same applied index. Members are inspected one
// at a time; a violation spanning two members is only detectable when
// both sides are quiescent enough to exhibit it in their snapshots.
func CheckInvariants[S, C any](machine Machine[S, C], members ...*Member[S, C]) error {
	views := make([]memberView[S, C], 0, len(members))
	for _, m := range members {
		v := m.view()
		if err := checkMember(&v); err != nil {
			return err
		}
		views = append(views, v)
	}

	if err := checkElectionSafety(views); err != nil {
		return err
	}
	if err := checkLogMatching(views); err != nil {
		return err
	}
	if err := checkLeaderCompleteness(views); err != nil {
		return err
	}
	return checkStateMachineSafety(machine, views)
}

// checkMember verify the structural invariants of a single member.
func checkMember[S, C any](v *memberView[S, C]) error {
	if v.commitIndex < v.log.PrevIndex || v.commitIndex > v.log.LatestIndex() {
		return fmt.Errorf("%s commit index %d outside log [%d, %d]",
			v.id, v.commitIndex, v.log.PrevIndex, v.log.LatestIndex())
	}
	if v.lastApplied > v.commitIndex {
		return fmt.Errorf("%s applied %d past commit %d",
			v.id, v.lastApplied, v.commitIndex)
	}
	if !v.initialized {
		if v.log.PrevIndex != 0 {
			return fmt.Errorf("%s compacted log without snapshot", v.id)
		}
		if !v.role.IsFollower() {
			return fmt.Errorf("%s is %v before initialization", v.id, v.role)
		}
	}
	prevTerm := v.log.PrevTerm
	for idx := v.log.PrevIndex + 1; idx <= v.log.LatestIndex(); idx++ {
		entry := v.log.EntryAt(idx)
		entry.CheckWellFormed()
		if entry.Term < prevTerm {
			return fmt.Errorf("%s entry term decreases at %d [%d => %d]",
				v.id, idx, prevTerm, entry.Term)
		}
		if entry.Term > v.term {
			return fmt.Errorf("%s entry at %d from the future [term: %d, current: %d]",
				v.id, idx, entry.Term, v.term)
		}
		prevTerm = entry.Term
	}
	return nil
}

// checkElectionSafety: at most one leader per term.
func checkElectionSafety[S, C any](views []memberView[S, C]) error {
	leaders := make(map[uint64]conf.MemberID)
	for i := range views {
		v := &views[i]
		if !v.role.IsLeader() {
			continue
		}
		if other, ok := leaders[v.term]; ok {
			return fmt.Errorf("two leaders at term %d: %s and %s",
				v.term, other, v.id)
		}
		leaders[v.term] = v.id
	}
	return nil
}

// checkLogMatching: if two logs hold entries with the same index and
// term, the entries are identical and so is everything before them.
func checkLogMatching[S, C any](views []memberView[S, C]) error {
	for i := range views {
		for j := i + 1; j < len(views); j++ {
			if err := matchLogs(&views[i], &views[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchLogs[S, C any](a, b *memberView[S, C]) error {
	lo := utils.MaxUint64(a.log.PrevIndex, b.log.PrevIndex)
	hi := utils.MinUint64(a.log.LatestIndex(), b.log.LatestIndex())

	// find the highest shared index where the terms agree; everything
	// at or below it must match exactly.
	agree := uint64(0)
	for idx := hi; idx > lo; idx-- {
		if a.log.TermAt(idx) == b.log.TermAt(idx) {
			agree = idx
			break
		}
	}
	for idx := lo + 1; idx <= agree; idx++ {
		ea, eb := a.log.EntryAt(idx), b.log.EntryAt(idx)
		if ea.Term != eb.Term {
			return fmt.Errorf("logs of %s and %s diverge below matching entry %d [at %d: %d vs %d]",
				a.id, b.id, agree, idx, ea.Term, eb.Term)
		}
		if !sameEntry(ea, eb) {
			return fmt.Errorf("logs of %s and %s disagree about entry (%d, %d)",
				a.id, b.id, idx, ea.Term)
		}
	}
	return nil
}

func sameEntry[C any](a, b *raftpd.Entry[C]) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case raftpd.EntryRegular:
		return reflect.DeepEqual(a.Change, b.Change)
	case raftpd.EntryConfig:
		return a.Config.Equal(b.Config)
	default:
		return true
	}
}

// checkLeaderCompleteness: every entry committed anywhere is present in
// every current leader's log under the same term, or lies under the
// leader's snapshot.
func checkLeaderCompleteness[S, C any](views []memberView[S, C]) error {
	for l := range views {
		leader := &views[l]
		if !leader.role.IsLeader() {
			continue
		}
		for i := range views {
			v := &views[i]
			if v.commitIndex > leader.log.LatestIndex() {
				return fmt.Errorf("leader %s log ends at %d before %s commit %d",
					leader.id, leader.log.LatestIndex(), v.id, v.commitIndex)
			}
			from := utils.MaxUint64(v.log.PrevIndex, leader.log.PrevIndex) + 1
			for idx := from; idx <= v.commitIndex; idx++ {
				if leader.log.TermAt(idx) != v.log.TermAt(idx) {
					return fmt.Errorf("leader %s misses committed entry %d of %s [term: %d vs %d]",
						leader.id, idx, v.id, leader.log.TermAt(idx), v.log.TermAt(idx))
				}
			}
		}
	}
	return nil
}

// checkStateMachineSafety: two initialized members that applied the
// same prefix hold equal states.
func checkStateMachineSafety[S, C any](
	machine Machine[S, C], views []memberView[S, C]) error {
	for i := range views {
		for j := i + 1; j < len(views); j++ {
			a, b := &views[i], &views[j]
			if !a.initialized || !b.initialized {
				continue
			}
			if a.lastApplied != b.lastApplied {
				continue
			}
			if !machine.Equal(a.state, b.state) {
				return fmt.Errorf("states of %s and %s diverge at applied index %d",
					a.id, b.id, a.lastApplied)
			}
		}
	}
	return nil
}
