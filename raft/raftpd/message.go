package raftpd

import (
	"fmt"

	"github.com/thinkermao/raftcore/raft/conf"
)

// The three RPC pairs of the protocol. Every reply carries the
// responder's term so the sender can adopt a higher term it did not know
// about.

// RequestVoteRequest ask for a vote in Term.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  conf.MemberID
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (r RequestVoteRequest) String() string {
	return fmt.Sprintf("RequestVote{term: %d, candidate: %s, last: (%d, %d)}",
		r.Term, r.CandidateID, r.LastLogIndex, r.LastLogTerm)
}

// RequestVoteReply answer a RequestVoteRequest.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRequest replicate entries, or heartbeat when the carried
// slice is empty. Entries.PrevIndex/PrevTerm are the consistency-check
// point.
type AppendEntriesRequest[C any] struct {
	Term         uint64
	LeaderID     conf.MemberID
	Entries      Log[C]
	LeaderCommit uint64
}

func (r AppendEntriesRequest[C]) String() string {
	return fmt.Sprintf("AppendEntries{term: %d, leader: %s, prev: (%d, %d), entries: %d, commit: %d}",
		r.Term, r.LeaderID, r.Entries.PrevIndex, r.Entries.PrevTerm,
		len(r.Entries.Entries), r.LeaderCommit)
}

// AppendEntriesReply answer an AppendEntriesRequest.
type AppendEntriesReply struct {
	Term    uint64
	Success bool
}

// InstallSnapshotRequest ship a whole snapshot to a member whose log is
// too far behind. The state and configuration ride along directly
// instead of as binary chunks.
type InstallSnapshotRequest[S, C any] struct {
	Term              uint64
	LeaderID          conf.MemberID
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	SnapshotState     S
	SnapshotConfig    conf.Complex
}

func (r InstallSnapshotRequest[S, C]) String() string {
	return fmt.Sprintf("InstallSnapshot{term: %d, leader: %s, last: (%d, %d)}",
		r.Term, r.LeaderID, r.LastIncludedIndex, r.LastIncludedTerm)
}

// InstallSnapshotReply answer an InstallSnapshotRequest.
type InstallSnapshotReply struct {
	Term uint64
}
