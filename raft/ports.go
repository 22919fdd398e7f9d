package raft

import (
	"context"
	"time"

	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/utils"
)

// Storage persists a member's state. Write returns only once the given
// image is durable; the member never acts on a persisted fact before
// the corresponding Write has returned. The image is always the whole
// PersistentState; implementations may diff against the previous image
// internally.
//
// A Write error is fatal to the member.
type Storage[S, C any] interface {
	Write(ctx context.Context, state *raftpd.PersistentState[S, C]) error
}

// Network carries the three RPC pairs. Each send blocks until the peer
// replies, the context is cancelled, or the attempt fails; on a non-nil
// error the request may or may not have reached the peer.
// ConnectedMembers reports the peers currently believed reachable, so
// the leader can skip dispatch to known-dead ones; it is advisory only.
type Network[S, C any] interface {
	SendRequestVote(ctx context.Context, dest conf.MemberID,
		req *raftpd.RequestVoteRequest) (*raftpd.RequestVoteReply, error)
	SendAppendEntries(ctx context.Context, dest conf.MemberID,
		req *raftpd.AppendEntriesRequest[C]) (*raftpd.AppendEntriesReply, error)
	SendInstallSnapshot(ctx context.Context, dest conf.MemberID,
		req *raftpd.InstallSnapshotRequest[S, C]) (*raftpd.InstallSnapshotReply, error)
	ConnectedMembers() map[conf.MemberID]bool
}

// Clock provides time to the member: Now for timestamps and Periodic
// for the watchdog tick. The watchdog fires at most every interval;
// the returned stop function releases the timer.
type Clock interface {
	Now() time.Time
	Periodic(interval time.Duration, f func(time.Time)) (stop func())
}

// WallClock is the production Clock, backed by the system clock.
type WallClock struct{}

// Now return the current time.
func (WallClock) Now() time.Time { return time.Now() }

// Periodic start a ticker calling f every interval.
func (WallClock) Periodic(interval time.Duration, f func(time.Time)) func() {
	return utils.StartTimer(interval, f)
}
