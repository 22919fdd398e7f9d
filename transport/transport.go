// Package transport carries the raftcore RPC pairs between real
// processes over TCP. One gob stream per connection multiplexes
// concurrent calls; requests and replies are matched by id. The Pool
// side implements the engine's Network port, the Server side feeds
// inbound requests to a Member.
package transport

import (
	"context"

	"github.com/thinkermao/raftcore/raft/raftpd"
)

type kind int

const (
	kindRequestVote kind = iota
	kindAppendEntries
	kindInstallSnapshot
)

var kindStr = []string{
	"RequestVote",
	"AppendEntries",
	"InstallSnapshot",
}

func (k kind) String() string { return kindStr[k] }

// envelope frames one request or reply on the stream. Body is the
// pd-encoded payload; Reply and Err are set on responses only.
type envelope struct {
	ID    string
	Kind  kind
	Reply bool
	Body  []byte
	Err   string
}

// Handler receives the inbound RPCs; *raft.Member implements it.
type Handler[S, C any] interface {
	HandleRequestVote(ctx context.Context,
		req *raftpd.RequestVoteRequest) (*raftpd.RequestVoteReply, error)
	HandleAppendEntries(ctx context.Context,
		req *raftpd.AppendEntriesRequest[C]) (*raftpd.AppendEntriesReply, error)
	HandleInstallSnapshot(ctx context.Context,
		req *raftpd.InstallSnapshotRequest[S, C]) (*raftpd.InstallSnapshotReply, error)
}
