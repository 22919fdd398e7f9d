package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/raftpd"
)

type testState struct{ N int }

type recordingHandler struct {
	votes   chan *raftpd.RequestVoteRequest
	failing bool
}

func makeRecordingHandler() *recordingHandler {
	return &recordingHandler{votes: make(chan *raftpd.RequestVoteRequest, 8)}
}

func (h *recordingHandler) HandleRequestVote(
	ctx context.Context, req *raftpd.RequestVoteRequest,
) (*raftpd.RequestVoteReply, error) {
	if h.failing {
		return nil, errors.New("handler refused")
	}
	h.votes <- req
	return &raftpd.RequestVoteReply{Term: req.Term, VoteGranted: true}, nil
}

func (h *recordingHandler) HandleAppendEntries(
	ctx context.Context, req *raftpd.AppendEntriesRequest[int],
) (*raftpd.AppendEntriesReply, error) {
	return &raftpd.AppendEntriesReply{Term: req.Term, Success: true}, nil
}

func (h *recordingHandler) HandleInstallSnapshot(
	ctx context.Context, req *raftpd.InstallSnapshotRequest[testState, int],
) (*raftpd.InstallSnapshotReply, error) {
	return &raftpd.InstallSnapshotReply{Term: req.Term}, nil
}

func TestTransport_RoundTrip(t *testing.T) {
	handler := makeRecordingHandler()
	server, err := Serve[testState, int]("127.0.0.1:0", handler)
	require.NoError(t, err)
	defer server.Close()

	pool := NewPool[testState, int]("a", map[conf.MemberID]string{
		"b": server.Addr(),
	})
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := pool.SendRequestVote(ctx, "b", &raftpd.RequestVoteRequest{
		Term: 3, CandidateID: "a", LastLogIndex: 7, LastLogTerm: 2,
	})
	require.NoError(t, err)
	require.True(t, reply.VoteGranted)
	require.Equal(t, uint64(3), reply.Term)

	received := <-handler.votes
	require.Equal(t, conf.MemberID("a"), received.CandidateID)
	require.Equal(t, uint64(7), received.LastLogIndex)

	appendReply, err := pool.SendAppendEntries(ctx, "b",
		&raftpd.AppendEntriesRequest[int]{
			Term:    3,
			Entries: raftpd.MakeLog[int](0, 0),
		})
	require.NoError(t, err)
	require.True(t, appendReply.Success)

	snapReply, err := pool.SendInstallSnapshot(ctx, "b",
		&raftpd.InstallSnapshotRequest[testState, int]{
			Term:              3,
			LastIncludedIndex: 9,
			SnapshotState:     testState{N: 42},
			SnapshotConfig:    conf.MakeComplex(conf.MakeConfig("a", "b")),
		})
	require.NoError(t, err)
	require.Equal(t, uint64(3), snapReply.Term)

	connected := pool.ConnectedMembers()
	require.True(t, connected["a"])
	require.True(t, connected["b"])
}

func TestTransport_HandlerErrorPropagates(t *testing.T) {
	handler := makeRecordingHandler()
	handler.failing = true
	server, err := Serve[testState, int]("127.0.0.1:0", handler)
	require.NoError(t, err)
	defer server.Close()

	pool := NewPool[testState, int]("a", map[conf.MemberID]string{
		"b": server.Addr(),
	})
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = pool.SendRequestVote(ctx, "b", &raftpd.RequestVoteRequest{
		Term: 1, CandidateID: "a",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "handler refused")
}

func TestTransport_UnknownMember(t *testing.T) {
	pool := NewPool[testState, int]("a", nil)
	defer pool.Close()

	_, err := pool.SendRequestVote(context.Background(), "ghost",
		&raftpd.RequestVoteRequest{Term: 1, CandidateID: "a"})
	require.ErrorIs(t, err, ErrUnknownMember)
}

func TestTransport_ServerCloseDropsCalls(t *testing.T) {
	handler := makeRecordingHandler()
	server, err := Serve[testState, int]("127.0.0.1:0", handler)
	require.NoError(t, err)

	pool := NewPool[testState, int]("a", map[conf.MemberID]string{
		"b": server.Addr(),
	})
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = pool.SendRequestVote(ctx, "b", &raftpd.RequestVoteRequest{
		Term: 1, CandidateID: "a",
	})
	require.NoError(t, err)

	server.Close()

	shortCtx, shortCancel := context.WithTimeout(context.Background(), time.Second)
	defer shortCancel()
	_, err = pool.SendRequestVote(shortCtx, "b", &raftpd.RequestVoteRequest{
		Term: 2, CandidateID: "a",
	})
	require.Error(t, err)
}
