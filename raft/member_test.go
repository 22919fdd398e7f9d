package raft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"

	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/raft/storage"
)

type opsState struct{ Ops []int }

type opsMachine struct{}

func (opsMachine) Apply(state *opsState, change int) {
	state.Ops = append(state.Ops, change)
}

func (opsMachine) Clone(state opsState) opsState {
	return opsState{Ops: append([]int(nil), state.Ops...)}
}

func (opsMachine) Equal(a, b opsState) bool {
	return deep.Equal(a.Ops, b.Ops) == nil
}

// frozenClock never fires the watchdog, so a member under test changes
// role only through the handlers.
type frozenClock struct{}

func (frozenClock) Now() time.Time { return time.Unix(0, 0) }

func (frozenClock) Periodic(time.Duration, func(time.Time)) func() {
	return func() {}
}

type unreachableNetwork struct{}

func (unreachableNetwork) SendRequestVote(
	context.Context, conf.MemberID, *raftpd.RequestVoteRequest,
) (*raftpd.RequestVoteReply, error) {
	return nil, errors.New("unreachable")
}

func (unreachableNetwork) SendAppendEntries(
	context.Context, conf.MemberID, *raftpd.AppendEntriesRequest[int],
) (*raftpd.AppendEntriesReply, error) {
	return nil, errors.New("unreachable")
}

func (unreachableNetwork) SendInstallSnapshot(
	context.Context, conf.MemberID, *raftpd.InstallSnapshotRequest[opsState, int],
) (*raftpd.InstallSnapshotReply, error) {
	return nil, errors.New("unreachable")
}

func (unreachableNetwork) ConnectedMembers() map[conf.MemberID]bool {
	return nil
}

func testOptions() Options {
	return Options{
		ElectionTimeoutMin: 100 * time.Millisecond,
		ElectionTimeoutMax: 200 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}

func startMember(
	t *testing.T, id conf.MemberID, ps raftpd.PersistentState[opsState, int],
) (*Member[opsState, int], *storage.Memory[opsState, int]) {
	t.Helper()
	store := storage.NewMemory[opsState, int](opsMachine{}.Clone)
	m, err := New[opsState, int](
		id, opsMachine{}, ps, store, unreachableNetwork{},
		frozenClock{}, testOptions())
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, store
}

func startFollower(
	t *testing.T, id conf.MemberID, founders ...conf.MemberID,
) (*Member[opsState, int], *storage.Memory[opsState, int]) {
	t.Helper()
	ps := raftpd.MakeInitial[opsState, int](
		opsState{}, conf.MakeConfig(founders...))
	return startMember(t, id, ps)
}

func appendReq(
	term uint64, leader conf.MemberID,
	prevIndex, prevTerm, commit uint64,
	entries ...raftpd.Entry[int],
) *raftpd.AppendEntriesRequest[int] {
	lg := raftpd.MakeLog[int](prevIndex, prevTerm)
	for _, entry := range entries {
		lg.Append(entry)
	}
	return &raftpd.AppendEntriesRequest[int]{
		Term:         term,
		LeaderID:     leader,
		Entries:      lg,
		LeaderCommit: commit,
	}
}

func TestMember_GrantVote(t *testing.T) {
	m, store := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	reply, err := m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 1, CandidateID: "b",
	})
	require.NoError(t, err)
	require.True(t, reply.VoteGranted)
	require.Equal(t, uint64(1), reply.Term)

	/* the vote must be durable before the reply */
	image, ok := store.Image()
	require.True(t, ok)
	require.Equal(t, uint64(1), image.CurrentTerm)
	require.Equal(t, conf.MemberID("b"), image.VotedFor)
}

func TestMember_OneVotePerTerm(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	reply, err := m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 1, CandidateID: "b",
	})
	require.NoError(t, err)
	require.True(t, reply.VoteGranted)

	/* same term, different candidate */
	reply, err = m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 1, CandidateID: "c",
	})
	require.NoError(t, err)
	require.False(t, reply.VoteGranted)

	/* a repeated request from the voted-for candidate succeeds */
	reply, err = m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 1, CandidateID: "b",
	})
	require.NoError(t, err)
	require.True(t, reply.VoteGranted)

	/* a new term opens a new vote */
	reply, err = m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 2, CandidateID: "c",
	})
	require.NoError(t, err)
	require.True(t, reply.VoteGranted)
}

func TestMember_RejectStaleVote(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	_, err := m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 3, CandidateID: "b",
	})
	require.NoError(t, err)

	reply, err := m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 2, CandidateID: "c",
	})
	require.NoError(t, err)
	require.False(t, reply.VoteGranted)
	require.Equal(t, uint64(3), reply.Term)
}

func TestMember_RejectOutdatedLog(t *testing.T) {
	ps := raftpd.MakeInitial[opsState, int](
		opsState{}, conf.MakeConfig("a", "b", "c"))
	ps.CurrentTerm = 2
	ps.Log.Append(raftpd.MakeNoOp[int](1))
	ps.Log.Append(raftpd.MakeRegular(2, 7))
	m, _ := startMember(t, "a", ps)
	ctx := context.Background()

	cases := []struct {
		lastIndex uint64
		lastTerm  uint64
		want      bool
	}{
		{0, 0, false}, /* empty candidate log */
		{2, 1, false}, /* same length, older last term */
		{1, 2, false}, /* same last term, shorter */
		{2, 2, true},  /* identical */
		{1, 3, true},  /* later last term beats length */
	}
	for i, test := range cases {
		reply, err := m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
			Term:         uint64(3 + i), /* fresh term each round */
			CandidateID:  "b",
			LastLogIndex: test.lastIndex,
			LastLogTerm:  test.lastTerm,
		})
		require.NoError(t, err)
		require.Equal(t, test.want, reply.VoteGranted,
			"#%d: last (%d, %d)", i, test.lastIndex, test.lastTerm)
	}
}

func TestMember_AppendAndCommit(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	reply, err := m.HandleAppendEntries(ctx, appendReq(1, "b", 0, 0, 0,
		raftpd.MakeNoOp[int](1),
		raftpd.MakeRegular(1, 100),
		raftpd.MakeRegular(1, 200)))
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.Equal(t, conf.MemberID("b"), m.LeaderHint())

	status := m.Status()
	require.Equal(t, uint64(3), status.LatestIndex)
	require.Equal(t, uint64(0), status.CommitIndex)

	/* the leader's commit index rides on the next heartbeat */
	reply, err = m.HandleAppendEntries(ctx, appendReq(1, "b", 3, 1, 3))
	require.NoError(t, err)
	require.True(t, reply.Success)

	status = m.Status()
	require.Equal(t, uint64(3), status.CommitIndex)
	require.Equal(t, uint64(3), status.LastApplied)
	require.Empty(t, deep.Equal([]int{100, 200}, m.CurrentState().Ops))
}

func TestMember_AppendRejectsGap(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	reply, err := m.HandleAppendEntries(ctx, appendReq(1, "b", 5, 1, 0,
		raftpd.MakeRegular(1, 100)))
	require.NoError(t, err)
	require.False(t, reply.Success)
	require.Equal(t, uint64(0), m.Status().LatestIndex)
}

func TestMember_AppendRejectsTermMismatch(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	_, err := m.HandleAppendEntries(ctx, appendReq(1, "b", 0, 0, 0,
		raftpd.MakeNoOp[int](1),
		raftpd.MakeRegular(1, 100)))
	require.NoError(t, err)

	/* prev point exists but carries the wrong term */
	reply, err := m.HandleAppendEntries(ctx, appendReq(2, "c", 2, 2, 0,
		raftpd.MakeRegular(2, 300)))
	require.NoError(t, err)
	require.False(t, reply.Success)
}

func TestMember_AppendTruncatesConflict(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	_, err := m.HandleAppendEntries(ctx, appendReq(1, "b", 0, 0, 0,
		raftpd.MakeNoOp[int](1),
		raftpd.MakeRegular(1, 100),
		raftpd.MakeRegular(1, 200)))
	require.NoError(t, err)

	/* a new leader overwrites the uncommitted suffix */
	reply, err := m.HandleAppendEntries(ctx, appendReq(2, "c", 1, 1, 3,
		raftpd.MakeNoOp[int](2),
		raftpd.MakeRegular(2, 300)))
	require.NoError(t, err)
	require.True(t, reply.Success)

	require.Equal(t, uint64(3), m.Status().LatestIndex)
	require.Empty(t, deep.Equal([]int{300}, m.CurrentState().Ops))
}

func TestMember_AppendRejectsStaleTerm(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	_, err := m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 5, CandidateID: "b",
	})
	require.NoError(t, err)

	reply, err := m.HandleAppendEntries(ctx, appendReq(4, "c", 0, 0, 0,
		raftpd.MakeNoOp[int](4)))
	require.NoError(t, err)
	require.False(t, reply.Success)
	require.Equal(t, uint64(5), reply.Term)
}

func TestMember_DuplicateAppendDoesNotRewrite(t *testing.T) {
	m, store := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	req := appendReq(1, "b", 0, 0, 0,
		raftpd.MakeNoOp[int](1),
		raftpd.MakeRegular(1, 100))
	_, err := m.HandleAppendEntries(ctx, req)
	require.NoError(t, err)

	writes := store.Writes()

	/* the retransmission carries nothing new */
	reply, err := m.HandleAppendEntries(ctx, req)
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.Equal(t, writes, store.Writes())
}

func TestMember_JoinerBootstrap(t *testing.T) {
	m, store := startMember(t, "d", raftpd.MakeJoin[opsState, int]())
	ctx := context.Background()

	select {
	case <-m.InitializedSignal():
		t.Fatal("joiner initialized before any snapshot")
	default:
	}

	/* consistent or not, appends bounce until a snapshot arrives */
	reply, err := m.HandleAppendEntries(ctx, appendReq(1, "b", 0, 0, 0,
		raftpd.MakeNoOp[int](1)))
	require.NoError(t, err)
	require.False(t, reply.Success)

	config := conf.MakeComplex(conf.MakeConfig("a", "b", "c", "d"))
	_, err = m.HandleInstallSnapshot(ctx, &raftpd.InstallSnapshotRequest[opsState, int]{
		Term:              1,
		LeaderID:          "b",
		LastIncludedIndex: 4,
		LastIncludedTerm:  1,
		SnapshotState:     opsState{Ops: []int{100, 200}},
		SnapshotConfig:    config,
	})
	require.NoError(t, err)

	select {
	case <-m.InitializedSignal():
	default:
		t.Fatal("joiner still uninitialized after snapshot")
	}

	status := m.Status()
	require.Equal(t, uint64(4), status.PrevIndex)
	require.Equal(t, uint64(4), status.CommitIndex)
	require.Empty(t, deep.Equal([]int{100, 200}, m.CurrentState().Ops))

	image, ok := store.Image()
	require.True(t, ok)
	require.True(t, image.Initialized())
	require.Equal(t, uint64(4), image.Log.PrevIndex)

	/* replication continues from the snapshot base */
	reply, err = m.HandleAppendEntries(ctx, appendReq(1, "b", 4, 1, 4,
		raftpd.MakeRegular(1, 300)))
	require.NoError(t, err)
	require.True(t, reply.Success)
}

func TestMember_SnapshotIgnoredBelowCommit(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	_, err := m.HandleAppendEntries(ctx, appendReq(1, "b", 0, 0, 3,
		raftpd.MakeNoOp[int](1),
		raftpd.MakeRegular(1, 100),
		raftpd.MakeRegular(1, 200)))
	require.NoError(t, err)
	require.Equal(t, uint64(3), m.Status().CommitIndex)

	config := conf.MakeComplex(conf.MakeConfig("a", "b", "c"))
	_, err = m.HandleInstallSnapshot(ctx, &raftpd.InstallSnapshotRequest[opsState, int]{
		Term:              1,
		LeaderID:          "b",
		LastIncludedIndex: 2,
		LastIncludedTerm:  1,
		SnapshotState:     opsState{Ops: []int{100}},
		SnapshotConfig:    config,
	})
	require.NoError(t, err)

	/* nothing moved backwards */
	status := m.Status()
	require.Equal(t, uint64(0), status.PrevIndex)
	require.Equal(t, uint64(3), status.CommitIndex)
	require.Empty(t, deep.Equal([]int{100, 200}, m.CurrentState().Ops))
}

func TestMember_CompactTruncatesThroughApplied(t *testing.T) {
	m, store := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	_, err := m.HandleAppendEntries(ctx, appendReq(1, "b", 0, 0, 3,
		raftpd.MakeNoOp[int](1),
		raftpd.MakeRegular(1, 100),
		raftpd.MakeRegular(1, 200),
		raftpd.MakeRegular(1, 300)))
	require.NoError(t, err)

	index, err := m.Compact(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), index)

	status := m.Status()
	require.Equal(t, uint64(3), status.PrevIndex)
	require.Equal(t, uint64(4), status.LatestIndex)

	image, ok := store.Image()
	require.True(t, ok)
	require.Equal(t, uint64(3), image.Log.PrevIndex)
	require.Empty(t, deep.Equal([]int{100, 200}, image.SnapshotState.Ops))

	/* compacting again without new applies is a no-op */
	index, err = m.Compact(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), index)
}

func TestMember_ProposeRequiresLeader(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	err := m.ProposeChange(ctx, 42)
	require.ErrorIs(t, err, ErrNotLeader)

	err = m.ProposeConfigChange(ctx, conf.MakeConfig("a", "b"))
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestMember_StoppedRejectsEverything(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	m.Stop()

	err := m.ProposeChange(ctx, 42)
	require.ErrorIs(t, err, ErrStopped)

	_, err = m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 1, CandidateID: "b",
	})
	require.ErrorIs(t, err, ErrStopped)

	_, err = m.Compact(ctx)
	require.ErrorIs(t, err, ErrStopped)
}

func TestMember_StorageFailureIsFatal(t *testing.T) {
	m, store := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	broken := errors.New("disk gone")
	store.FailWith(broken)

	_, err := m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 1, CandidateID: "b",
	})
	require.ErrorIs(t, err, broken)

	/* the member stays dead even after the fault clears */
	store.FailWith(nil)
	_, err = m.HandleRequestVote(ctx, &raftpd.RequestVoteRequest{
		Term: 2, CandidateID: "b",
	})
	require.ErrorIs(t, err, broken)
}

func TestMember_ConfigurationFollowsLog(t *testing.T) {
	m, _ := startFollower(t, "a", "a", "b", "c")
	ctx := context.Background()

	config, ok := m.Configuration()
	require.True(t, ok)
	require.False(t, config.IsJoint())
	require.True(t, config.Voters()["c"])

	/* a replicated joint entry takes effect before commit */
	joint := conf.MakeJoint(
		conf.MakeConfig("a", "b", "c"), conf.MakeConfig("a", "b"))
	_, err := m.HandleAppendEntries(ctx, appendReq(1, "b", 0, 0, 0,
		raftpd.MakeConfigEntry[int](1, joint)))
	require.NoError(t, err)

	config, ok = m.Configuration()
	require.True(t, ok)
	require.True(t, config.IsJoint())
}
