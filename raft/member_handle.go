package raft

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/utils"
)

// The three inbound RPC handlers. Each one runs on the transport's
// goroutine, takes the member mutex, and may suspend inside persist;
// everything it decided before the suspension is revalidated after.

// HandleRequestVote answer a RequestVote from a candidate. A vote is
// granted at most once per term, only to a candidate whose log is at
// least as up-to-date as ours, and it is durable before the reply
// leaves.
func (m *Member[S, C]) HandleRequestVote(
	ctx context.Context, req *raftpd.RequestVoteRequest,
) (*raftpd.RequestVoteReply, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.usable(); err != nil {
		return nil, err
	}

	if req.Term < m.ps.CurrentTerm {
		log.Debugf("%s [term: %d] reject stale %v", m.id, m.ps.CurrentTerm, req)
		return &raftpd.RequestVoteReply{Term: m.ps.CurrentTerm}, nil
	}

	if m.observeTerm(ctx, req.Term) {
		if err := m.usable(); err != nil {
			return nil, err
		}
		if req.Term != m.ps.CurrentTerm {
			/* an even higher term arrived while we persisted */
			return &raftpd.RequestVoteReply{Term: m.ps.CurrentTerm}, nil
		}
	}

	grant := (m.ps.VotedFor == conf.NoMember || m.ps.VotedFor == req.CandidateID) &&
		m.logUpToDate(req.LastLogTerm, req.LastLogIndex)

	if grant && m.ps.VotedFor == conf.NoMember {
		m.ps.VotedFor = req.CandidateID

		log.Infof("%s [term: %d] grant vote to %s [last: (%d, %d)]",
			m.id, m.ps.CurrentTerm, req.CandidateID,
			req.LastLogIndex, req.LastLogTerm)

		if err := m.persist(ctx); err != nil {
			return nil, err
		}
		if m.ps.CurrentTerm != req.Term || m.ps.VotedFor != req.CandidateID {
			/* deposed during the write: the vote we granted belongs to a
			   dead term */
			return &raftpd.RequestVoteReply{Term: m.ps.CurrentTerm}, nil
		}
	} else if !grant {
		log.Debugf("%s [term: %d, voted: %s] reject vote for %s [last: (%d, %d)]",
			m.id, m.ps.CurrentTerm, m.ps.VotedFor, req.CandidateID,
			req.LastLogIndex, req.LastLogTerm)
	}

	if grant && m.role.IsFollower() {
		/* granting a vote counts as hearing from a live candidate */
		m.resetElectionTimer()
	}

	return &raftpd.RequestVoteReply{
		Term:        m.ps.CurrentTerm,
		VoteGranted: grant,
	}, nil
}

// logUpToDate report whether a candidate log ending at
// (lastTerm, lastIndex) is at least as up-to-date as ours: later last
// term wins, equal terms compare by length. §5.4.1
func (m *Member[S, C]) logUpToDate(lastTerm, lastIndex uint64) bool {
	ourIndex := m.ps.Log.LatestIndex()
	ourTerm := m.ps.Log.TermAt(ourIndex)
	if lastTerm != ourTerm {
		return lastTerm > ourTerm
	}
	return lastIndex >= ourIndex
}

// HandleAppendEntries answer an AppendEntries from a leader: run the
// consistency check against (PrevIndex, PrevTerm), resolve conflicts in
// favor of the leader's entries, and advance the commit index. A
// success reply means every carried entry is durable here.
func (m *Member[S, C]) HandleAppendEntries(
	ctx context.Context, req *raftpd.AppendEntriesRequest[C],
) (*raftpd.AppendEntriesReply, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.usable(); err != nil {
		return nil, err
	}

	if req.Term < m.ps.CurrentTerm {
		log.Debugf("%s [term: %d] reject stale %v", m.id, m.ps.CurrentTerm, req)
		return &raftpd.AppendEntriesReply{Term: m.ps.CurrentTerm}, nil
	}

	if m.observeTerm(ctx, req.Term) {
		if err := m.usable(); err != nil {
			return nil, err
		}
		if req.Term != m.ps.CurrentTerm {
			return &raftpd.AppendEntriesReply{Term: m.ps.CurrentTerm}, nil
		}
	}

	utils.Assert(!m.role.IsLeader(),
		"%s two leaders at term %d [other: %s]", m.id, req.Term, req.LeaderID)
	if m.role.IsCandidate() {
		/* a live leader of our term ends the candidacy */
		m.stepDownToFollower()
	}
	m.leaderID = req.LeaderID
	m.resetElectionTimer()

	if !m.ps.Initialized() {
		// A joiner without a snapshot has nothing to base entries on;
		// rejecting every append makes the leader ship one.
		log.Debugf("%s [term: %d] reject append before initialization",
			m.id, m.ps.CurrentTerm)
		return &raftpd.AppendEntriesReply{Term: m.ps.CurrentTerm}, nil
	}

	lg := &m.ps.Log
	prevIndex := req.Entries.PrevIndex
	reqLatest := req.Entries.LatestIndex()

	if prevIndex > lg.LatestIndex() {
		log.Debugf("%s [term: %d] reject append [prev: %d, latest: %d]",
			m.id, m.ps.CurrentTerm, prevIndex, lg.LatestIndex())
		return &raftpd.AppendEntriesReply{Term: m.ps.CurrentTerm}, nil
	}
	if prevIndex >= lg.PrevIndex &&
		lg.TermAt(prevIndex) != req.Entries.PrevTerm {
		log.Debugf("%s [term: %d] reject append [prev: (%d, %d), ours: %d]",
			m.id, m.ps.CurrentTerm, prevIndex, req.Entries.PrevTerm,
			lg.TermAt(prevIndex))
		return &raftpd.AppendEntriesReply{Term: m.ps.CurrentTerm}, nil
	}
	if prevIndex < lg.PrevIndex && reqLatest <= m.commitIndex {
		/* the whole request lies under our snapshot or commit point */
		return &raftpd.AppendEntriesReply{
			Term: m.ps.CurrentTerm, Success: true,
		}, nil
	}

	changed := false
	from := utils.MaxUint64(prevIndex, lg.PrevIndex) + 1
	for idx := from; idx <= reqLatest; idx++ {
		entry := req.Entries.EntryAt(idx)
		entry.CheckWellFormed()

		if idx <= lg.LatestIndex() {
			if lg.TermAt(idx) == entry.Term {
				continue
			}
			utils.Assert(idx > m.commitIndex,
				"%s append conflicts with committed entry %d", m.id, idx)
			m.stateMu.Acquire("truncate")
			lg.TruncateSuffixFrom(idx)
			m.stateMu.Release()
			log.Debugf("%s [term: %d] truncate conflicting suffix from %d",
				m.id, m.ps.CurrentTerm, idx)
		}
		m.appendToLog(*entry)
		changed = true
	}

	if changed {
		log.Debugf("%s [term: %d] append through %d from %s",
			m.id, m.ps.CurrentTerm, lg.LatestIndex(), req.LeaderID)
		if err := m.persist(ctx); err != nil {
			return nil, err
		}
		if m.ps.CurrentTerm != req.Term {
			return &raftpd.AppendEntriesReply{Term: m.ps.CurrentTerm}, nil
		}
	}

	if req.LeaderCommit > m.commitIndex {
		limit := utils.MinUint64(req.LeaderCommit, reqLatest)
		if limit > m.commitIndex {
			m.advanceCommitTo(limit)
		}
	}

	return &raftpd.AppendEntriesReply{
		Term: m.ps.CurrentTerm, Success: true,
	}, nil
}

// HandleInstallSnapshot answer an InstallSnapshot from a leader: adopt
// the shipped state, configuration and log base wholesale, discarding
// the local log. The first snapshot a joiner receives initializes it.
func (m *Member[S, C]) HandleInstallSnapshot(
	ctx context.Context, req *raftpd.InstallSnapshotRequest[S, C],
) (*raftpd.InstallSnapshotReply, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.usable(); err != nil {
		return nil, err
	}

	if req.Term < m.ps.CurrentTerm {
		log.Debugf("%s [term: %d] reject stale %v", m.id, m.ps.CurrentTerm, req)
		return &raftpd.InstallSnapshotReply{Term: m.ps.CurrentTerm}, nil
	}

	if m.observeTerm(ctx, req.Term) {
		if err := m.usable(); err != nil {
			return nil, err
		}
		if req.Term != m.ps.CurrentTerm {
			return &raftpd.InstallSnapshotReply{Term: m.ps.CurrentTerm}, nil
		}
	}

	utils.Assert(!m.role.IsLeader(),
		"%s two leaders at term %d [other: %s]", m.id, req.Term, req.LeaderID)
	if m.role.IsCandidate() {
		m.stepDownToFollower()
	}
	m.leaderID = req.LeaderID
	m.resetElectionTimer()

	if m.ps.Initialized() && req.LastIncludedIndex <= m.commitIndex {
		/* everything it covers is already committed here */
		log.Debugf("%s [term: %d] ignore stale snapshot [last: %d, commit: %d]",
			m.id, m.ps.CurrentTerm, req.LastIncludedIndex, m.commitIndex)
		return &raftpd.InstallSnapshotReply{Term: m.ps.CurrentTerm}, nil
	}

	wasInitialized := m.ps.Initialized()

	m.stateMu.Acquire("install")
	snapState := m.machine.Clone(req.SnapshotState)
	m.ps.SnapshotState = &snapState
	snapConfig := req.SnapshotConfig.Clone()
	m.ps.SnapshotConfig = &snapConfig
	m.ps.Log = raftpd.MakeLog[C](req.LastIncludedIndex, req.LastIncludedTerm)
	m.state = m.machine.Clone(req.SnapshotState)
	m.commitIndex = req.LastIncludedIndex
	m.lastApplied = req.LastIncludedIndex
	m.stateMu.Release()

	log.Infof("%s [term: %d] install snapshot [last: (%d, %d)] from %s",
		m.id, m.ps.CurrentTerm, req.LastIncludedIndex,
		req.LastIncludedTerm, req.LeaderID)

	if !wasInitialized {
		close(m.initialized)
	}

	if err := m.persist(ctx); err != nil {
		return nil, err
	}

	return &raftpd.InstallSnapshotReply{Term: m.ps.CurrentTerm}, nil
}
