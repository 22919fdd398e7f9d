package raft

import (
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/peer"
	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/utils"
)

func (m *Member[S, C]) usable() error {
	if m.failure != nil {
		return m.failure
	}
	if m.stopped {
		return ErrStopped
	}
	return nil
}

// fail mark the member broken after a storage error. No further
// progress can be made safely; every running task is cancelled and
// every later call reports the failure.
func (m *Member[S, C]) fail(err error) {
	if m.failure != nil {
		return
	}
	log.Errorf("%s [term: %d] storage failure, member is dead: %v",
		m.id, m.ps.CurrentTerm, err)
	m.failure = err
	m.cancel()
	if m.roleCancel != nil {
		m.roleCancel()
		m.roleCancel = nil
	}
}

// persist flush the whole persistent-state image through the Storage
// port. The member mutex must be held on entry; it is released for the
// duration of the write and reacquired before returning, so callers
// must revalidate any volatile state they depend on. Concurrent callers
// are collapsed: a caller returns as soon as an image at least as new
// as its own mutations is durable. A write failure is fatal unless it
// was a cancellation.
func (m *Member[S, C]) persist(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}

	m.version++
	version := m.version
	image := m.ps.Clone(m.machine.Clone)
	m.mutex.Unlock()

	m.writeMu.Lock()
	var err error
	if m.written < version {
		if err = m.storage.Write(ctx, &image); err == nil {
			m.written = version
		}
	}
	m.writeMu.Unlock()

	m.mutex.Lock()
	if err != nil && ctx.Err() == nil {
		m.fail(err)
	}
	return err
}

// appendToLog push entry at the tail of the log. Only a leader appends
// entries originating at this member.
func (m *Member[S, C]) appendToLog(entry raftpd.Entry[C]) {
	m.stateMu.Acquire("append")
	m.ps.Log.Append(entry)
	m.stateMu.Release()
}

// configAt return the configuration in effect at index: the latest
// Configuration entry at or before it, falling back to the snapshot
// configuration. Members adopt a configuration the moment it appears in
// their log, before commit. Nil for an uninitialized joiner with an
// empty log.
func (m *Member[S, C]) configAt(index uint64) *conf.Complex {
	lg := &m.ps.Log
	from := utils.MinUint64(index, lg.LatestIndex())
	for i := from; i > lg.PrevIndex; i-- {
		if entry := lg.EntryAt(i); entry.Kind == raftpd.EntryConfig {
			return entry.Config
		}
	}
	return m.ps.SnapshotConfig
}

func (m *Member[S, C]) effectiveConfig() *conf.Complex {
	return m.configAt(m.ps.Log.LatestIndex())
}

// hasUncommittedConfig test whether a Configuration entry past the
// commit index is still in the log.
func (m *Member[S, C]) hasUncommittedConfig() bool {
	for i := m.ps.Log.LatestIndex(); i > m.commitIndex; i-- {
		if m.ps.Log.EntryAt(i).Kind == raftpd.EntryConfig {
			return true
		}
	}
	return false
}

func (m *Member[S, C]) resetElectionTimer() {
	m.lastHeard = m.clock.Now()
	m.electionTimeout = m.randomElectionTimeout()
}

func (m *Member[S, C]) randomElectionTimeout() time.Duration {
	span := m.opts.ElectionTimeoutMax - m.opts.ElectionTimeoutMin
	return m.opts.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(span)+1))
}

// watchdog fire from the Clock at watchdogInterval. A follower that has
// not heard from a leader for a full election timeout and is eligible
// under the effective configuration becomes candidate.
func (m *Member[S, C]) watchdog(now time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.usable() != nil || !m.role.IsFollower() {
		return
	}
	if !m.ps.Initialized() {
		/* a joiner without a snapshot can never lead */
		return
	}
	config := m.effectiveConfig()
	if !config.IsValidLeader(m.id) {
		return
	}
	if now.Sub(m.lastHeard) < m.electionTimeout {
		return
	}

	log.Debugf("%s [term: %d] election timeout after %v",
		m.id, m.ps.CurrentTerm, m.electionTimeout)
	m.becomeCandidate()
}

// stepDownToFollower cancel any candidate/leader task and revert to
// follower. The cancelled task observes its context at the next
// suspension point and takes no further action.
func (m *Member[S, C]) stepDownToFollower() {
	if m.roleCancel != nil {
		m.roleCancel()
		m.roleCancel = nil
	}
	if !m.role.IsFollower() {
		log.Debugf("%s [term: %d] %v step down to follower",
			m.id, m.ps.CurrentTerm, m.role)
	}
	m.role = RoleFollower
	m.peers = nil
	m.replicators = nil
	m.resetElectionTimer()
}

// observeTerm adopt a higher term carried by a message or reply: the
// vote clears, the known leader clears, any candidate/leader task is
// cancelled, and the new term is persisted before anything else happens
// under it. Reports whether the term changed.
func (m *Member[S, C]) observeTerm(ctx context.Context, term uint64) bool {
	if term <= m.ps.CurrentTerm {
		return false
	}
	log.Debugf("%s [term: %d] observed higher term %d",
		m.id, m.ps.CurrentTerm, term)

	m.ps.CurrentTerm = term
	m.ps.VotedFor = conf.NoMember
	m.leaderID = conf.NoMember
	m.stepDownToFollower()
	m.persist(ctx)
	return true
}

func (m *Member[S, C]) becomeCandidate() {
	utils.Assert(m.role.IsFollower(),
		"%s invalid transition [%v => Candidate]", m.id, m.role)

	m.role = RoleCandidate
	m.leaderID = conf.NoMember

	ctx, cancel := context.WithCancel(m.ctx)
	m.roleCancel = cancel
	m.wg.Add(1)
	go m.campaign(ctx)
}

func (m *Member[S, C]) leadingAt(term uint64) bool {
	return m.role.IsLeader() && m.ps.CurrentTerm == term && m.failure == nil
}

func (m *Member[S, C]) candidateAt(term uint64) bool {
	return m.role.IsCandidate() && m.ps.CurrentTerm == term && m.failure == nil
}

// campaign is the candidate-and-leader task. It runs as long as the
// member is candidate or leader and exits once deposed, elected and
// later deposed, or cancelled.
func (m *Member[S, C]) campaign(ctx context.Context) {
	defer m.wg.Done()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for ctx.Err() == nil && m.role.IsCandidate() && m.usable() == nil {
		term, ok := m.startCandidacy(ctx)
		if !ok {
			return
		}

		elected := m.elected
		timer := time.NewTimer(m.randomElectionTimeout())
		m.mutex.Unlock()

		select {
		case <-ctx.Done():
			timer.Stop()
			m.mutex.Lock()
			return
		case <-elected:
			timer.Stop()
			m.mutex.Lock()
			if ctx.Err() == nil && m.candidateAt(term) {
				m.lead(ctx, term)
			}
			return
		case <-timer.C:
			m.mutex.Lock()
			/* no quorum before the timer fired: run another round */
		}
	}
}

// startCandidacy begin one election round: bump the term, vote for
// ourselves, persist, and send RequestVote to every voter of the
// effective configuration. Reports the candidacy term and whether the
// round is live after the persistence suspension.
func (m *Member[S, C]) startCandidacy(ctx context.Context) (uint64, bool) {
	m.ps.CurrentTerm++
	m.ps.VotedFor = m.id
	m.leaderID = conf.NoMember

	term := m.ps.CurrentTerm
	m.elected = make(chan struct{}, 1)

	config := m.effectiveConfig()
	utils.AssertNotNil(config, "%s candidate without configuration", m.id)
	voters := config.Voters()
	quorumConfig := config.Clone()

	m.peers = make(map[conf.MemberID]*peer.Progress)
	nextIdx := m.ps.Log.LatestIndex() + 1
	for id := range config.AllMembers() {
		if id != m.id {
			m.peers[id] = peer.MakeProgress(m.id, id, nextIdx)
		}
	}

	lastIdx := m.ps.Log.LatestIndex()
	lastTerm := m.ps.Log.TermAt(lastIdx)

	log.Infof("%s become candidate at term %d [last: (%d, %d)]",
		m.id, term, lastIdx, lastTerm)

	if err := m.persist(ctx); err != nil {
		return term, false
	}
	if ctx.Err() != nil || !m.candidateAt(term) {
		return term, false
	}

	/* a single-voter cluster elects itself without any RPC */
	if quorumConfig.IsQuorum(map[conf.MemberID]bool{m.id: true}) {
		m.elected <- struct{}{}
		return term, true
	}

	req := &raftpd.RequestVoteRequest{
		Term:         term,
		CandidateID:  m.id,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	for id := range voters {
		if id == m.id {
			continue
		}
		m.wg.Add(1)
		go m.requestVote(ctx, term, &quorumConfig, id, req)
	}
	return term, true
}

func (m *Member[S, C]) requestVote(
	ctx context.Context,
	term uint64,
	config *conf.Complex,
	dest conf.MemberID,
	req *raftpd.RequestVoteRequest,
) {
	defer m.wg.Done()

	reply, err := m.network.SendRequestVote(ctx, dest, req)
	if err != nil {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.observeTerm(ctx, reply.Term) {
		return
	}
	if ctx.Err() != nil || !m.candidateAt(term) {
		return
	}
	p := m.peers[dest]
	if p == nil {
		return
	}
	p.UpdateVoteState(reply.VoteGranted)

	log.Debugf("%s [term: %d] received vote %v from %s",
		m.id, term, reply.VoteGranted, dest)

	granted := map[conf.MemberID]bool{m.id: true}
	for _, q := range m.peers {
		if q.Vote == peer.VoteGranted {
			granted[q.ID] = true
		}
	}
	if config.IsQuorum(granted) {
		select {
		case m.elected <- struct{}{}:
		default:
		}
	}
}

// lead run the member as leader for term. Entered with the mutex held
// from the campaign task; returns once deposed or cancelled.
func (m *Member[S, C]) lead(ctx context.Context, term uint64) {
	m.role = RoleLeader
	m.leaderID = m.id

	m.replicators = make(map[conf.MemberID]*replicator)
	nextIdx := m.ps.Log.LatestIndex() + 1
	for _, p := range m.peers {
		p.Reset(nextIdx)
	}

	/* committing a no-op of the new term commits everything before it */
	m.appendToLog(raftpd.MakeNoOp[C](term))

	log.Infof("%s become leader at term %d [prev: %d, latest: %d]",
		m.id, term, m.ps.Log.PrevIndex, m.ps.Log.LatestIndex())

	if err := m.persist(ctx); err != nil {
		return
	}
	if ctx.Err() != nil || !m.leadingAt(term) {
		return
	}

	m.refreshReplicators(term)
	m.maybeCommit(ctx, term)
	if !m.leadingAt(term) {
		return
	}

	m.mutex.Unlock()
	<-ctx.Done()
	m.mutex.Lock()
}

// refreshReplicators align the per-peer replicator tasks with the
// effective configuration: spawn one for every other member of the
// union, cancel those for members no longer present.
func (m *Member[S, C]) refreshReplicators(term uint64) {
	if !m.leadingAt(term) || m.roleCancel == nil {
		return
	}
	targets := m.effectiveConfig().AllMembers()
	delete(targets, m.id)

	for id := range targets {
		if _, ok := m.replicators[id]; ok {
			continue
		}
		if m.peers[id] == nil {
			m.peers[id] = peer.MakeProgress(m.id, id, m.ps.Log.LatestIndex()+1)
		}
		ctx, cancel := context.WithCancel(m.ctx)
		r := &replicator{cancel: cancel, kick: make(chan struct{}, 1)}
		m.replicators[id] = r
		m.wg.Add(1)
		go m.replicate(ctx, term, id, r)
	}
	for id, r := range m.replicators {
		if !targets[id] {
			log.Debugf("%s [term: %d] drop replicator for removed member %s",
				m.id, term, id)
			r.cancel()
			delete(m.replicators, id)
			delete(m.peers, id)
		}
	}
}

// kickReplicators wake every replicator so new entries go out without
// waiting for the heartbeat interval.
func (m *Member[S, C]) kickReplicators() {
	for _, r := range m.replicators {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

func (m *Member[S, C]) reachable(id conf.MemberID) bool {
	connected := m.network.ConnectedMembers()
	/* a transport that does not track liveness reports nil */
	return connected == nil || connected[id]
}

// replicate is the per-peer leader task: it pushes AppendEntries and
// InstallSnapshot to one peer until cancelled, pacing empty heartbeats
// at the heartbeat interval and draining backlog immediately.
func (m *Member[S, C]) replicate(
	ctx context.Context, term uint64, id conf.MemberID, r *replicator) {
	defer m.wg.Done()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for {
		if ctx.Err() != nil || !m.leadingAt(term) {
			return
		}
		p := m.peers[id]
		if p == nil {
			return
		}

		backlog := false
		if m.reachable(id) {
			if p.NextIdx <= m.ps.Log.PrevIndex || p.NeedsSnapshot() {
				m.replicateSnapshot(ctx, term, p)
			} else {
				backlog = m.replicateAppend(ctx, term, p)
			}
		} else {
			p.HandleUnreachable()
		}
		if backlog {
			continue
		}

		m.mutex.Unlock()
		timer := time.NewTimer(m.opts.HeartbeatInterval)
		select {
		case <-ctx.Done():
		case <-r.kick:
		case <-timer.C:
		}
		timer.Stop()
		m.mutex.Lock()
	}
}

// replicateAppend send one AppendEntries to p and handle the reply.
// Reports whether more entries are pending for the peer. The mutex is
// released around the send.
func (m *Member[S, C]) replicateAppend(
	ctx context.Context, term uint64, p *peer.Progress) bool {
	req := &raftpd.AppendEntriesRequest[C]{
		Term:         term,
		LeaderID:     m.id,
		Entries:      m.ps.Log.SliceFrom(p.NextIdx),
		LeaderCommit: m.commitIndex,
	}
	lastSent := req.Entries.LatestIndex()
	dest := p.ID

	log.Debugf("%s [term: %d] send append to %s [prev: (%d, %d), entries: %d, commit: %d]",
		m.id, term, dest, req.Entries.PrevIndex, req.Entries.PrevTerm,
		len(req.Entries.Entries), req.LeaderCommit)

	m.mutex.Unlock()
	reply, err := m.network.SendAppendEntries(ctx, dest, req)
	m.mutex.Lock()

	if ctx.Err() != nil || !m.leadingAt(term) || m.peers[dest] != p {
		return false
	}
	if err != nil {
		p.HandleUnreachable()
		return false
	}
	if m.observeTerm(ctx, reply.Term) {
		return false
	}

	if !reply.Success && req.Entries.PrevIndex == m.ps.Log.PrevIndex {
		// The peer rejected our snapshot boundary itself; there is
		// nothing earlier to back off to.
		p.MarkNeedSnapshot()
		return true
	}
	if p.HandleAppendEntries(reply.Success, lastSent) {
		m.maybeCommit(ctx, term)
	}
	return m.leadingAt(term) && m.peers[dest] == p &&
		p.NextIdx <= m.ps.Log.LatestIndex()
}

// replicateSnapshot send the current snapshot to p and handle the
// reply. The mutex is released around the send.
func (m *Member[S, C]) replicateSnapshot(
	ctx context.Context, term uint64, p *peer.Progress) {
	utils.AssertNotNil(m.ps.SnapshotState,
		"%s leader without snapshot cannot install one", m.id)

	req := &raftpd.InstallSnapshotRequest[S, C]{
		Term:              term,
		LeaderID:          m.id,
		LastIncludedIndex: m.ps.Log.PrevIndex,
		LastIncludedTerm:  m.ps.Log.PrevTerm,
		SnapshotState:     m.machine.Clone(*m.ps.SnapshotState),
		SnapshotConfig:    m.ps.SnapshotConfig.Clone(),
	}
	dest := p.ID
	p.SendSnapshot(req.LastIncludedIndex)

	log.Infof("%s [term: %d] send snapshot [last: (%d, %d)] to %s",
		m.id, term, req.LastIncludedIndex, req.LastIncludedTerm, dest)

	m.mutex.Unlock()
	reply, err := m.network.SendInstallSnapshot(ctx, dest, req)
	m.mutex.Lock()

	if ctx.Err() != nil || !m.leadingAt(term) || m.peers[dest] != p {
		return
	}
	if err != nil {
		p.HandleUnreachable()
		return
	}
	if m.observeTerm(ctx, reply.Term) {
		return
	}
	p.HandleSnapshot(req.LastIncludedIndex)
	m.maybeCommit(ctx, term)
}

// maybeCommit advance the commit index to the highest N replicated on a
// quorum whose entry is of the current term, then apply and run the
// reconfiguration follow-ups. Leader only.
func (m *Member[S, C]) maybeCommit(ctx context.Context, term uint64) {
	if !m.leadingAt(term) {
		return
	}
	config := m.effectiveConfig()
	latest := m.ps.Log.LatestIndex()

	n := m.commitIndex
	for idx := m.commitIndex + 1; idx <= latest; idx++ {
		if m.ps.Log.TermAt(idx) != term {
			// an entry from an earlier term never forms a quorum by
			// itself; it commits transitively. §5.4.2
			continue
		}
		holders := map[conf.MemberID]bool{m.id: true}
		for _, p := range m.peers {
			if p.Matched >= idx {
				holders[p.ID] = true
			}
		}
		if config.IsQuorum(holders) {
			n = idx
		}
	}

	if n > m.commitIndex {
		m.advanceCommitTo(n)
		m.kickReplicators()
		m.leaderReconfigStep(ctx, term)
	}
}

// advanceCommitTo move the commit index forward and apply every newly
// committed entry in index order.
func (m *Member[S, C]) advanceCommitTo(index uint64) {
	utils.Assert(index >= m.commitIndex,
		"%s commit index moved backwards [%d => %d]", m.id, m.commitIndex, index)
	utils.Assert(index <= m.ps.Log.LatestIndex(),
		"%s commit past the log [%d, latest: %d]", m.id, index, m.ps.Log.LatestIndex())
	utils.Assert(m.ps.Initialized(),
		"%s commit before initialization", m.id)

	m.stateMu.Acquire("commit")
	m.commitIndex = index
	for m.lastApplied < m.commitIndex {
		idx := m.lastApplied + 1
		entry := m.ps.Log.EntryAt(idx)
		if entry.Kind == raftpd.EntryRegular {
			m.machine.Apply(&m.state, *entry.Change)
		}
		m.lastApplied = idx
	}
	m.stateMu.Release()

	log.Debugf("%s [term: %d] commit and apply through %d",
		m.id, m.ps.CurrentTerm, index)
}

// leaderReconfigStep run the joint-consensus follow-ups after the
// commit index moved: once the joint entry commits, append the final
// simple configuration; once that commits, step down if we are not a
// member of it.
func (m *Member[S, C]) leaderReconfigStep(ctx context.Context, term uint64) {
	if !m.leadingAt(term) {
		return
	}
	committed := m.configAt(m.commitIndex)
	if committed == nil {
		return
	}

	if committed.IsJoint() && !m.hasUncommittedConfig() {
		/* phase two: replace the joint entry with the target config */
		final := conf.MakeComplex(committed.New.Clone())
		m.appendToLog(raftpd.MakeConfigEntry[C](term, final))

		log.Infof("%s [term: %d] joint configuration committed, propose final at %d",
			m.id, term, m.ps.Log.LatestIndex())

		if err := m.persist(ctx); err != nil {
			return
		}
		if !m.leadingAt(term) {
			return
		}
		m.refreshReplicators(term)
		m.kickReplicators()
		m.maybeCommit(ctx, term)
		return
	}

	if !committed.IsJoint() && committed == m.effectiveConfig() &&
		!committed.IsValidLeader(m.id) {
		log.Infof("%s [term: %d] removed by committed configuration, step down",
			m.id, term)
		m.stepDownToFollower()
	}
}
