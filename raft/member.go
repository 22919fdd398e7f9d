package raft

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/peer"
	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/utils"
)

// Member is one member of a raft cluster. It owns the persistent state,
// the applied state machine, and the volatile role bookkeeping; it
// reaches the outside world only through the Storage, Network and Clock
// ports. Member is thread-safe.
type Member[S, C any] struct {
	// mutex serializes every access to member state. It is released
	// around Storage writes and Network sends; any code that reacquires
	// it after a suspension revalidates the state it depends on.
	mutex sync.Mutex

	// writeMu serializes Storage writes; see persist. Never acquired
	// while holding mutex.
	writeMu sync.Mutex

	// stateMu is the debug assertion guarding writes to the log, the
	// snapshot, the applied state, commitIndex and lastApplied. Such
	// writes never interleave with each other.
	stateMu utils.MutexAssert

	id      conf.MemberID
	machine Machine[S, C]
	storage Storage[S, C]
	network Network[S, C]
	clock   Clock
	opts    Options

	// Fields need to be persistent.
	ps    raftpd.PersistentState[S, C]
	state S // applied state; meaningless until initialized

	// Fields just keep in memory.
	commitIndex uint64
	lastApplied uint64

	role            Role
	leaderID        conf.MemberID
	lastHeard       time.Time
	electionTimeout time.Duration

	// candidate/leader bookkeeping; nil while follower.
	peers       map[conf.MemberID]*peer.Progress
	replicators map[conf.MemberID]*replicator
	elected     chan struct{}

	// roleCancel interrupts the running candidate/leader task.
	roleCancel context.CancelFunc

	// version counts persistent-state mutations; written (guarded by
	// writeMu) is the highest version known durable.
	version uint64
	written uint64

	initialized chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopTimer func()

	stopped bool
	failure error
}

type replicator struct {
	cancel context.CancelFunc
	kick   chan struct{}
}

// New build a Member from its ports and a persistent state image, which
// is either raftpd.MakeInitial / raftpd.MakeJoin for a fresh member or
// the image read back from storage after a restart. The watchdog starts
// immediately; call Stop to tear the member down.
func New[S, C any](
	id conf.MemberID,
	machine Machine[S, C],
	ps raftpd.PersistentState[S, C],
	storage Storage[S, C],
	network Network[S, C],
	clock Clock,
	opts Options,
) (*Member[S, C], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	utils.AssertNotNil(machine, "%s machine is required", id)
	utils.AssertNotNil(storage, "%s storage is required", id)
	utils.AssertNotNil(network, "%s network is required", id)
	utils.AssertNotNil(clock, "%s clock is required", id)

	m := &Member[S, C]{
		id:      id,
		machine: machine,
		storage: storage,
		network: network,
		clock:   clock,
		opts:    opts,
	}
	m.ps = ps
	m.commitIndex = ps.Log.PrevIndex
	m.lastApplied = ps.Log.PrevIndex
	m.role = RoleFollower
	m.leaderID = conf.NoMember
	m.initialized = make(chan struct{})
	if m.ps.Initialized() {
		utils.AssertNotNil(m.ps.SnapshotState,
			"%s snapshot config without snapshot state", id)
		m.state = machine.Clone(*m.ps.SnapshotState)
		close(m.initialized)
	} else {
		utils.Assert(m.ps.Log.PrevIndex == 0,
			"%s compacted log without snapshot", id)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.resetElectionTimer()
	m.stopTimer = clock.Periodic(opts.watchdogInterval(), m.watchdog)

	log.Debugf("%s build raft member at term %d [prev: %d, latest: %d, commit: %d]",
		m.id, m.ps.CurrentTerm, m.ps.Log.PrevIndex,
		m.ps.Log.LatestIndex(), m.commitIndex)

	return m, nil
}

// Stop tear the member down: the watchdog stops, the candidate/leader
// task and every replicator is cancelled, and the call blocks until all
// of them have drained. Any later call returns ErrStopped.
func (m *Member[S, C]) Stop() {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return
	}
	m.stopped = true
	m.stopTimer()
	m.cancel()
	if m.roleCancel != nil {
		m.roleCancel()
		m.roleCancel = nil
	}
	log.Debugf("%s [term: %d] stopping", m.id, m.ps.CurrentTerm)
	m.mutex.Unlock()

	m.wg.Wait()
}

// ID return the member id.
func (m *Member[S, C]) ID() conf.MemberID {
	return m.id
}

// InitializedSignal return a channel closed once the state machine is
// valid: immediately for founders, after the first InstallSnapshot for
// joiners.
func (m *Member[S, C]) InitializedSignal() <-chan struct{} {
	return m.initialized
}

// CurrentState return a copy of the applied state. Usable only after
// InitializedSignal has fired.
func (m *Member[S, C]) CurrentState() S {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	utils.Assert(m.ps.Initialized(),
		"%s current state read before initialization", m.id)
	return m.machine.Clone(m.state)
}

// LeaderHint return the believed leader of the current term, or
// conf.NoMember when none is known.
func (m *Member[S, C]) LeaderHint() conf.MemberID {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.role.IsLeader() {
		return m.id
	}
	return m.leaderID
}

// GetState return the current term and whether this member is leader.
func (m *Member[S, C]) GetState() (uint64, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.ps.CurrentTerm, m.role.IsLeader()
}

// Status describe a point-in-time view of the member.
type Status struct {
	ID          conf.MemberID
	Term        uint64
	Role        Role
	Leader      conf.MemberID
	CommitIndex uint64
	LastApplied uint64
	PrevIndex   uint64
	LatestIndex uint64
}

// Status return a point-in-time view of the member.
func (m *Member[S, C]) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return Status{
		ID:          m.id,
		Term:        m.ps.CurrentTerm,
		Role:        m.role,
		Leader:      m.leaderID,
		CommitIndex: m.commitIndex,
		LastApplied: m.lastApplied,
		PrevIndex:   m.ps.Log.PrevIndex,
		LatestIndex: m.ps.Log.LatestIndex(),
	}
}

// Configuration return the configuration currently in effect: the
// latest one in the log, committed or not. ok is false for an
// uninitialized joiner that has not seen any configuration yet.
func (m *Member[S, C]) Configuration() (conf.Complex, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	config := m.effectiveConfig()
	if config == nil {
		return conf.Complex{}, false
	}
	return config.Clone(), true
}

// ProposeChange append change to the replicated log. It returns once
// the entry is durable locally and queued for replication; commit is
// asynchronous. A non-leader rejects the call with ErrNotLeader.
func (m *Member[S, C]) ProposeChange(ctx context.Context, change C) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.usable(); err != nil {
		return err
	}
	if !m.role.IsLeader() {
		return ErrNotLeader
	}

	term := m.ps.CurrentTerm
	m.appendToLog(raftpd.MakeRegular(term, change))
	index := m.ps.Log.LatestIndex()

	log.Debugf("%s [term: %d] propose change at %d", m.id, term, index)

	if err := m.persist(ctx); err != nil {
		return err
	}
	if m.leadingAt(term) {
		m.maybeCommit(ctx, term)
		m.kickReplicators()
	}
	return nil
}

// ProposeConfigChange start a joint-consensus transition to next. It
// rejects with ErrReconfigInProgress while an earlier reconfiguration
// has not finished, and with ErrNotLeader on a non-leader.
func (m *Member[S, C]) ProposeConfigChange(ctx context.Context, next conf.Config) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.usable(); err != nil {
		return err
	}
	if !m.role.IsLeader() {
		return ErrNotLeader
	}
	current := m.effectiveConfig()
	utils.AssertNotNil(current, "%s leader without configuration", m.id)
	if current.IsJoint() || m.hasUncommittedConfig() {
		return ErrReconfigInProgress
	}

	term := m.ps.CurrentTerm
	joint := conf.MakeJoint(current.Config, next)
	m.appendToLog(raftpd.MakeConfigEntry[C](term, joint))

	log.Infof("%s [term: %d] propose joint configuration at %d",
		m.id, term, m.ps.Log.LatestIndex())

	if err := m.persist(ctx); err != nil {
		return err
	}
	if m.leadingAt(term) {
		m.refreshReplicators(term)
		m.maybeCommit(ctx, term)
		m.kickReplicators()
	}
	return nil
}

// Compact snapshot the applied state and truncate the log through the
// applied index. It returns the last included index of the resulting
// snapshot. Compacting an uninitialized member is a programming error.
func (m *Member[S, C]) Compact(ctx context.Context) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.usable(); err != nil {
		return 0, err
	}
	utils.Assert(m.ps.Initialized(), "%s compact before initialization", m.id)

	if m.lastApplied <= m.ps.Log.PrevIndex {
		return m.ps.Log.PrevIndex, nil
	}

	index := m.lastApplied
	config := m.configAt(index)

	m.stateMu.Acquire("compact")
	snapState := m.machine.Clone(m.state)
	m.ps.SnapshotState = &snapState
	snapConfig := config.Clone()
	m.ps.SnapshotConfig = &snapConfig
	m.ps.Log.TruncatePrefixThrough(index)
	m.stateMu.Release()

	log.Infof("%s [term: %d] compact log through %d",
		m.id, m.ps.CurrentTerm, index)

	if err := m.persist(ctx); err != nil {
		return 0, err
	}
	return index, nil
}
