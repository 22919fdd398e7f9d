package raft

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/thinkermao/network-simu-go"

	raftcore "github.com/thinkermao/raftcore/raft"
	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/raft/storage"
)

// ElectionTimeout is the longest election timeout of the simulation,
// in milliseconds. Tests sleep multiples of it.
const ElectionTimeout = 600

// HeartbeatTimeout is the leader's heartbeat interval in milliseconds.
const HeartbeatTimeout = 100

func simOptions() raftcore.Options {
	return raftcore.Options{
		ElectionTimeoutMin: 300 * time.Millisecond,
		ElectionTimeoutMax: ElectionTimeout * time.Millisecond,
		HeartbeatInterval:  100 * time.Millisecond,
	}
}

// MemberIDOf name the member living at a simulated endpoint.
func MemberIDOf(end int) conf.MemberID {
	return conf.MemberID("n" + strconv.Itoa(end))
}

func endpointOf(id conf.MemberID) (int, bool) {
	s := string(id)
	if len(s) < 2 || s[0] != 'n' {
		return 0, false
	}
	end, err := strconv.Atoi(s[1:])
	return end, err == nil
}

// Node hosts one member on the simulated network. The in-memory
// storage outlives the member, so a crashed node restarts from the
// image it persisted before the crash.
type Node struct {
	handler network.Handler
	net     *simNetwork
	storage *storage.Memory[OpsState, int]
	machine OpsMachine

	mutex  sync.Mutex
	member *raftcore.Member[OpsState, int]
}

// MakeNode bind a node to a simulated endpoint. The member itself is
// built by Start.
func MakeNode(handler network.Handler) *Node {
	node := &Node{
		handler: handler,
		storage: storage.NewMemory[OpsState, int](OpsMachine{}.Clone),
	}
	node.net = makeSimNetwork(node, handler, endpointOf)
	handler.BindReceiver(node.net.receive)
	return node
}

// ID return the simulated endpoint id.
func (node *Node) ID() int {
	return node.handler.ID()
}

// MemberID return the member name of this node.
func (node *Node) MemberID() conf.MemberID {
	return MemberIDOf(node.handler.ID())
}

// Start build and run the member: from the persisted image after a
// crash, as a founder of the given configuration on the very first
// start. A running member is stopped first.
func (node *Node) Start(founders []conf.MemberID) error {
	node.Shutdown()

	ps, ok := node.storage.Image()
	if !ok {
		voting := conf.MakeConfig(founders...)
		ps = raftpd.MakeInitial[OpsState, int](OpsState{}, voting)
	}
	return node.start(ps)
}

// StartJoiner build and run the member as a joiner: uninitialized
// until the leader installs the first snapshot.
func (node *Node) StartJoiner() error {
	node.Shutdown()

	ps, ok := node.storage.Image()
	if !ok {
		ps = raftpd.MakeJoin[OpsState, int]()
	}
	return node.start(ps)
}

func (node *Node) start(ps raftpd.PersistentState[OpsState, int]) error {
	member, err := raftcore.New[OpsState, int](
		node.MemberID(), node.machine, ps,
		node.storage, node.net, raftcore.WallClock{}, simOptions())
	if err != nil {
		return err
	}

	node.mutex.Lock()
	node.member = member
	node.mutex.Unlock()
	return nil
}

// Shutdown stop the member, keeping the persisted image for a restart.
func (node *Node) Shutdown() {
	node.mutex.Lock()
	member := node.member
	node.member = nil
	node.mutex.Unlock()

	if member != nil {
		member.Stop()
	}
}

// IsCrash report whether no member is running.
func (node *Node) IsCrash() bool {
	return node.runningMember() == nil
}

func (node *Node) runningMember() *raftcore.Member[OpsState, int] {
	node.mutex.Lock()
	defer node.mutex.Unlock()
	return node.member
}

// Member expose the running member to the invariant checker; nil while
// crashed.
func (node *Node) Member() *raftcore.Member[OpsState, int] {
	return node.runningMember()
}

// Propose submit a command, reporting whether this node accepted it as
// leader.
func (node *Node) Propose(cmd int) bool {
	member := node.runningMember()
	if member == nil {
		return false
	}
	return member.ProposeChange(context.Background(), cmd) == nil
}

// ProposeMembership start a reconfiguration toward the given voting
// set.
func (node *Node) ProposeMembership(voting []conf.MemberID) error {
	member := node.runningMember()
	if member == nil {
		return raftcore.ErrStopped
	}
	next := conf.MakeConfig(voting...)
	return member.ProposeConfigChange(context.Background(), next)
}

// Compact snapshot the applied state and truncate the log.
func (node *Node) Compact() (uint64, error) {
	member := node.runningMember()
	if member == nil {
		return 0, raftcore.ErrStopped
	}
	return member.Compact(context.Background())
}

// GetState return the current term and whether this node leads.
func (node *Node) GetState() (uint64, bool) {
	member := node.runningMember()
	if member == nil {
		return 0, false
	}
	return member.GetState()
}

// Ops return the applied command sequence, or nil while crashed or not
// yet initialized.
func (node *Node) Ops() []int {
	member := node.runningMember()
	if member == nil {
		return nil
	}
	select {
	case <-member.InitializedSignal():
	default:
		return nil
	}
	return member.CurrentState().Ops
}

// StorageWrites count the images persisted so far.
func (node *Node) StorageWrites() int {
	return node.storage.Writes()
}
