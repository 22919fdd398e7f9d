package envior

import (
	"testing"
	"time"

	"github.com/thinkermao/network-simu-go"

	raftcore "github.com/thinkermao/raftcore/raft"
	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/simu/raft"
)

// Environment runs a cluster of nodes on the simulated network and
// gives tests the levers: crash, restart, partition, and the checks
// that the cluster still behaves.
type Environment struct {
	t            *testing.T
	net          network.Network
	totalNodes   int
	founderCount int
	nodes        []*raft.Node
}

// MakeEnvironment build a cluster of num founders, start everyone, and
// connect everyone.
func MakeEnvironment(t *testing.T, num int, unreliable bool) *Environment {
	return MakeCluster(t, num, num, unreliable)
}

// MakeCluster build a cluster of total nodes of which the first
// founders are founding members; the rest start as joiners and enter
// the cluster only through a membership change.
func MakeCluster(t *testing.T, total, founders int, unreliable bool) *Environment {
	builder := network.CreateBuilder()
	env := &Environment{}

	var nodes []*raft.Node
	for i := 0; i < total; i++ {
		handler := builder.AddEndpoint()
		nodes = append(nodes, raft.MakeNode(handler))
	}

	env.t = t
	env.net = builder.Build()
	env.totalNodes = total
	env.founderCount = founders
	env.nodes = nodes
	env.SetUnreliable(unreliable)

	for i := 0; i < total; i++ {
		if i < founders {
			env.Start1(i)
		} else {
			env.StartJoiner1(i)
		}
		env.Connect(i)
	}

	return env
}

func (env *Environment) founders() []conf.MemberID {
	return env.MemberIDs(0, env.founderCount)
}

// MemberIDs return the member names of servers [from, to).
func (env *Environment) MemberIDs(from, to int) []conf.MemberID {
	ids := make([]conf.MemberID, 0, to-from)
	for i := from; i < to; i++ {
		ids = append(ids, env.nodes[i].MemberID())
	}
	return ids
}

// Crash1 shut down a server but keep its persistent state.
func (env *Environment) Crash1(i int) {
	env.Disconnect(i)
	env.nodes[i].Shutdown()
}

// Start1 start or re-start a server. A running instance is stopped
// first; a restart recovers from the state it persisted.
func (env *Environment) Start1(i int) {
	if err := env.nodes[i].Start(env.founders()); err != nil {
		env.t.Fatalf("start %d: %v", i, err)
	}
}

// StartJoiner1 start or re-start server i as a joiner.
func (env *Environment) StartJoiner1(i int) {
	if err := env.nodes[i].StartJoiner(); err != nil {
		env.t.Fatalf("start joiner %d: %v", i, err)
	}
}

// Propose submit a command through server id.
func (env *Environment) Propose(id int, num int) bool {
	return env.nodes[id].Propose(num)
}

// ProposeMembership ask server i to reconfigure the cluster so that
// exactly the given servers vote.
func (env *Environment) ProposeMembership(i int, servers ...int) error {
	ids := make([]conf.MemberID, 0, len(servers))
	for _, s := range servers {
		ids = append(ids, env.nodes[s].MemberID())
	}
	return env.nodes[i].ProposeMembership(ids)
}

// IsCrash report whether server i is down.
func (env *Environment) IsCrash(i int) bool {
	return env.nodes[i].IsCrash()
}

// GetState return the term of server id and whether it leads.
func (env *Environment) GetState(id int) (uint64, bool) {
	return env.nodes[id].GetState()
}

// Node expose server i to scenario-specific plumbing.
func (env *Environment) Node(i int) *raft.Node {
	return env.nodes[i]
}

// Cleanup stop every server and verify the cluster-wide safety
// properties one last time.
func (env *Environment) Cleanup() {
	env.CheckInvariants()
	for i := 0; i < len(env.nodes); i++ {
		if env.nodes[i] != nil {
			env.nodes[i].Shutdown()
		}
	}
}

// CheckInvariants run the safety checker over every running member.
func (env *Environment) CheckInvariants() {
	members := []*raftcore.Member[raft.OpsState, int]{}
	for _, node := range env.nodes {
		if m := node.Member(); m != nil {
			members = append(members, m)
		}
	}
	if err := raftcore.CheckInvariants[raft.OpsState, int](
		raft.OpsMachine{}, members...); err != nil {
		env.t.Fatalf("invariant violated: %v", err)
	}
}

// Connect attach server i to the net.
func (env *Environment) Connect(i int) {
	env.net.Enable(i)
}

// Disconnect detach server i from the net.
func (env *Environment) Disconnect(i int) {
	env.net.Disable(i)
}

// GetCount how many network calls server i has made.
func (env *Environment) GetCount(server int) int {
	return int(env.net.GetCount(server))
}

// SetUnreliable make the network delay, drop and reorder messages.
func (env *Environment) SetUnreliable(unrel bool) {
	env.net.SetReliable(!unrel)
}

// CheckOneLeader check that there is exactly one leader among the
// connected servers, trying a few times in case re-elections are
// needed. Returns the leader.
func (env *Environment) CheckOneLeader() int {
	for iters := 0; iters < 10; iters++ {
		time.Sleep(raft.ElectionTimeout * time.Millisecond)
		env.CheckInvariants()

		leaders := make(map[int][]int)
		for i := 0; i < env.totalNodes; i++ {
			if env.net.IsEnable(i) {
				if t, leader := env.nodes[i].GetState(); leader {
					leaders[int(t)] = append(leaders[int(t)], i)
				}
			}
		}

		lastTermWithLeader := -1
		for t, leaders := range leaders {
			if len(leaders) > 1 {
				env.t.Fatalf("term %d has %d (>1) leaders", t, len(leaders))
			}
			if t > lastTermWithLeader {
				lastTermWithLeader = t
			}
		}

		if len(leaders) != 0 {
			return leaders[lastTermWithLeader][0]
		}
	}
	env.t.Fatalf("expected one leader, got none")
	return -1
}

// CheckTerms check that every connected server agrees on the term.
func (env *Environment) CheckTerms() int {
	term := -1
	for i := 0; i < env.totalNodes; i++ {
		if env.net.IsEnable(i) {
			xterm, _ := env.nodes[i].GetState()
			if term == -1 {
				term = int(xterm)
			} else if term != int(xterm) {
				env.t.Fatalf("servers disagree on term")
			}
		}
	}
	return term
}

// CheckNoLeader check that no connected server claims leadership.
func (env *Environment) CheckNoLeader() {
	for i := 0; i < env.totalNodes; i++ {
		if env.net.IsEnable(i) {
			_, isLeader := env.nodes[i].GetState()
			if isLeader {
				env.t.Fatalf("expected no leader, but %v claims to be leader", i)
			}
		}
	}
}

// CommittedNumber how many servers have applied the entry at op
// position index, and what value they applied there. Position counts
// regular commands only, 1-based.
func (env *Environment) CommittedNumber(index int) (int, int) {
	count := 0
	cmd := -1
	for i := 0; i < len(env.nodes); i++ {
		ops := env.nodes[i].Ops()
		if index <= len(ops) && index >= 1 {
			value := ops[index-1]
			if count > 0 && cmd != value {
				env.t.Fatalf("committed values do not match: index %v, %v, %v",
					index, cmd, value)
			}
			count++
			cmd = value
		}
	}
	return count, cmd
}

// Wait for at least n servers to apply position index, but don't wait
// forever. Gives up early when the term moves past startTerm.
func (env *Environment) Wait(index int, n int, startTerm int) int {
	to := 10 * time.Millisecond
	for iters := 0; iters < 30; iters++ {
		nd, _ := env.CommittedNumber(index)
		if nd >= n {
			break
		}
		time.Sleep(to)
		if to < time.Second {
			to *= 2
		}
		if startTerm > -1 {
			for _, node := range env.nodes {
				if t, _ := node.GetState(); int(t) > startTerm {
					// someone has moved on; can no longer guarantee
					// that we'll "win"
					return -1
				}
			}
		}
	}
	nd, cmd := env.CommittedNumber(index)
	if nd < n {
		env.t.Fatalf("only %d decided for index %d; wanted %d",
			nd, index, n)
	}
	return cmd
}

// WaitCommitted wait until at least n servers applied cmd at the same
// position; returns that position, or -1 when it does not happen in
// time.
func (env *Environment) WaitCommitted(cmd int, n int) int {
	to := 10 * time.Millisecond
	for iters := 0; iters < 30; iters++ {
		if index, nd := env.positionOf(cmd); nd >= n {
			return index
		}
		time.Sleep(to)
		if to < time.Second {
			to *= 2
		}
	}
	return -1
}

// One do a complete agreement on cmd. It might choose the wrong leader
// initially and have to re-submit after giving up; it entirely gives
// up after about 10 seconds. Commands in one test are distinct, so the
// op position of cmd identifies the agreement. Returns the position.
func (env *Environment) One(cmd int, expectedServers int) int {
	t0 := time.Now()
	starts := 0
	for time.Since(t0).Seconds() < 10 {
		// try all the servers, maybe one is the leader.
		proposed := false
		for si := 0; si < env.totalNodes; si++ {
			starts = (starts + 1) % env.totalNodes
			if env.nodes[starts].Propose(cmd) {
				proposed = true
				break
			}
		}

		if proposed {
			// somebody claimed to be the leader and to have accepted
			// our command; wait a while for agreement.
			t1 := time.Now()
			for time.Since(t1).Seconds() < 2 {
				if index, nd := env.positionOf(cmd); nd >= expectedServers {
					return index
				}
				time.Sleep(20 * time.Millisecond)
			}
		} else {
			time.Sleep(50 * time.Millisecond)
		}
	}
	env.t.Fatalf("One(%v) failed to reach agreement", cmd)
	return -1
}

// positionOf find the op position of cmd and count the servers that
// have applied it there.
func (env *Environment) positionOf(cmd int) (int, int) {
	index := -1
	for _, node := range env.nodes {
		ops := node.Ops()
		for pos := len(ops); pos >= 1; pos-- {
			if ops[pos-1] == cmd {
				if index != -1 && index != pos {
					env.t.Fatalf("command %v applied at both %v and %v",
						cmd, index, pos)
				}
				index = pos
				break
			}
		}
	}
	if index == -1 {
		return -1, 0
	}
	nd, _ := env.CommittedNumber(index)
	return index, nd
}
