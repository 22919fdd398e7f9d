package verify

import (
	"fmt"
	"testing"
	"time"

	envior "github.com/thinkermao/raftcore/simu/env"
	"github.com/thinkermao/raftcore/simu/raft"
)

// reconfigure keep proposing the membership change until a leader
// accepts it; leadership may move or an earlier change may still be in
// flight.
func reconfigure(t *testing.T, env *envior.Environment, servers ...int) {
	t0 := time.Now()
	for time.Since(t0).Seconds() < 10 {
		leader := env.CheckOneLeader()
		if err := env.ProposeMembership(leader, servers...); err == nil {
			return
		}
		sleep(raft.HeartbeatTimeout)
	}
	t.Fatalf("reconfigure(%v) never accepted", servers)
}

func TestRaft_AddMember(t *testing.T) {
	env := envior.MakeCluster(t, 4, 3, false)
	defer env.Cleanup()

	fmt.Printf("Test: add a member through joint consensus ...\n")

	env.One(101, 3)

	// the joiner holds no state until the leader installs a snapshot
	// as part of the transition.
	reconfigure(t, env, 0, 1, 2, 3)

	// agreement now needs the new member too.
	env.One(102, 4)
	env.One(103, 4)

	fmt.Printf("  ... Passed\n")
}

func TestRaft_RemoveLeader(t *testing.T) {
	servers := 3
	env := envior.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: remove the leader through joint consensus ...\n")

	env.One(201, servers)
	leader := env.CheckOneLeader()

	rest := []int{}
	for i := 0; i < servers; i++ {
		if i != leader {
			rest = append(rest, i)
		}
	}
	reconfigure(t, env, rest...)

	// once the final configuration commits, the removed leader steps
	// down and the rest elect among themselves.
	t0 := time.Now()
	for time.Since(t0).Seconds() < 10 {
		if _, isLeader := env.GetState(leader); !isLeader {
			break
		}
		sleep(raft.HeartbeatTimeout)
	}
	if _, isLeader := env.GetState(leader); isLeader {
		t.Fatalf("removed leader %v still leads", leader)
	}

	env.One(202, servers-1)

	fmt.Printf("  ... Passed\n")
}

func TestRaft_MemberCycle(t *testing.T) {
	env := envior.MakeCluster(t, 4, 3, false)
	defer env.Cleanup()

	fmt.Printf("Test: rotate membership one server at a time ...\n")

	env.One(301, 3)

	// bring in the spare, then retire server 0.
	reconfigure(t, env, 0, 1, 2, 3)
	env.One(302, 4)
	reconfigure(t, env, 1, 2, 3)
	env.One(303, 3)

	// the retired server keeps replying to stray traffic but never
	// counts toward agreement again.
	env.One(304, 3)

	fmt.Printf("  ... Passed\n")
}
