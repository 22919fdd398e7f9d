package verify

import (
	"fmt"
	"testing"

	envior "github.com/thinkermao/raftcore/simu/env"
	"github.com/thinkermao/raftcore/simu/raft"
)

func TestRaft_BasicAgree(t *testing.T) {
	servers := 5
	env := envior.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: basic agreement ...\n")

	iters := 6
	for index := 1; index <= iters; index++ {
		nd, _ := env.CommittedNumber(index)
		if nd > 0 {
			t.Fatalf("some have committed before Propose()")
		}

		xindex := env.One(index*100, servers)
		if xindex != index {
			t.Fatalf("got index %v but expected %v", xindex, index)
		}
	}

	fmt.Printf("  ... Passed\n")
}

func TestRaft_FailAgree(t *testing.T) {
	servers := 3
	env := envior.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: agreement despite follower disconnection ...\n")

	env.One(101, servers)

	// follower network disconnection
	leader := env.CheckOneLeader()
	env.Disconnect((leader + 1) % servers)

	// agree despite one disconnected server?
	env.One(102, servers-1)
	env.One(103, servers-1)
	sleep(raft.ElectionTimeout)
	env.One(104, servers-1)
	env.One(105, servers-1)

	// re-connect
	env.Connect((leader + 1) % servers)

	// agree with full set of servers?
	env.One(106, servers)
	sleep(raft.ElectionTimeout)
	env.One(107, servers)

	fmt.Printf("  ... Passed\n")
}

func TestRaft_FailNoAgree(t *testing.T) {
	servers := 5
	env := envior.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: no agreement if too many followers disconnect ...\n")

	env.One(10, servers)

	// 3 of the 4 followers disconnect
	leader := env.CheckOneLeader()
	env.Disconnect((leader + 1) % servers)
	env.Disconnect((leader + 2) % servers)
	env.Disconnect((leader + 3) % servers)

	if !env.Propose(leader, 20) {
		t.Fatalf("leader rejected Propose()")
	}

	sleep(2 * raft.ElectionTimeout)

	if nd, _ := env.CommittedNumber(2); nd > 0 {
		t.Fatalf("%v committed but no majority", nd)
	}

	// repair
	env.Connect((leader + 1) % servers)
	env.Connect((leader + 2) % servers)
	env.Connect((leader + 3) % servers)

	// the disconnected majority may have elected its own leader and
	// forgotten the 20; either way the cluster must agree again.
	env.CheckOneLeader()
	env.One(1000, servers)

	fmt.Printf("  ... Passed\n")
}
