/*
Package raft implements the Raft consensus algorithm, generic over the
replicated state machine.

A Member replicates a totally-ordered log of changes to a cluster,
elects a single leader per term, commits entries once a quorum holds
them, applies committed entries in index order, and reconfigures the
membership set atomically through joint consensus. Log compaction via
snapshots is integrated.

The engine reaches the outside world only through three narrow ports:
Storage persists the whole PersistentState image, Network carries the
three RPC pairs, and Clock drives the election watchdog. Everything
else (the concrete transport, the on-disk format, discovery) lives in
the embedding process.

Typical wiring:

	machine := counterMachine{}
	ps := raftpd.MakeInitial[int, int](0, conf.MakeConfig("a", "b", "c"))
	m, err := raft.New("a", machine, ps, store, net, raft.WallClock{}, raft.DefaultOptions())
	...
	m.ProposeChange(ctx, 5)

Inbound RPCs are fed through HandleRequestVote, HandleAppendEntries
and HandleInstallSnapshot; the transport is responsible for delivering
the returned replies.
*/
package raft
