package raft

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/thinkermao/network-simu-go"

	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/utils/pd"
)

// replyTimeout bounds how long a sender waits for the answering
// Packet; a partitioned peer simply never answers.
const replyTimeout = 1000 * time.Millisecond

var errReplyTimeout = errors.New("simu: no reply before timeout")

// simNetwork adapts the one-way simulated datagram network to the
// engine's blocking Network port. Requests carry a fresh id; the
// receiver answers with a reply Packet and the sender matches it back
// to the waiting call.
type simNetwork struct {
	node    *Node
	handler network.Handler
	route   func(conf.MemberID) (int, bool)

	mutex   sync.Mutex
	pending map[string]chan []byte
}

func makeSimNetwork(
	node *Node, handler network.Handler,
	route func(conf.MemberID) (int, bool),
) *simNetwork {
	return &simNetwork{
		node:    node,
		handler: handler,
		route:   route,
		pending: make(map[string]chan []byte),
	}
}

// ConnectedMembers is advisory; the simulated network drops traffic to
// partitioned endpoints itself.
func (sn *simNetwork) ConnectedMembers() map[conf.MemberID]bool {
	return nil
}

func (sn *simNetwork) SendRequestVote(
	ctx context.Context, dest conf.MemberID,
	req *raftpd.RequestVoteRequest,
) (*raftpd.RequestVoteReply, error) {
	var reply raftpd.RequestVoteReply
	if err := sn.roundTrip(ctx, dest, kindRequestVote, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (sn *simNetwork) SendAppendEntries(
	ctx context.Context, dest conf.MemberID,
	req *raftpd.AppendEntriesRequest[int],
) (*raftpd.AppendEntriesReply, error) {
	var reply raftpd.AppendEntriesReply
	if err := sn.roundTrip(ctx, dest, kindAppendEntries, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (sn *simNetwork) SendInstallSnapshot(
	ctx context.Context, dest conf.MemberID,
	req *raftpd.InstallSnapshotRequest[OpsState, int],
) (*raftpd.InstallSnapshotReply, error) {
	var reply raftpd.InstallSnapshotReply
	if err := sn.roundTrip(ctx, dest, kindInstallSnapshot, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (sn *simNetwork) roundTrip(
	ctx context.Context, dest conf.MemberID,
	k packetKind, req interface{}, reply interface{},
) error {
	end, ok := sn.route(dest)
	if !ok {
		return errors.New("simu: unroutable member " + string(dest))
	}

	pkt := Packet{
		ID:   uuid.NewString(),
		Kind: k,
		Body: pd.MustMarshal(req),
	}

	wait := make(chan []byte, 1)
	sn.mutex.Lock()
	sn.pending[pkt.ID] = wait
	sn.mutex.Unlock()
	defer func() {
		sn.mutex.Lock()
		delete(sn.pending, pkt.ID)
		sn.mutex.Unlock()
	}()

	if err := sn.handler.Call(end, pd.MustMarshal(&pkt)); err != nil {
		return err
	}

	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case body := <-wait:
		pd.MustUnmarshal(reply, body)
		return nil
	case <-timer.C:
		return errReplyTimeout
	}
}

// receive is bound to the simulated endpoint. Replies are routed to
// the waiting call; requests run on their own goroutine so a persist
// inside a handler never blocks the receive path.
func (sn *simNetwork) receive(from int, data []byte) {
	var pkt Packet
	if !pd.MaybeUnmarshal(&pkt, data) {
		return
	}

	if pkt.Reply {
		sn.mutex.Lock()
		wait := sn.pending[pkt.ID]
		sn.mutex.Unlock()
		if wait != nil {
			select {
			case wait <- pkt.Body:
			default:
			}
		}
		return
	}

	go sn.serve(from, &pkt)
}

func (sn *simNetwork) serve(from int, pkt *Packet) {
	member := sn.node.runningMember()
	if member == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	var body interface{}
	var err error
	switch pkt.Kind {
	case kindRequestVote:
		var req raftpd.RequestVoteRequest
		pd.MustUnmarshal(&req, pkt.Body)
		body, err = member.HandleRequestVote(ctx, &req)
	case kindAppendEntries:
		var req raftpd.AppendEntriesRequest[int]
		pd.MustUnmarshal(&req, pkt.Body)
		body, err = member.HandleAppendEntries(ctx, &req)
	case kindInstallSnapshot:
		var req raftpd.InstallSnapshotRequest[OpsState, int]
		pd.MustUnmarshal(&req, pkt.Body)
		body, err = member.HandleInstallSnapshot(ctx, &req)
	default:
		return
	}
	if err != nil {
		/* a dead or stopping member answers nothing */
		return
	}

	out := Packet{
		ID:    pkt.ID,
		Kind:  pkt.Kind,
		Reply: true,
		Body:  pd.MustMarshal(body),
	}
	_ = sn.handler.Call(from, pd.MustMarshal(&out))
}
