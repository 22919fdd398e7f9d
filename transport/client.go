package transport

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/utils/pd"
)

// ErrUnknownMember report a destination outside the address table.
var ErrUnknownMember = errors.New("transport: unknown member")

const dialTimeout = 2 * time.Second

// Pool implements the engine's Network port over one TCP connection
// per peer. Connections are dialed on first use and redialed after a
// failure; ConnectedMembers reports the local member and the peers that
// currently hold a live connection.
type Pool[S, C any] struct {
	self  conf.MemberID
	mutex sync.Mutex
	addrs map[conf.MemberID]string
	conns map[conf.MemberID]*peerConn
}

type peerConn struct {
	conn    net.Conn
	enc     *gob.Encoder
	writeMu sync.Mutex

	mutex   sync.Mutex
	pending map[string]chan *envelope
	closed  bool
}

// NewPool build a connection pool for self. addrs maps every other
// member to its listen address; it may grow later through AddMember.
func NewPool[S, C any](
	self conf.MemberID, addrs map[conf.MemberID]string) *Pool[S, C] {
	p := &Pool[S, C]{
		self:  self,
		addrs: make(map[conf.MemberID]string, len(addrs)),
		conns: make(map[conf.MemberID]*peerConn),
	}
	for id, addr := range addrs {
		p.addrs[id] = addr
	}
	return p
}

// AddMember teach the pool the address of a new member.
func (p *Pool[S, C]) AddMember(id conf.MemberID, addr string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.addrs[id] = addr
}

// RemoveMember forget a member and drop its connection.
func (p *Pool[S, C]) RemoveMember(id conf.MemberID) {
	p.mutex.Lock()
	pc := p.conns[id]
	delete(p.conns, id)
	delete(p.addrs, id)
	p.mutex.Unlock()

	if pc != nil {
		pc.close()
	}
}

// Close drop every connection.
func (p *Pool[S, C]) Close() {
	p.mutex.Lock()
	conns := p.conns
	p.conns = make(map[conf.MemberID]*peerConn)
	p.mutex.Unlock()

	for _, pc := range conns {
		pc.close()
	}
}

// ConnectedMembers report the local member and the peers holding a
// live connection.
func (p *Pool[S, C]) ConnectedMembers() map[conf.MemberID]bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	connected := map[conf.MemberID]bool{p.self: true}
	for id, pc := range p.conns {
		if !pc.isClosed() {
			connected[id] = true
		}
	}
	return connected
}

// SendRequestVote implement the Network port.
func (p *Pool[S, C]) SendRequestVote(
	ctx context.Context, dest conf.MemberID,
	req *raftpd.RequestVoteRequest,
) (*raftpd.RequestVoteReply, error) {
	var reply raftpd.RequestVoteReply
	if err := p.call(ctx, dest, kindRequestVote, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SendAppendEntries implement the Network port.
func (p *Pool[S, C]) SendAppendEntries(
	ctx context.Context, dest conf.MemberID,
	req *raftpd.AppendEntriesRequest[C],
) (*raftpd.AppendEntriesReply, error) {
	var reply raftpd.AppendEntriesReply
	if err := p.call(ctx, dest, kindAppendEntries, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SendInstallSnapshot implement the Network port.
func (p *Pool[S, C]) SendInstallSnapshot(
	ctx context.Context, dest conf.MemberID,
	req *raftpd.InstallSnapshotRequest[S, C],
) (*raftpd.InstallSnapshotReply, error) {
	var reply raftpd.InstallSnapshotReply
	if err := p.call(ctx, dest, kindInstallSnapshot, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (p *Pool[S, C]) call(
	ctx context.Context, dest conf.MemberID,
	k kind, req interface{}, reply interface{},
) error {
	pc, err := p.connection(dest)
	if err != nil {
		return err
	}

	env := &envelope{
		ID:   uuid.NewString(),
		Kind: k,
		Body: pd.MustMarshal(req),
	}
	wait := pc.register(env.ID)
	if wait == nil {
		return errors.New("transport: connection closed")
	}
	defer pc.unregister(env.ID)

	pc.writeMu.Lock()
	err = pc.enc.Encode(env)
	pc.writeMu.Unlock()
	if err != nil {
		p.drop(dest, pc)
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-wait:
		if !ok {
			p.drop(dest, pc)
			return errors.New("transport: connection closed")
		}
		if resp.Err != "" {
			return fmt.Errorf("transport: %s to %s: %s", k, dest, resp.Err)
		}
		pd.MustUnmarshal(reply, resp.Body)
		return nil
	}
}

// connection return the live connection to dest, dialing if needed.
func (p *Pool[S, C]) connection(dest conf.MemberID) (*peerConn, error) {
	p.mutex.Lock()
	if pc := p.conns[dest]; pc != nil && !pc.isClosed() {
		p.mutex.Unlock()
		return pc, nil
	}
	addr, ok := p.addrs[dest]
	p.mutex.Unlock()
	if !ok {
		return nil, ErrUnknownMember
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	pc := &peerConn{
		conn:    conn,
		enc:     gob.NewEncoder(conn),
		pending: make(map[string]chan *envelope),
	}

	p.mutex.Lock()
	if old := p.conns[dest]; old != nil && !old.isClosed() {
		// lost the dial race; use the winner
		p.mutex.Unlock()
		conn.Close()
		return old, nil
	}
	p.conns[dest] = pc
	p.mutex.Unlock()

	go pc.readLoop(dest)
	return pc, nil
}

func (p *Pool[S, C]) drop(dest conf.MemberID, pc *peerConn) {
	pc.close()
	p.mutex.Lock()
	if p.conns[dest] == pc {
		delete(p.conns, dest)
	}
	p.mutex.Unlock()
}

func (pc *peerConn) readLoop(dest conf.MemberID) {
	dec := gob.NewDecoder(pc.conn)
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			if !pc.isClosed() {
				log.Debugf("transport: connection to %s dropped: %v", dest, err)
			}
			pc.close()
			return
		}

		pc.mutex.Lock()
		wait := pc.pending[env.ID]
		pc.mutex.Unlock()
		if wait != nil {
			select {
			case wait <- &env:
			default:
			}
		}
	}
}

// register open a reply slot for id; nil when the connection is gone.
func (pc *peerConn) register(id string) chan *envelope {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if pc.closed {
		return nil
	}
	wait := make(chan *envelope, 1)
	pc.pending[id] = wait
	return wait
}

func (pc *peerConn) unregister(id string) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	delete(pc.pending, id)
}

func (pc *peerConn) isClosed() bool {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	return pc.closed
}

func (pc *peerConn) close() {
	pc.mutex.Lock()
	if pc.closed {
		pc.mutex.Unlock()
		return
	}
	pc.closed = true
	for id, wait := range pc.pending {
		close(wait)
		delete(pc.pending, id)
	}
	pc.mutex.Unlock()

	pc.conn.Close()
}
