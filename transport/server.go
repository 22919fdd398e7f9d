package transport

import (
	"context"
	"encoding/gob"
	"errors"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/utils/pd"
)

// Server accepts peer connections and feeds decoded requests to the
// handler. Every request runs on its own goroutine so a slow persist
// in one handler never blocks the stream.
type Server[S, C any] struct {
	listener net.Listener
	handler  Handler[S, C]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex sync.Mutex
	conns map[net.Conn]bool
}

// Serve listen on addr and dispatch to handler until Close.
func Serve[S, C any](addr string, handler Handler[S, C]) (*Server[S, C], error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server[S, C]{
		listener: listener,
		handler:  handler,
		conns:    make(map[net.Conn]bool),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr return the bound listen address.
func (s *Server[S, C]) Addr() string {
	return s.listener.Addr().String()
}

// Close stop accepting, drop every connection, and wait for in-flight
// handlers to drain.
func (s *Server[S, C]) Close() {
	s.cancel()
	s.listener.Close()

	s.mutex.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mutex.Unlock()

	s.wg.Wait()
}

func (s *Server[S, C]) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mutex.Lock()
		s.conns[conn] = true
		s.mutex.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server[S, C]) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mutex.Lock()
		delete(s.conns, conn)
		s.mutex.Unlock()
	}()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	var writeMu sync.Mutex

	for {
		var req envelope
		if err := dec.Decode(&req); err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Debugf("transport: connection from %v dropped: %v",
					conn.RemoteAddr(), err)
			}
			return
		}

		s.wg.Add(1)
		go func(req envelope) {
			defer s.wg.Done()

			reply := s.dispatch(&req)
			writeMu.Lock()
			err := enc.Encode(reply)
			writeMu.Unlock()
			if err != nil {
				conn.Close()
			}
		}(req)
	}
}

func (s *Server[S, C]) dispatch(req *envelope) *envelope {
	out := &envelope{ID: req.ID, Kind: req.Kind, Reply: true}

	var body interface{}
	var err error
	switch req.Kind {
	case kindRequestVote:
		var r raftpd.RequestVoteRequest
		pd.MustUnmarshal(&r, req.Body)
		body, err = s.handler.HandleRequestVote(s.ctx, &r)
	case kindAppendEntries:
		var r raftpd.AppendEntriesRequest[C]
		pd.MustUnmarshal(&r, req.Body)
		body, err = s.handler.HandleAppendEntries(s.ctx, &r)
	case kindInstallSnapshot:
		var r raftpd.InstallSnapshotRequest[S, C]
		pd.MustUnmarshal(&r, req.Body)
		body, err = s.handler.HandleInstallSnapshot(s.ctx, &r)
	default:
		err = errors.New("transport: unknown request kind")
	}

	if err != nil {
		out.Err = err.Error()
		return out
	}
	out.Body = pd.MustMarshal(body)
	return out
}
