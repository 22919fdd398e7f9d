package kv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	raftcore "github.com/thinkermao/raftcore/raft"
	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/transport"
)

// proposeTimeout bounds how long a request waits for its command to
// commit before giving up. The command may still commit afterwards.
const proposeTimeout = 5 * time.Second

const applyPollInterval = 10 * time.Millisecond

// Server exposes a replicated key-value map over HTTP. Writes go
// through the raft log; reads return the local applied state, which
// may trail the leader.
type Server struct {
	config *Config
	member *raftcore.Member[State, Command]
	pool   *transport.Pool[State, Command]
}

// NewServer wrap a running member and its connection pool.
func NewServer(
	config *Config,
	member *raftcore.Member[State, Command],
	pool *transport.Pool[State, Command],
) *Server {
	return &Server{config: config, member: member, pool: pool}
}

// RegisterHandlers attach every endpoint to mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/kv/", s.handleKV)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/members", s.handleMembers)
	mux.HandleFunc("/compact", s.handleCompact)
}

type errorReply struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

func (s *Server) replyError(w http.ResponseWriter, status int, err error) {
	reply := errorReply{Error: err.Error()}
	if errors.Is(err, raftcore.ErrNotLeader) {
		reply.Leader = string(s.member.LeaderHint())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(reply)
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, key)
	case http.MethodPut, http.MethodPost:
		value, err := readBody(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.propose(w, r, Command{Op: OpPut, Key: key, Value: value})
	case http.MethodDelete:
		s.propose(w, r, Command{Op: OpDelete, Key: key})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func readBody(r *http.Request) (string, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Server) handleGet(w http.ResponseWriter, key string) {
	select {
	case <-s.member.InitializedSignal():
	default:
		s.replyError(w, http.StatusServiceUnavailable,
			errors.New("kv: not initialized yet"))
		return
	}

	state := s.member.CurrentState()
	value, ok := state.Data[key]
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	w.Write([]byte(value))
}

// propose submit cmd to the log and wait for the local state machine
// to apply it, which implies it committed.
func (s *Server) propose(w http.ResponseWriter, r *http.Request, cmd Command) {
	cmd.ID = uuid.NewString()

	ctx, cancel := context.WithTimeout(r.Context(), proposeTimeout)
	defer cancel()

	if err := s.member.ProposeChange(ctx, cmd); err != nil {
		s.replyError(w, http.StatusServiceUnavailable, err)
		return
	}

	log.Debugf("kv: proposed %s %q as %s", cmd.Op, cmd.Key, cmd.ID)

	for {
		state := s.member.CurrentState()
		if state.Applied[cmd.ID] {
			w.WriteHeader(http.StatusOK)
			return
		}
		select {
		case <-ctx.Done():
			s.replyError(w, http.StatusGatewayTimeout,
				errors.New("kv: commit not observed in time"))
			return
		case <-time.After(applyPollInterval):
		}
	}
}

type statusReply struct {
	ID          string   `json:"id"`
	Term        uint64   `json:"term"`
	Role        string   `json:"role"`
	Leader      string   `json:"leader"`
	CommitIndex uint64   `json:"commit_index"`
	LastApplied uint64   `json:"last_applied"`
	PrevIndex   uint64   `json:"prev_index"`
	LatestIndex uint64   `json:"latest_index"`
	Voters      []string `json:"voters,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.member.Status()
	reply := statusReply{
		ID:          string(status.ID),
		Term:        status.Term,
		Role:        status.Role.String(),
		Leader:      string(status.Leader),
		CommitIndex: status.CommitIndex,
		LastApplied: status.LastApplied,
		PrevIndex:   status.PrevIndex,
		LatestIndex: status.LatestIndex,
	}
	if config, ok := s.member.Configuration(); ok {
		for id := range config.Voters() {
			reply.Voters = append(reply.Voters, string(id))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

type memberRequest struct {
	ID       string `json:"id"`
	RaftAddr string `json:"raft_addr,omitempty"`
}

// handleMembers add (POST) or remove (DELETE) a voting member. The
// change goes through joint consensus; the call returns once the
// transitional configuration is accepted, not once it completes.
func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "member id is required", http.StatusBadRequest)
		return
	}

	current, ok := s.member.Configuration()
	if !ok {
		s.replyError(w, http.StatusServiceUnavailable,
			errors.New("kv: no configuration yet"))
		return
	}

	voters := current.Voters()
	id := conf.MemberID(req.ID)
	switch r.Method {
	case http.MethodPost:
		if req.RaftAddr == "" {
			http.Error(w, "raft_addr is required", http.StatusBadRequest)
			return
		}
		s.pool.AddMember(id, req.RaftAddr)
		voters[id] = true
	case http.MethodDelete:
		delete(voters, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	next := make([]conf.MemberID, 0, len(voters))
	for voter := range voters {
		next = append(next, voter)
	}

	ctx, cancel := context.WithTimeout(r.Context(), proposeTimeout)
	defer cancel()

	err := s.member.ProposeConfigChange(ctx, conf.MakeConfig(next...))
	if err != nil {
		s.replyError(w, http.StatusServiceUnavailable, err)
		return
	}

	log.Infof("kv: proposed membership change to %v", next)
	w.WriteHeader(http.StatusAccepted)
}

type compactReply struct {
	Index uint64 `json:"index"`
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), proposeTimeout)
	defer cancel()

	index, err := s.member.Compact(ctx)
	if err != nil {
		s.replyError(w, http.StatusServiceUnavailable, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(compactReply{Index: index})
}
