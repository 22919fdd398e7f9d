package raft

import "errors"

var (
	// ErrNotLeader reject a proposal sent to a member that is not the
	// current leader. Callers should retry against LeaderHint.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrReconfigInProgress reject a configuration change while an
	// earlier one has not committed yet.
	ErrReconfigInProgress = errors.New("raft: reconfiguration in progress")

	// ErrStopped reject any call after the member has been torn down
	// or has failed fatally.
	ErrStopped = errors.New("raft: member stopped")
)
