// Package raftpd defines the data that raftcore members exchange and
// persist: log entries, the log itself, the persistent state image, and
// the three RPC request/reply pairs. The types are generic over the
// replicated state S and its change type C; everything here is encodable
// with utils/pd.
package raftpd

import (
	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/utils"
)

// EntryKind discriminates the payload carried by a log entry.
type EntryKind int

const (
	// EntryRegular carries a state machine change.
	EntryRegular EntryKind = iota
	// EntryConfig carries a cluster configuration.
	EntryConfig
	// EntryNoOp carries nothing; leaders append one at the start of
	// their term.
	EntryNoOp
)

var entryKindStr = []string{
	"Regular",
	"Config",
	"NoOp",
}

func (k EntryKind) String() string {
	return entryKindStr[k]
}

// Entry is one position in the replicated log. Exactly one payload field
// is set, matching Kind.
type Entry[C any] struct {
	Term   uint64
	Kind   EntryKind
	Change *C
	Config *conf.Complex
}

// MakeRegular build an entry carrying change.
func MakeRegular[C any](term uint64, change C) Entry[C] {
	return Entry[C]{Term: term, Kind: EntryRegular, Change: &change}
}

// MakeConfigEntry build an entry carrying configuration.
func MakeConfigEntry[C any](term uint64, configuration conf.Complex) Entry[C] {
	dup := configuration.Clone()
	return Entry[C]{Term: term, Kind: EntryConfig, Config: &dup}
}

// MakeNoOp build an empty entry for term.
func MakeNoOp[C any](term uint64) Entry[C] {
	return Entry[C]{Term: term, Kind: EntryNoOp}
}

// CheckWellFormed panic unless the payload fields match Kind. A message
// that fails this check is a protocol violation, never repaired silently.
func (e *Entry[C]) CheckWellFormed() {
	switch e.Kind {
	case EntryRegular:
		utils.Assert(e.Change != nil && e.Config == nil,
			"regular entry [term: %d] must carry a change and no config", e.Term)
	case EntryConfig:
		utils.Assert(e.Change == nil && e.Config != nil,
			"config entry [term: %d] must carry a config and no change", e.Term)
	case EntryNoOp:
		utils.Assert(e.Change == nil && e.Config == nil,
			"noop entry [term: %d] must carry no payload", e.Term)
	default:
		utils.Assert(false, "unknown entry kind %d", e.Kind)
	}
}
