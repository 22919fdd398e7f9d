package raftpd

import (
	"github.com/thinkermao/raftcore/utils"
)

// Log stores a slice of the replicated log. The same shape serves two
// purposes: a member's local log (PrevIndex/PrevTerm are the last index
// and term covered by the snapshot) and the entries field of an
// AppendEntries request (PrevIndex/PrevTerm are the consistency-check
// point just before the carried entries).
//
// Indices are 1-based positions in the total order; index 0 is the empty
// log's base.
type Log[C any] struct {
	PrevIndex uint64
	PrevTerm  uint64
	Entries   []Entry[C]
}

// MakeLog return an empty log based at (prevIndex, prevTerm).
func MakeLog[C any](prevIndex, prevTerm uint64) Log[C] {
	return Log[C]{PrevIndex: prevIndex, PrevTerm: prevTerm}
}

// LatestIndex return the last index present, or the base index if the
// log is empty.
func (l *Log[C]) LatestIndex() uint64 {
	return l.PrevIndex + uint64(len(l.Entries))
}

// TermAt return the term of the entry at index. index must lie in
// [PrevIndex, LatestIndex]; anything else is a programming error.
func (l *Log[C]) TermAt(index uint64) uint64 {
	utils.Assert(index >= l.PrevIndex,
		"log does not go back to %d [prev: %d]", index, l.PrevIndex)
	utils.Assert(index <= l.LatestIndex(),
		"log does not go forward to %d [latest: %d]", index, l.LatestIndex())
	if index == l.PrevIndex {
		return l.PrevTerm
	}
	return l.Entries[index-l.PrevIndex-1].Term
}

// EntryAt return the entry at index. index must lie in
// (PrevIndex, LatestIndex].
func (l *Log[C]) EntryAt(index uint64) *Entry[C] {
	utils.Assert(index > l.PrevIndex,
		"log does not go back to %d [prev: %d]", index, l.PrevIndex)
	utils.Assert(index <= l.LatestIndex(),
		"log does not go forward to %d [latest: %d]", index, l.LatestIndex())
	return &l.Entries[index-l.PrevIndex-1]
}

// Append push entry at the tail.
func (l *Log[C]) Append(entry Entry[C]) {
	l.Entries = append(l.Entries, entry)
}

// TruncateSuffixFrom remove the entry at index and everything after it.
// index must lie in (PrevIndex, LatestIndex].
func (l *Log[C]) TruncateSuffixFrom(index uint64) {
	utils.Assert(index > l.PrevIndex,
		"log does not go back to %d [prev: %d]", index, l.PrevIndex)
	utils.Assert(index <= l.LatestIndex(),
		"log does not go forward to %d [latest: %d]", index, l.LatestIndex())
	l.Entries = l.Entries[:index-l.PrevIndex-1]
}

// TruncatePrefixThrough remove the entry at index and everything before
// it, rebasing the log at index. index must lie in
// (PrevIndex, LatestIndex].
func (l *Log[C]) TruncatePrefixThrough(index uint64) {
	utils.Assert(index > l.PrevIndex,
		"log does not go back to %d [prev: %d]", index, l.PrevIndex)
	utils.Assert(index <= l.LatestIndex(),
		"log does not go forward to %d [latest: %d]", index, l.LatestIndex())
	term := l.TermAt(index)
	kept := l.Entries[index-l.PrevIndex:]
	l.Entries = append([]Entry[C](nil), kept...)
	l.PrevIndex = index
	l.PrevTerm = term
}

// SliceFrom return a log whose base is just before from and which
// carries the entries at [from, LatestIndex]. from must lie in
// (PrevIndex, LatestIndex+1].
func (l *Log[C]) SliceFrom(from uint64) Log[C] {
	utils.Assert(from > l.PrevIndex,
		"log does not go back to %d [prev: %d]", from, l.PrevIndex)
	utils.Assert(from <= l.LatestIndex()+1,
		"log does not go forward to %d [latest: %d]", from, l.LatestIndex())
	out := MakeLog[C](from-1, l.TermAt(from-1))
	out.Entries = append(out.Entries, l.Entries[from-l.PrevIndex-1:]...)
	return out
}

// Clone return a deep-enough copy: the entry slice is duplicated, entry
// payload pointers are shared. Callers never mutate payloads in place.
func (l *Log[C]) Clone() Log[C] {
	dup := MakeLog[C](l.PrevIndex, l.PrevTerm)
	dup.Entries = append(dup.Entries, l.Entries...)
	return dup
}
