// Package peer tracks what the leader knows about one other member of
// the cluster: how much of the log it holds, what to send it next, and
// how it answered the current election.
package peer

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/raftcore/raft/conf"
	"github.com/thinkermao/raftcore/utils"
)

// VoteState record a peer's answer to the current candidacy.
type VoteState int

// Vote status
const (
	VoteNone VoteState = iota
	VoteReject
	VoteGranted
)

var voteStateString = []string{
	"None",
	"Reject",
	"Granted",
}

func (state VoteState) String() string {
	return voteStateString[state]
}

// Progress maintains the replication state for one peer. Matched is
// the highest index known to be replicated there; NextIdx is the index
// of the next entry to send. Matched never decreases while the same
// leader holds the peer.
type Progress struct {
	belongID conf.MemberID

	// peer id
	ID conf.MemberID

	// answer to the current candidacy
	Vote VoteState

	// known to the maximum location
	Matched uint64

	// next entry index to send
	NextIdx uint64

	// index of a snapshot in flight, 0 when none. While set, the
	// leader stops sending replication messages to this peer.
	pendingSnapshot uint64

	// set when the peer rejected an append based at the leader's own
	// snapshot boundary. Backing off cannot reconcile such a peer;
	// only a snapshot can.
	needSnapshot bool
}

// MakeProgress create replication state for a remote peer.
func MakeProgress(belong, id conf.MemberID, nextIdx uint64) *Progress {
	return &Progress{
		belongID: belong,
		ID:       id,
		Vote:     VoteNone,
		Matched:  0,
		NextIdx:  nextIdx,
	}
}

// Reset reinitialize the progress for a new term of leadership.
func (p *Progress) Reset(nextIdx uint64) {
	p.Matched = 0
	p.NextIdx = nextIdx
	p.pendingSnapshot = 0
	p.needSnapshot = false
}

// HandleAppendEntries trigger append response event. lastSent is the
// last index carried by the request this reply answers. It reports
// whether Matched advanced.
func (p *Progress) HandleAppendEntries(success bool, lastSent uint64) bool {
	if !success {
		// simple back-off: step NextIdx down one probe at a time,
		// never below 1.
		if p.NextIdx > 1 {
			p.NextIdx--
		}
		log.Debugf("%s peer: %s rejected append, back off next to %d",
			p.belongID, p.ID, p.NextIdx)
		return false
	}
	if lastSent < p.Matched {
		log.Debugf("%s peer: %s [matched: %d] ignore staled append response: %d",
			p.belongID, p.ID, p.Matched, lastSent)
		return false
	}
	p.Matched = lastSent
	if p.NextIdx <= p.Matched {
		p.NextIdx = p.Matched + 1
	}
	return true
}

// HandleSnapshot trigger snapshot response event; index is the
// last-included index of the snapshot that was acknowledged.
func (p *Progress) HandleSnapshot(index uint64) {
	utils.Assert(p.pendingSnapshot == 0 || p.pendingSnapshot == index,
		"%s peer: %s snapshot response %d does not match pending %d",
		p.belongID, p.ID, index, p.pendingSnapshot)
	p.pendingSnapshot = 0
	p.needSnapshot = false
	if index > p.Matched {
		p.Matched = index
	}
	p.NextIdx = p.Matched + 1
}

// MarkNeedSnapshot record that append back-off bottomed out at the
// leader's snapshot boundary.
func (p *Progress) MarkNeedSnapshot() {
	log.Debugf("%s peer: %s needs snapshot [matched: %d, next: %d]",
		p.belongID, p.ID, p.Matched, p.NextIdx)
	p.needSnapshot = true
}

// NeedsSnapshot test whether only a snapshot can reconcile this peer.
func (p *Progress) NeedsSnapshot() bool {
	return p.needSnapshot
}

// SendSnapshot record that a snapshot through idx is in flight.
func (p *Progress) SendSnapshot(idx uint64) {
	log.Debugf("%s peer: %s pending snapshot: %d", p.belongID, p.ID, idx)
	p.pendingSnapshot = idx
}

// SnapshotInFlight test whether a snapshot is pending.
func (p *Progress) SnapshotInFlight() bool {
	return p.pendingSnapshot != 0
}

// HandleUnreachable trigger unreachable event; a pending snapshot is
// abandoned so it can be resent once the peer comes back.
func (p *Progress) HandleUnreachable() {
	if p.pendingSnapshot != 0 {
		p.pendingSnapshot = 0
		p.NextIdx = p.Matched + 1
	}
}

// UpdateVoteState record the peer's reply to our RequestVote.
func (p *Progress) UpdateVoteState(granted bool) {
	if granted {
		p.Vote = VoteGranted
	} else {
		p.Vote = VoteReject
	}
}
