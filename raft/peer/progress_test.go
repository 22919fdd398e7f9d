package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgress_AppendAdvances(t *testing.T) {
	p := MakeProgress("a", "b", 5)

	require.True(t, p.HandleAppendEntries(true, 7))
	require.Equal(t, uint64(7), p.Matched)
	require.Equal(t, uint64(8), p.NextIdx)

	/* a reply for an older request changes nothing */
	require.False(t, p.HandleAppendEntries(true, 4))
	require.Equal(t, uint64(7), p.Matched)
	require.Equal(t, uint64(8), p.NextIdx)
}

func TestProgress_RejectBacksOff(t *testing.T) {
	p := MakeProgress("a", "b", 3)

	require.False(t, p.HandleAppendEntries(false, 0))
	require.Equal(t, uint64(2), p.NextIdx)
	require.False(t, p.HandleAppendEntries(false, 0))
	require.Equal(t, uint64(1), p.NextIdx)

	/* never below the first index */
	require.False(t, p.HandleAppendEntries(false, 0))
	require.Equal(t, uint64(1), p.NextIdx)
}

func TestProgress_SnapshotRoundTrip(t *testing.T) {
	p := MakeProgress("a", "b", 3)
	p.MarkNeedSnapshot()
	require.True(t, p.NeedsSnapshot())

	p.SendSnapshot(9)
	require.True(t, p.SnapshotInFlight())

	p.HandleSnapshot(9)
	require.False(t, p.SnapshotInFlight())
	require.False(t, p.NeedsSnapshot())
	require.Equal(t, uint64(9), p.Matched)
	require.Equal(t, uint64(10), p.NextIdx)
}

func TestProgress_UnreachableAbandonsSnapshot(t *testing.T) {
	p := MakeProgress("a", "b", 3)
	p.HandleAppendEntries(true, 2)

	p.SendSnapshot(9)
	p.HandleUnreachable()
	require.False(t, p.SnapshotInFlight())
	require.Equal(t, uint64(3), p.NextIdx)

	/* without a pending snapshot, unreachable changes nothing */
	p.HandleAppendEntries(true, 5)
	p.HandleUnreachable()
	require.Equal(t, uint64(6), p.NextIdx)
}

func TestProgress_Reset(t *testing.T) {
	p := MakeProgress("a", "b", 3)
	p.HandleAppendEntries(true, 7)
	p.MarkNeedSnapshot()
	p.SendSnapshot(9)
	p.UpdateVoteState(true)
	require.Equal(t, VoteGranted, p.Vote)

	p.Reset(11)
	require.Equal(t, uint64(0), p.Matched)
	require.Equal(t, uint64(11), p.NextIdx)
	require.False(t, p.SnapshotInFlight())
	require.False(t, p.NeedsSnapshot())
}
