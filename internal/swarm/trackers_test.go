package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleetbt/sleet/internal/bitfield"
	"github.com/sleetbt/sleet/internal/torrent"
)

func addr(last byte) torrent.PeerAddress {
	return torrent.PeerAddress{IP: "10.0.0." + string('0'+rune(last%10)), Port: 6881 + uint16(last)}
}

func TestPieceTrackerBitfieldMerge(t *testing.T) {
	tracker := NewPieceTracker(8, []int{0, 1})
	peer := addr(1)

	assert.False(t, tracker.HasPossessionInfo(peer))

	wanted := tracker.UpdateWithBitfield(peer, bitfield.Create(8, []int{0, 2, 5}))

	// Pieces 0 and 1 already exist locally; only still-missing ones come back.
	assert.Equal(t, []int{2, 5}, wanted)
	assert.True(t, tracker.HasPossessionInfo(peer))
	assert.True(t, tracker.PeerHasPiece(peer, 2))
	assert.False(t, tracker.PeerHasPiece(peer, 3))
	assert.Equal(t, 1, tracker.PossessionCount(2))
	assert.Equal(t, 6, tracker.MissingCount())
}

func TestPieceTrackerStoringLifecycle(t *testing.T) {
	tracker := NewPieceTracker(4, nil)
	downloader := addr(2)

	tracker.MarkStoring(1, downloader)

	assert.False(t, tracker.IsMissing(1))
	assert.True(t, tracker.IsStoring(1))

	got, ok := tracker.RemoveStoringPiece(1)
	require.True(t, ok)
	assert.Equal(t, downloader, got)
	assert.False(t, tracker.IsStoring(1))
	assert.Equal(t, 3, tracker.MissingCount())

	_, ok = tracker.RemoveStoringPiece(1)
	assert.False(t, ok)
}

func TestPieceTrackerRemovePeer(t *testing.T) {
	tracker := NewPieceTracker(8, nil)
	first, second := addr(1), addr(2)

	tracker.UpdateWithBitfield(first, bitfield.Create(8, []int{1, 2}))
	tracker.UpdateWithIndex(second, 2)

	tracker.RemovePeer(first)

	assert.False(t, tracker.HasPossessionInfo(first))
	assert.Equal(t, 0, tracker.PossessionCount(1))
	assert.Equal(t, 1, tracker.PossessionCount(2))
	assert.Equal(t, []torrent.PeerAddress{second}, tracker.PeersWithPiece(2))
}

func TestAssignerHonorsBothCaps(t *testing.T) {
	assigner := NewPieceAssigner(AssignerConfig{
		MaxAssignedPerPeer:  2,
		MaxPeersPerPiece:    1,
		InitialBatchPerPeer: 10,
	})

	first, second := addr(1), addr(2)

	rarity := func(int) int { return 1 }

	assigned := assigner.AssignInitial([]int{0, 1, 2, 3}, rarity, first)
	assert.Len(t, assigned, 2, "per-peer cap must bound the initial batch")

	// Piece cap: pieces already assigned to first are unavailable to second.
	for _, index := range assigned {
		assert.False(t, assigner.Assign(index, second))
	}

	assert.True(t, assigner.CanAssign(second))
}

func TestAssignerInitialBatchPrefersRarePieces(t *testing.T) {
	assigner := NewPieceAssigner(AssignerConfig{
		MaxAssignedPerPeer:  10,
		MaxPeersPerPiece:    2,
		InitialBatchPerPeer: 2,
	})

	counts := map[int]int{0: 9, 1: 1, 2: 5, 3: 2}
	rarity := func(index int) int { return counts[index] }

	assigned := assigner.AssignInitial([]int{0, 1, 2, 3}, rarity, addr(1))

	assert.ElementsMatch(t, []int{1, 3}, assigned)
}

func TestAssignerRemovePeerReturnsOrphans(t *testing.T) {
	assigner := NewPieceAssigner(AssignerConfig{MaxAssignedPerPeer: 4, MaxPeersPerPiece: 2, InitialBatchPerPeer: 4})
	peer := addr(1)

	require.True(t, assigner.Assign(3, peer))
	require.True(t, assigner.Assign(5, peer))

	orphans := assigner.RemovePeer(peer)

	assert.ElementsMatch(t, []int{3, 5}, orphans)
	assert.Empty(t, assigner.AssignedPeers(3))
}

func TestAssignerUnassign(t *testing.T) {
	assigner := NewPieceAssigner(AssignerConfig{MaxAssignedPerPeer: 1, MaxPeersPerPiece: 2, InitialBatchPerPeer: 1})
	peer := addr(1)

	require.True(t, assigner.Assign(0, peer))
	assert.False(t, assigner.CanAssign(peer))

	assigner.Unassign(0)

	assert.True(t, assigner.CanAssign(peer))
	assert.Empty(t, assigner.AssignedPeers(0))
}

func TestActivePeersAdmission(t *testing.T) {
	tracker := NewActivePeersTracker(ActivePeersConfig{MaxInitiate: 1, MaxAccept: 1})

	first, second := addr(1), addr(2)

	require.True(t, tracker.Add(first, RoleInitiated))
	assert.True(t, tracker.IsActive(first))

	// One appearance per peer, regardless of role.
	assert.False(t, tracker.Add(first, RoleAccepted))

	assert.False(t, tracker.Add(second, RoleInitiated), "initiated budget is exhausted")
	require.True(t, tracker.Add(second, RoleAccepted))

	tracker.Remove(first)
	assert.False(t, tracker.IsActive(first))
	assert.Equal(t, 1, tracker.Count())
}

func TestActivePeersRecentAcceptWindow(t *testing.T) {
	current := time.Unix(1_000_000, 0)
	tracker := NewActivePeersTracker(ActivePeersConfig{
		MaxAccept:       2,
		AdmissionWindow: time.Minute,
		now:             func() time.Time { return current },
	})

	assert.False(t, tracker.HasRecentlyAccepted())

	require.True(t, tracker.Add(addr(1), RoleAccepted))
	assert.True(t, tracker.HasRecentlyAccepted())

	current = current.Add(2 * time.Minute)
	assert.False(t, tracker.HasRecentlyAccepted())
}

func TestActivePeersRandomAccepted(t *testing.T) {
	tracker := NewActivePeersTracker(ActivePeersConfig{MaxAccept: 4})

	_, ok := tracker.RandomAccepted()
	assert.False(t, ok)

	expected := map[torrent.PeerAddress]bool{}

	for i := byte(1); i <= 3; i++ {
		require.True(t, tracker.Add(addr(i), RoleAccepted))
		expected[addr(i)] = true
	}

	victim, ok := tracker.RandomAccepted()
	require.True(t, ok)
	assert.True(t, expected[victim])
}

func TestAnnouncedPeersDedupAndRing(t *testing.T) {
	tracker := NewAnnouncedPeersTracker(2)
	active := addr(9)

	isActive := func(a torrent.PeerAddress) bool { return a == active }

	tracker.Add([]torrent.PeerAddress{active, addr(1), addr(1), addr(2)}, isActive)
	assert.Equal(t, 2, tracker.Len())

	// The ring is full: the oldest entry is dropped for the newest.
	tracker.Add([]torrent.PeerAddress{addr(3)}, isActive)

	next, ok := tracker.Next()
	require.True(t, ok)
	assert.Equal(t, addr(2), next)

	next, ok = tracker.Next()
	require.True(t, ok)
	assert.Equal(t, addr(3), next)

	_, ok = tracker.Next()
	assert.False(t, ok)
}

func TestHealthTrackerUnchokedRatio(t *testing.T) {
	current := time.Unix(1_000_000, 0)
	tracker := NewHealthTracker(HealthConfig{
		Window: 100 * time.Second,
		now:    func() time.Time { return current },
	})

	peer := addr(1)

	assert.Zero(t, tracker.UnchokedRatio(peer))

	tracker.RecordUnchoke(peer)
	current = current.Add(50 * time.Second)
	tracker.RecordChoke(peer)
	current = current.Add(25 * time.Second)

	ratio := tracker.UnchokedRatio(peer)
	assert.InDelta(t, 0.5, ratio, 0.01)

	tracker.RemovePeer(peer)
	assert.Zero(t, tracker.UnchokedRatio(peer))
}
