package swarm

import (
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"github.com/sleetbt/sleet/internal/bitfield"
	"github.com/sleetbt/sleet/internal/torrent"
)

// PieceTracker is the torrent-wide possession view: which pieces are still
// missing, which peers announced which pieces, and which pieces are being
// written to the store right now.
type PieceTracker struct {
	numPieces  int
	missing    mapset.Set
	possession map[int]mapset.Set
	perPeer    map[torrent.PeerAddress]bitmap.Bitmap
	storing    map[int]torrent.PeerAddress
}

func NewPieceTracker(numPieces int, existing []int) *PieceTracker {
	missing := mapset.NewThreadUnsafeSet()

	for i := range numPieces {
		missing.Add(i)
	}

	for _, index := range existing {
		missing.Remove(index)
	}

	return &PieceTracker{
		numPieces:  numPieces,
		missing:    missing,
		possession: make(map[int]mapset.Set),
		perPeer:    make(map[torrent.PeerAddress]bitmap.Bitmap),
		storing:    make(map[int]torrent.PeerAddress),
	}
}

func (t *PieceTracker) IsMissing(index int) bool {
	return t.missing.Contains(index)
}

// HasPossessionInfo reports whether any possession information has been
// recorded for the peer yet.
func (t *PieceTracker) HasPossessionInfo(address torrent.PeerAddress) bool {
	_, ok := t.perPeer[address]

	return ok
}

// UpdateWithBitfield merges a peer's full bitfield and returns the announced
// indexes that are still missing locally, in ascending order.
func (t *PieceTracker) UpdateWithBitfield(address torrent.PeerAddress, b bitfield.Bitfield) []int {
	if _, ok := t.perPeer[address]; !ok {
		t.perPeer[address] = bitmap.New(t.numPieces)
	}

	wanted := []int{}

	for _, index := range b.ExistingIndexes() {
		t.recordPossession(address, index)

		if t.IsMissing(index) {
			wanted = append(wanted, index)
		}
	}

	return wanted
}

// UpdateWithIndex records a single announced piece.
func (t *PieceTracker) UpdateWithIndex(address torrent.PeerAddress, index int) {
	if index < 0 || index >= t.numPieces {
		return
	}

	if _, ok := t.perPeer[address]; !ok {
		t.perPeer[address] = bitmap.New(t.numPieces)
	}

	t.recordPossession(address, index)
}

func (t *PieceTracker) recordPossession(address torrent.PeerAddress, index int) {
	t.perPeer[address].Set(index, true)

	if _, ok := t.possession[index]; !ok {
		t.possession[index] = mapset.NewThreadUnsafeSet()
	}

	t.possession[index].Add(address)
}

// PeersWithPiece returns every peer that has announced the piece.
func (t *PieceTracker) PeersWithPiece(index int) []torrent.PeerAddress {
	peers, ok := t.possession[index]

	if !ok {
		return nil
	}

	addresses := []torrent.PeerAddress{}

	for entry := range peers.Iter() {
		addresses = append(addresses, entry.(torrent.PeerAddress))
	}

	return addresses
}

// PossessionCount returns how many peers have announced the piece.
func (t *PieceTracker) PossessionCount(index int) int {
	peers, ok := t.possession[index]

	if !ok {
		return 0
	}

	return peers.Cardinality()
}

func (t *PieceTracker) PeerHasPiece(address torrent.PeerAddress, index int) bool {
	b, ok := t.perPeer[address]

	if !ok || index < 0 || index >= t.numPieces {
		return false
	}

	return b.Get(index)
}

// MarkStoring takes the piece out of the missing set while it is written and
// remembers which peer delivered it.
func (t *PieceTracker) MarkStoring(index int, downloader torrent.PeerAddress) {
	t.missing.Remove(index)
	t.storing[index] = downloader
}

func (t *PieceTracker) IsStoring(index int) bool {
	_, ok := t.storing[index]

	return ok
}

// RemoveStoringPiece finalizes a stored piece and returns the peer that
// originally downloaded it.
func (t *PieceTracker) RemoveStoringPiece(index int) (torrent.PeerAddress, bool) {
	downloader, ok := t.storing[index]

	if !ok {
		return torrent.PeerAddress{}, false
	}

	delete(t.storing, index)

	return downloader, true
}

func (t *PieceTracker) RemovePeer(address torrent.PeerAddress) {
	b, ok := t.perPeer[address]

	if !ok {
		return
	}

	for index := 0; index < t.numPieces; index++ {
		if !b.Get(index) {
			continue
		}

		if peers, ok := t.possession[index]; ok {
			peers.Remove(address)

			if peers.Cardinality() == 0 {
				delete(t.possession, index)
			}
		}
	}

	delete(t.perPeer, address)
}

func (t *PieceTracker) MissingCount() int {
	return t.missing.Cardinality()
}
