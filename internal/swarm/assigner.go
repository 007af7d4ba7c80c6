package swarm

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/sleetbt/sleet/internal/heap"
	"github.com/sleetbt/sleet/internal/torrent"
)

type AssignerConfig struct {
	MaxAssignedPerPeer  int
	MaxPeersPerPiece    int
	InitialBatchPerPeer int
}

func (c *AssignerConfig) applyDefaults() {
	if c.MaxAssignedPerPeer == 0 {
		c.MaxAssignedPerPeer = 8
	}

	if c.MaxPeersPerPiece == 0 {
		c.MaxPeersPerPiece = 2
	}

	if c.InitialBatchPerPeer == 0 {
		c.InitialBatchPerPeer = 4
	}
}

// PieceAssigner decides which peers download which pieces, bounding both how
// many pieces one peer works on and how many peers duplicate one piece.
type PieceAssigner struct {
	config AssignerConfig

	assignments map[int]mapset.Set
	perPeer     map[torrent.PeerAddress]mapset.Set
}

func NewPieceAssigner(config AssignerConfig) *PieceAssigner {
	config.applyDefaults()

	return &PieceAssigner{
		config:      config,
		assignments: make(map[int]mapset.Set),
		perPeer:     make(map[torrent.PeerAddress]mapset.Set),
	}
}

// AssignInitial picks an initial batch for a peer from the candidate indexes,
// rarest first. rarity maps a piece index to how many peers hold it. The
// returned subset is what was actually assigned under both caps.
func (a *PieceAssigner) AssignInitial(candidates []int, rarity func(index int) int, address torrent.PeerAddress) []int {
	type ranked struct {
		index  int
		rarity int
	}

	byRarity := heap.New(func(x, y ranked) bool { return x.rarity < y.rarity })

	for _, index := range candidates {
		byRarity.Push(ranked{index: index, rarity: rarity(index)})
	}

	assigned := []int{}

	for len(assigned) < a.config.InitialBatchPerPeer {
		candidate, ok := byRarity.Pop()

		if !ok {
			break
		}

		if a.Assign(candidate.index, address) {
			assigned = append(assigned, candidate.index)
		}
	}

	return assigned
}

// Assign records one piece-to-peer assignment, honoring both caps.
func (a *PieceAssigner) Assign(index int, address torrent.PeerAddress) bool {
	if a.peerLoad(address) >= a.config.MaxAssignedPerPeer {
		return false
	}

	peers, ok := a.assignments[index]

	if !ok {
		peers = mapset.NewThreadUnsafeSet()
		a.assignments[index] = peers
	}

	if peers.Contains(address) {
		return false
	}

	if peers.Cardinality() >= a.config.MaxPeersPerPiece {
		return false
	}

	peers.Add(address)

	pieces, ok := a.perPeer[address]

	if !ok {
		pieces = mapset.NewThreadUnsafeSet()
		a.perPeer[address] = pieces
	}

	pieces.Add(index)

	return true
}

func (a *PieceAssigner) CanAssign(address torrent.PeerAddress) bool {
	return a.peerLoad(address) < a.config.MaxAssignedPerPeer
}

// AssignedPeers returns every peer the piece is currently assigned to.
func (a *PieceAssigner) AssignedPeers(index int) []torrent.PeerAddress {
	peers, ok := a.assignments[index]

	if !ok {
		return nil
	}

	addresses := []torrent.PeerAddress{}

	for entry := range peers.Iter() {
		addresses = append(addresses, entry.(torrent.PeerAddress))
	}

	return addresses
}

// Unassign drops the piece from every peer's assignment set.
func (a *PieceAssigner) Unassign(index int) {
	peers, ok := a.assignments[index]

	if !ok {
		return
	}

	for entry := range peers.Iter() {
		if pieces, ok := a.perPeer[entry.(torrent.PeerAddress)]; ok {
			pieces.Remove(index)
		}
	}

	delete(a.assignments, index)
}

// RemovePeer forgets a peer and returns the pieces it was assigned so they
// can be handed to other peers.
func (a *PieceAssigner) RemovePeer(address torrent.PeerAddress) []int {
	pieces, ok := a.perPeer[address]

	if !ok {
		return nil
	}

	orphaned := []int{}

	for entry := range pieces.Iter() {
		index := entry.(int)
		orphaned = append(orphaned, index)

		if peers, ok := a.assignments[index]; ok {
			peers.Remove(address)

			if peers.Cardinality() == 0 {
				delete(a.assignments, index)
			}
		}
	}

	delete(a.perPeer, address)

	return orphaned
}

func (a *PieceAssigner) peerLoad(address torrent.PeerAddress) int {
	pieces, ok := a.perPeer[address]

	if !ok {
		return 0
	}

	return pieces.Cardinality()
}
