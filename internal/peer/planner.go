package peer

import (
	"errors"
	"sort"
	"time"

	"github.com/sleetbt/sleet/internal/torrent"
)

// ErrBlockNotRequested is returned when a peer delivers a block that was never
// requested from it. Sessions treat it as a protocol violation.
var ErrBlockNotRequested = errors.New("peer: block was not requested")

type blockKey struct {
	index  int
	begin  int
	length int
}

func keyOf(block torrent.Block) blockKey {
	return blockKey{index: block.Index, begin: block.Begin, length: block.Length}
}

type missingEntry struct {
	block      torrent.Block
	lastQueued time.Time
}

type pieceState struct {
	piece     torrent.Piece
	remaining int
}

type PlannerConfig struct {
	BlockSize        int
	MaxQueueLength   int
	MaxRequestedSize int
	StaleWindow      time.Duration

	now func() time.Time
}

func (c *PlannerConfig) applyDefaults() {
	if c.BlockSize == 0 {
		c.BlockSize = torrent.BlockSize
	}

	if c.MaxQueueLength == 0 {
		c.MaxQueueLength = 100
	}

	if c.MaxRequestedSize == 0 {
		c.MaxRequestedSize = 200
	}

	if c.StaleWindow == 0 {
		c.StaleWindow = 60 * time.Second
	}

	if c.now == nil {
		c.now = time.Now
	}
}

// blockPlanner schedules the blocks of the pieces assigned to one peer. For
// every piece it tracks, each block key is either still in missing or already
// in downloaded; a key in requested also stays in missing until its block
// arrives, so a stalled request can be rescheduled after the stale window.
type blockPlanner struct {
	config PlannerConfig

	queue      []torrent.Block
	missing    map[blockKey]missingEntry
	requested  map[blockKey]time.Time
	downloaded map[int][]torrent.Block
	pieces     map[int]*pieceState
}

func newBlockPlanner(config PlannerConfig) *blockPlanner {
	config.applyDefaults()

	return &blockPlanner{
		config:     config,
		missing:    make(map[blockKey]missingEntry),
		requested:  make(map[blockKey]time.Time),
		downloaded: make(map[int][]torrent.Block),
		pieces:     make(map[int]*pieceState),
	}
}

// addPiece splits the piece into blocks and registers them as missing.
func (p *blockPlanner) addPiece(piece torrent.Piece) {
	state := &pieceState{piece: piece}

	for begin := 0; begin < piece.Length; begin += p.config.BlockSize {
		length := min(p.config.BlockSize, piece.Length-begin)
		block := torrent.Block{Index: piece.Index, Begin: begin, Length: length}

		p.missing[keyOf(block)] = missingEntry{block: block}
		state.remaining++
	}

	p.pieces[piece.Index] = state
}

func (p *blockPlanner) hasPiece(index int) bool {
	_, ok := p.pieces[index]

	return ok
}

// scheduleBlocks returns up to count blocks that should be requested now and
// marks them requested. Requests older than the stale window are purged first
// once the in-flight set is saturated, which lets their blocks be rescheduled.
func (p *blockPlanner) scheduleBlocks(count int) []torrent.Block {
	now := p.config.now()

	if len(p.requested) >= p.config.MaxRequestedSize {
		for key, requestedAt := range p.requested {
			if now.Sub(requestedAt) > p.config.StaleWindow {
				delete(p.requested, key)
			}
		}
	}

	budget := min(count, p.config.MaxRequestedSize-len(p.requested))

	if budget <= 0 {
		return nil
	}

	if len(p.queue) < budget {
		p.refillQueue(now)
	}

	taken := min(budget, len(p.queue))
	scheduled := make([]torrent.Block, taken)
	copy(scheduled, p.queue[:taken])
	p.queue = p.queue[taken:]

	for _, block := range scheduled {
		p.requested[keyOf(block)] = now
	}

	return scheduled
}

func (p *blockPlanner) refillQueue(now time.Time) {
	queued := make(map[blockKey]bool, len(p.queue))

	for _, block := range p.queue {
		queued[keyOf(block)] = true
	}

	candidates := []missingEntry{}

	for key, entry := range p.missing {
		// Skip blocks that were queued recently (requeue thrash guard),
		// are already in flight, or are already waiting in the queue.
		if !entry.lastQueued.IsZero() && now.Sub(entry.lastQueued) < p.config.StaleWindow {
			continue
		}

		if _, inFlight := p.requested[key]; inFlight {
			continue
		}

		if queued[key] {
			continue
		}

		candidates = append(candidates, entry)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastQueued.Before(candidates[j].lastQueued)
	})

	room := p.config.MaxQueueLength - len(p.queue)

	if room <= 0 {
		return
	}

	for _, entry := range candidates[:min(room, len(candidates))] {
		key := keyOf(entry.block)
		p.missing[key] = missingEntry{block: entry.block, lastQueued: now}
		p.queue = append(p.queue, entry.block)
	}
}

// addDownloadedBlock records a received block. When it completes its piece the
// piece is returned with its data assembled in offset order.
func (p *blockPlanner) addDownloadedBlock(block torrent.Block) (torrent.Piece, bool, error) {
	key := blockKey{index: block.Index, begin: block.Begin, length: len(block.Data)}

	if _, ok := p.requested[key]; !ok {
		return torrent.Piece{}, false, ErrBlockNotRequested
	}

	delete(p.requested, key)
	delete(p.missing, key)
	p.removeFromQueue(func(queued torrent.Block) bool { return keyOf(queued) == key })

	state := p.pieces[block.Index]

	if state.remaining > 1 {
		p.downloaded[block.Index] = append(p.downloaded[block.Index], block)
		state.remaining--

		return torrent.Piece{}, false, nil
	}

	blocks := append([]torrent.Block{block}, p.downloaded[block.Index]...)

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Begin < blocks[j].Begin
	})

	piece := state.piece
	piece.Data = []byte{}

	for _, b := range blocks {
		piece.Data = append(piece.Data, b.Data...)
	}

	delete(p.pieces, block.Index)
	delete(p.downloaded, block.Index)

	return piece, true, nil
}

// cancelPiece drops every structure entry for the piece and returns the blocks
// that were in flight so cancel messages can be sent for them.
func (p *blockPlanner) cancelPiece(index int) []torrent.Block {
	inFlight := []torrent.Block{}

	for key := range p.requested {
		if key.index == index {
			inFlight = append(inFlight, torrent.Block{Index: key.index, Begin: key.begin, Length: key.length})
			delete(p.requested, key)
		}
	}

	sort.Slice(inFlight, func(i, j int) bool {
		return inFlight[i].Begin < inFlight[j].Begin
	})

	for key := range p.missing {
		if key.index == index {
			delete(p.missing, key)
		}
	}

	p.removeFromQueue(func(queued torrent.Block) bool { return queued.Index == index })

	delete(p.pieces, index)
	delete(p.downloaded, index)

	return inFlight
}

func (p *blockPlanner) removeFromQueue(match func(torrent.Block) bool) {
	filtered := p.queue[:0]

	for _, block := range p.queue {
		if !match(block) {
			filtered = append(filtered, block)
		}
	}

	p.queue = filtered
}
