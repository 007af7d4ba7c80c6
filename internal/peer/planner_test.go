package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleetbt/sleet/internal/torrent"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func plannerBlockCount(p *blockPlanner, index int) int {
	count := 0

	for key := range p.missing {
		if key.index == index {
			count++
		}
	}

	return count
}

func TestAddPieceSplitsIntoBlocks(t *testing.T) {
	p := newBlockPlanner(PlannerConfig{BlockSize: 4})

	p.addPiece(torrent.Piece{Index: 2, Length: 10})

	require.True(t, p.hasPiece(2))
	assert.Equal(t, 3, p.pieces[2].remaining)

	expected := map[blockKey]bool{
		{index: 2, begin: 0, length: 4}: true,
		{index: 2, begin: 4, length: 4}: true,
		{index: 2, begin: 8, length: 2}: true,
	}

	require.Len(t, p.missing, 3)

	for key := range p.missing {
		assert.True(t, expected[key], "unexpected block key %+v", key)
	}
}

func TestScheduleBlocksDrainsQueueFirst(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	p := newBlockPlanner(PlannerConfig{BlockSize: 2, now: fixedClock(now)})

	blocks := []torrent.Block{
		{Index: 1, Begin: 0, Length: 2},
		{Index: 1, Begin: 2, Length: 2},
		{Index: 1, Begin: 4, Length: 2},
		{Index: 1, Begin: 6, Length: 2},
	}

	timestamps := []time.Time{
		time.Unix(10, 0),
		time.Unix(11, 0),
		time.Unix(12, 0),
		time.Unix(5, 0),
	}

	p.pieces[1] = &pieceState{piece: torrent.Piece{Index: 1, Length: 8}, remaining: 4}
	p.queue = append(p.queue, blocks...)

	for i, block := range blocks {
		p.missing[keyOf(block)] = missingEntry{block: block, lastQueued: timestamps[i]}
	}

	scheduled := p.scheduleBlocks(3)

	assert.Equal(t, blocks[:3], scheduled)
	require.Len(t, p.queue, 1)
	assert.Equal(t, blocks[3], p.queue[0])

	require.Len(t, p.requested, 3)

	for _, block := range blocks[:3] {
		requestedAt, ok := p.requested[keyOf(block)]
		require.True(t, ok)
		assert.Equal(t, now, requestedAt)
	}

	// The refill pass never ran, so no missing timestamp moved.
	for i, block := range blocks {
		assert.Equal(t, timestamps[i], p.missing[keyOf(block)].lastQueued)
	}
}

func TestScheduleBlocksRefillsFromMissing(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	p := newBlockPlanner(PlannerConfig{BlockSize: 4, now: fixedClock(now)})

	p.addPiece(torrent.Piece{Index: 0, Length: 16})

	scheduled := p.scheduleBlocks(2)
	require.Len(t, scheduled, 2)

	// Scheduled blocks are in flight; missing retains them for rescheduling.
	assert.Len(t, p.requested, 2)
	assert.Len(t, p.missing, 4)

	// A second pass must not hand out blocks that are already requested or
	// freshly queued.
	scheduled = p.scheduleBlocks(4)
	require.Len(t, scheduled, 2)
	assert.Len(t, p.requested, 4)
}

func TestScheduleBlocksReclaimsStaleRequests(t *testing.T) {
	current := time.Unix(1_000_000, 0)
	clock := func() time.Time { return current }

	p := newBlockPlanner(PlannerConfig{BlockSize: 1, MaxRequestedSize: 2, StaleWindow: 60 * time.Second, now: clock})

	p.addPiece(torrent.Piece{Index: 0, Length: 3})

	first := p.scheduleBlocks(2)
	require.Len(t, first, 2)

	// The in-flight set is saturated and nothing is stale yet.
	assert.Empty(t, p.scheduleBlocks(1))

	// Once the stale window passes, saturated scheduling purges the dead
	// requests and the same blocks become eligible again.
	current = current.Add(2 * time.Minute)

	reclaimed := p.scheduleBlocks(3)
	require.Len(t, reclaimed, 2)

	keys := map[blockKey]bool{}

	for _, block := range reclaimed {
		keys[keyOf(block)] = true
	}

	assert.Len(t, keys, 2)
}

func TestScheduleBlocksHonorsRequestedBudget(t *testing.T) {
	p := newBlockPlanner(PlannerConfig{BlockSize: 1, MaxRequestedSize: 3})

	p.addPiece(torrent.Piece{Index: 0, Length: 10})

	assert.Len(t, p.scheduleBlocks(10), 3)
	assert.Empty(t, p.scheduleBlocks(10))
}

func TestAddDownloadedBlockRejectsUnrequested(t *testing.T) {
	p := newBlockPlanner(PlannerConfig{BlockSize: 4})

	p.addPiece(torrent.Piece{Index: 0, Length: 8})

	_, _, err := p.addDownloadedBlock(torrent.Block{Index: 0, Begin: 0, Length: 4, Data: []byte("dddd")})
	assert.ErrorIs(t, err, ErrBlockNotRequested)
}

func TestAddDownloadedBlockCompletesPiece(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	p := newBlockPlanner(PlannerConfig{BlockSize: 2, now: fixedClock(now)})

	p.pieces[1] = &pieceState{piece: torrent.Piece{Index: 1, Length: 8}, remaining: 1}
	p.downloaded[1] = []torrent.Block{
		{Index: 1, Begin: 2, Length: 2, Data: []byte("bb")},
		{Index: 1, Begin: 0, Length: 2, Data: []byte("aa")},
		{Index: 1, Begin: 4, Length: 2, Data: []byte("cc")},
	}

	lastKey := blockKey{index: 1, begin: 6, length: 2}
	p.missing[lastKey] = missingEntry{block: torrent.Block{Index: 1, Begin: 6, Length: 2}}
	p.requested[lastKey] = now

	piece, completed, err := p.addDownloadedBlock(torrent.Block{Index: 1, Begin: 6, Length: 2, Data: []byte("dd")})
	require.NoError(t, err)
	require.True(t, completed)

	assert.Equal(t, []byte("aabbccdd"), piece.Data)
	assert.Equal(t, 1, piece.Index)

	assert.Empty(t, p.pieces)
	assert.Empty(t, p.missing)
	assert.Empty(t, p.downloaded)
	assert.Empty(t, p.requested)
	assert.Empty(t, p.queue)
}

func TestAddDownloadedBlockKeepsCountsConsistent(t *testing.T) {
	p := newBlockPlanner(PlannerConfig{BlockSize: 4})

	piece := torrent.Piece{Index: 3, Length: 16}
	p.addPiece(piece)

	totalBlocks := 4

	for round := 0; round < totalBlocks; round++ {
		scheduled := p.scheduleBlocks(1)
		require.Len(t, scheduled, 1)

		block := scheduled[0]
		block.Data = make([]byte, block.Length)

		_, completed, err := p.addDownloadedBlock(block)
		require.NoError(t, err)

		if round < totalBlocks-1 {
			require.False(t, completed)

			// The remaining counter matches the keys still tracked in
			// missing, and downloaded holds the delivered remainder.
			state := p.pieces[3]
			assert.Equal(t, state.remaining, plannerBlockCount(p, 3))
			assert.Equal(t, totalBlocks-state.remaining, len(p.downloaded[3]))
		} else {
			require.True(t, completed)
		}
	}
}

func TestCancelPieceReturnsInFlightBlocks(t *testing.T) {
	p := newBlockPlanner(PlannerConfig{BlockSize: 4})

	p.addPiece(torrent.Piece{Index: 0, Length: 16})
	p.addPiece(torrent.Piece{Index: 1, Length: 8})

	scheduled := p.scheduleBlocks(2)
	require.Len(t, scheduled, 2)

	inFlight := p.cancelPiece(0)

	for _, block := range inFlight {
		assert.Equal(t, 0, block.Index)
	}

	assert.False(t, p.hasPiece(0))
	assert.True(t, p.hasPiece(1))

	for key := range p.missing {
		assert.NotEqual(t, 0, key.index)
	}

	for key := range p.requested {
		assert.NotEqual(t, 0, key.index)
	}

	for _, block := range p.queue {
		assert.NotEqual(t, 0, block.Index)
	}
}
