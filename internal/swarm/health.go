package swarm

import (
	"time"

	"github.com/sleetbt/sleet/internal/torrent"
)

type chokeTransition struct {
	choked bool
	at     time.Time
}

// HealthTracker keeps a per-peer timeline of remote choke transitions, and
// UnchokedRatio reports how much of the recent window a peer spent unchoked.
// Piece assignment does not consult it.
type HealthTracker struct {
	window    time.Duration
	now       func() time.Time
	timelines map[torrent.PeerAddress][]chokeTransition
}

type HealthConfig struct {
	Window time.Duration

	now func() time.Time
}

func NewHealthTracker(config HealthConfig) *HealthTracker {
	if config.Window == 0 {
		config.Window = 5 * time.Minute
	}

	if config.now == nil {
		config.now = time.Now
	}

	return &HealthTracker{
		window:    config.Window,
		now:       config.now,
		timelines: make(map[torrent.PeerAddress][]chokeTransition),
	}
}

func (t *HealthTracker) RecordChoke(address torrent.PeerAddress) {
	t.record(address, true)
}

func (t *HealthTracker) RecordUnchoke(address torrent.PeerAddress) {
	t.record(address, false)
}

func (t *HealthTracker) record(address torrent.PeerAddress, choked bool) {
	timeline := append(t.timelines[address], chokeTransition{choked: choked, at: t.now()})

	// Drop transitions that fell out of the window, keeping the one
	// immediately preceding it so the window's starting state is known.
	cutoff := t.now().Add(-t.window)
	start := 0

	for i, transition := range timeline {
		if transition.at.Before(cutoff) {
			start = i
		}
	}

	t.timelines[address] = timeline[start:]
}

// UnchokedRatio returns the fraction of the recent window the peer left us
// unchoked. A peer with no recorded transitions scores zero: nothing is known
// about it yet.
func (t *HealthTracker) UnchokedRatio(address torrent.PeerAddress) float64 {
	timeline := t.timelines[address]

	if len(timeline) == 0 {
		return 0
	}

	now := t.now()
	windowStart := now.Add(-t.window)
	unchoked := time.Duration(0)

	for i, transition := range timeline {
		segmentStart := transition.at

		if segmentStart.Before(windowStart) {
			segmentStart = windowStart
		}

		segmentEnd := now

		if i+1 < len(timeline) {
			segmentEnd = timeline[i+1].at
		}

		if !transition.choked && segmentEnd.After(segmentStart) {
			unchoked += segmentEnd.Sub(segmentStart)
		}
	}

	return float64(unchoked) / float64(t.window)
}

func (t *HealthTracker) RemovePeer(address torrent.PeerAddress) {
	delete(t.timelines, address)
}
