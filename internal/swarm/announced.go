package swarm

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/sleetbt/sleet/internal/torrent"
)

// AnnouncedPeersTracker buffers peer endpoints received from trackers until
// there is room to dial them. It is a bounded ring: when full, the oldest
// endpoint is dropped to make room for the newest announce.
type AnnouncedPeersTracker struct {
	capacity int
	buffer   []torrent.PeerAddress
	buffered mapset.Set
}

func NewAnnouncedPeersTracker(capacity int) *AnnouncedPeersTracker {
	if capacity == 0 {
		capacity = 64
	}

	return &AnnouncedPeersTracker{
		capacity: capacity,
		buffered: mapset.NewThreadUnsafeSet(),
	}
}

// Add buffers candidate endpoints, skipping duplicates and endpoints that are
// already active.
func (t *AnnouncedPeersTracker) Add(addresses []torrent.PeerAddress, isActive func(torrent.PeerAddress) bool) {
	for _, address := range addresses {
		if t.buffered.Contains(address) || isActive(address) {
			continue
		}

		if len(t.buffer) == t.capacity {
			dropped := t.buffer[0]
			t.buffer = t.buffer[1:]
			t.buffered.Remove(dropped)
		}

		t.buffer = append(t.buffer, address)
		t.buffered.Add(address)
	}
}

// Next hands out the oldest buffered endpoint.
func (t *AnnouncedPeersTracker) Next() (torrent.PeerAddress, bool) {
	if len(t.buffer) == 0 {
		return torrent.PeerAddress{}, false
	}

	address := t.buffer[0]
	t.buffer = t.buffer[1:]
	t.buffered.Remove(address)

	return address, true
}

func (t *AnnouncedPeersTracker) Len() int {
	return len(t.buffer)
}
