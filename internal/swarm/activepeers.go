package swarm

import (
	"math/rand"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/sleetbt/sleet/internal/torrent"
)

// Role records how a peer entered the swarm.
type Role int

const (
	RoleInitiated Role = iota
	RoleAccepted
)

func (r Role) String() string {
	if r == RoleInitiated {
		return "initiated"
	}

	return "accepted"
}

// ActivePeersTracker enforces the admission caps: a peer appears at most once
// regardless of role, and each role has its own connection budget. It also
// remembers whether an accepted peer was admitted within the last admission
// window, which gates the random-eviction policy.
type ActivePeersTracker struct {
	maxInitiate int
	maxAccept   int
	window      time.Duration
	now         func() time.Time

	initiated    mapset.Set
	accepted     mapset.Set
	lastAccepted time.Time
}

type ActivePeersConfig struct {
	MaxInitiate     int
	MaxAccept       int
	AdmissionWindow time.Duration

	now func() time.Time
}

func NewActivePeersTracker(config ActivePeersConfig) *ActivePeersTracker {
	if config.MaxInitiate == 0 {
		config.MaxInitiate = 10
	}

	if config.MaxAccept == 0 {
		config.MaxAccept = 10
	}

	if config.AdmissionWindow == 0 {
		config.AdmissionWindow = 60 * time.Second
	}

	if config.now == nil {
		config.now = time.Now
	}

	return &ActivePeersTracker{
		maxInitiate: config.MaxInitiate,
		maxAccept:   config.MaxAccept,
		window:      config.AdmissionWindow,
		now:         config.now,
		initiated:   mapset.NewThreadUnsafeSet(),
		accepted:    mapset.NewThreadUnsafeSet(),
	}
}

func (t *ActivePeersTracker) IsActive(address torrent.PeerAddress) bool {
	return t.initiated.Contains(address) || t.accepted.Contains(address)
}

func (t *ActivePeersTracker) HasRoom(role Role) bool {
	if role == RoleInitiated {
		return t.initiated.Cardinality() < t.maxInitiate
	}

	return t.accepted.Cardinality() < t.maxAccept
}

// Add admits a peer under the given role. It refuses duplicates in either
// role and refuses when the role's budget is exhausted.
func (t *ActivePeersTracker) Add(address torrent.PeerAddress, role Role) bool {
	if t.IsActive(address) || !t.HasRoom(role) {
		return false
	}

	if role == RoleInitiated {
		t.initiated.Add(address)
		return true
	}

	t.accepted.Add(address)
	t.lastAccepted = t.now()

	return true
}

func (t *ActivePeersTracker) Remove(address torrent.PeerAddress) {
	t.initiated.Remove(address)
	t.accepted.Remove(address)
}

// HasRecentlyAccepted reports whether an accepted peer was admitted within
// the admission window.
func (t *ActivePeersTracker) HasRecentlyAccepted() bool {
	if t.lastAccepted.IsZero() {
		return false
	}

	return t.now().Sub(t.lastAccepted) < t.window
}

// RandomAccepted picks a uniformly random accepted peer, the eviction victim
// when a new inbound peer arrives with the accepted budget exhausted.
func (t *ActivePeersTracker) RandomAccepted() (torrent.PeerAddress, bool) {
	count := t.accepted.Cardinality()

	if count == 0 {
		return torrent.PeerAddress{}, false
	}

	victims := t.accepted.ToSlice()

	return victims[rand.Intn(count)].(torrent.PeerAddress), true
}

func (t *ActivePeersTracker) Count() int {
	return t.initiated.Cardinality() + t.accepted.Cardinality()
}

func (t *ActivePeersTracker) RoleCount(role Role) int {
	if role == RoleInitiated {
		return t.initiated.Cardinality()
	}

	return t.accepted.Cardinality()
}
