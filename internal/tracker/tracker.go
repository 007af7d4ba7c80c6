package tracker

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sleetbt/sleet/internal/torrent"
)

// Event annotates an announce with the client's lifecycle transition.
type Event string

const (
	EventNone      Event = ""
	EventCompleted Event = "completed"
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
)

// UDPEventId maps an announce event onto its UDP wire encoding.
func (e Event) UDPEventId() uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

var (
	ErrBadHTTPStatus            = errors.New("tracker: unexpected HTTP status")
	ErrBadTransactionId         = errors.New("tracker: transaction id mismatch")
	ErrBadAction                = errors.New("tracker: action mismatch")
	ErrBadConnectResponseLength = errors.New("tracker: connect response is too short")
	ErrInvalidAnnounceResponse  = errors.New("tracker: invalid announce response")
	ErrFailedToOpenSocket       = errors.New("tracker: failed to open socket")
)

type AnnounceRequest struct {
	InfoHash   torrent.InfoHash
	PeerId     torrent.PeerId
	Port       uint16
	Downloaded int
	Uploaded   int
	Left       int
	Event      Event
	NumWant    int
	TrackerId  string
}

type AnnounceResponse struct {
	Interval   time.Duration
	Complete   int
	Incomplete int
	Peers      []torrent.PeerAddress
	TrackerId  string
	Warning    string
}

// Client announces to one tracker endpoint.
type Client interface {
	Announce(request AnnounceRequest) (*AnnounceResponse, error)
}

// NewClient picks the protocol client matching the tracker URL's scheme.
func NewClient(trackerURL string) (Client, error) {
	parsed, err := url.Parse(trackerURL)

	if err != nil {
		return nil, fmt.Errorf("failed to parse tracker URL '%s': %w", trackerURL, err)
	}

	switch parsed.Scheme {
	case "http", "https":
		return newHTTPClient(trackerURL), nil

	case "udp":
		return newUDPClient(parsed.Host), nil

	default:
		return nil, fmt.Errorf("tracker URL scheme must be one of 'http', 'https' or 'udp', got '%s'", parsed.Scheme)
	}
}
