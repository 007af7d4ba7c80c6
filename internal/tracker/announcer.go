package tracker

import (
	"time"

	"go.uber.org/zap"

	"github.com/sleetbt/sleet/internal/swarm"
	"github.com/sleetbt/sleet/internal/torrent"
)

const (
	defaultAnnounceInterval = 30 * time.Second
	defaultNumWant          = 50
)

// Swarm is the coordinator surface an announcer reports into.
type Swarm interface {
	AnnouncePeers(peers []torrent.PeerAddress)
	Progress() swarm.Progress
}

// Announcer keeps one tracker informed about one torrent: a started announce
// on startup, regular announces at the tracker-provided interval, and a
// stopped announce on the way out. Announce failures terminate the announcer;
// restarting it is its supervisor's call.
type Announcer struct {
	client   Client
	swarm    Swarm
	logger   *zap.Logger
	infoHash torrent.InfoHash
	peerId   torrent.PeerId
	port     uint16
	numWant  int
	interval time.Duration

	trackerId     string
	completedSent bool

	stop chan struct{}
	done chan struct{}
}

type AnnouncerOpts struct {
	Client   Client
	Swarm    Swarm
	Logger   *zap.Logger
	InfoHash torrent.InfoHash
	PeerId   torrent.PeerId
	Port     uint16
	NumWant  int

	// Interval is the fallback cadence when the tracker does not provide one.
	Interval time.Duration
}

func NewAnnouncer(opts AnnouncerOpts) *Announcer {
	logger := opts.Logger

	if logger == nil {
		logger = zap.NewNop()
	}

	numWant := opts.NumWant

	if numWant == 0 {
		numWant = defaultNumWant
	}

	interval := opts.Interval

	if interval == 0 {
		interval = defaultAnnounceInterval
	}

	return &Announcer{
		client:   opts.Client,
		swarm:    opts.Swarm,
		logger:   logger,
		infoHash: opts.InfoHash,
		peerId:   opts.PeerId,
		port:     opts.Port,
		numWant:  numWant,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (a *Announcer) Start() {
	go a.run()
}

// Stop triggers the stopped announce and waits for the announcer to exit.
func (a *Announcer) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Announcer) run() {
	defer close(a.done)

	response, err := a.announce(EventStarted)

	if err != nil {
		a.logger.Warn("startup announce failed", zap.Error(err))
		return
	}

	interval := a.interval

	if response.Interval > 0 {
		interval = response.Interval
	}

	for {
		select {
		case <-a.stop:
			if _, err := a.announce(EventStopped); err != nil {
				a.logger.Debug("stopped announce failed", zap.Error(err))
			}

			return

		case <-time.After(interval):
			event := EventNone

			if !a.completedSent && a.swarm.Progress().Left == 0 {
				event = EventCompleted
			}

			response, err := a.announce(event)

			if err != nil {
				a.logger.Warn("announce failed", zap.Error(err))
				return
			}

			if event == EventCompleted {
				a.completedSent = true
			}

			if response.Interval > 0 {
				interval = response.Interval
			}
		}
	}
}

func (a *Announcer) announce(event Event) (*AnnounceResponse, error) {
	progress := a.swarm.Progress()

	response, err := a.client.Announce(AnnounceRequest{
		InfoHash:   a.infoHash,
		PeerId:     a.peerId,
		Port:       a.port,
		Downloaded: progress.Downloaded,
		Uploaded:   progress.Uploaded,
		Left:       progress.Left,
		Event:      event,
		NumWant:    a.numWant,
		TrackerId:  a.trackerId,
	})

	if err != nil {
		return nil, err
	}

	if response.Warning != "" {
		a.logger.Warn("tracker warning", zap.String("warning", response.Warning))
	}

	if response.TrackerId != "" {
		a.trackerId = response.TrackerId
	}

	if event != EventStopped && len(response.Peers) > 0 {
		a.swarm.AnnouncePeers(response.Peers)
	}

	return response, nil
}
