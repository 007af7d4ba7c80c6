package session

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sleetbt/sleet/internal/metainfo"
	"github.com/sleetbt/sleet/internal/registry"
	"github.com/sleetbt/sleet/internal/storage"
	"github.com/sleetbt/sleet/internal/swarm"
	"github.com/sleetbt/sleet/internal/torrent"
	"github.com/sleetbt/sleet/internal/tracker"
	"github.com/sleetbt/sleet/internal/utils"
)

// peerIdPrefix follows the Azureus convention: client tag plus version.
const peerIdPrefix = "-SL0001-"

type activeTorrent struct {
	meta        *metainfo.Metainfo
	coordinator *swarm.Coordinator
	announcers  []*tracker.Announcer
}

// Session is the application root: it owns the storage actor, the inbound
// listener, the coordinator registry and every active torrent.
type Session struct {
	peerId  torrent.PeerId
	logger  *zap.Logger
	port    uint16
	storage *storage.Storage

	coordinators *registry.Registry[torrent.InfoHash, *swarm.Coordinator]
	listener     *listener

	mu       sync.Mutex
	torrents map[torrent.InfoHash]*activeTorrent
}

type Opts struct {
	Logger    *zap.Logger
	OutputDir string
	Port      uint16

	// Fs defaults to the real filesystem; tests swap in a memory fs.
	Fs afero.Fs
}

func NewSession(opts Opts) *Session {
	logger := opts.Logger

	if logger == nil {
		logger = zap.NewNop()
	}

	fs := opts.Fs

	if fs == nil {
		fs = afero.NewOsFs()
	}

	peerId := generatePeerId()

	store := storage.New(storage.Opts{
		Fs:      fs,
		BaseDir: opts.OutputDir,
		Logger:  logger,
	})
	store.Start()

	s := &Session{
		peerId:       peerId,
		logger:       logger,
		port:         opts.Port,
		storage:      store,
		coordinators: registry.New[torrent.InfoHash, *swarm.Coordinator](),
		torrents:     make(map[torrent.InfoHash]*activeTorrent),
	}

	s.listener = newListener(listenerOpts{
		port:         opts.Port,
		peerId:       peerId,
		logger:       logger,
		coordinators: s.coordinators,
	})

	return s
}

func (s *Session) PeerId() torrent.PeerId {
	return s.peerId
}

// announcePort is what trackers are told to hand out to other peers. With an
// ephemeral listen port the conventional BitTorrent port is advertised.
func (s *Session) announcePort() uint16 {
	if s.port == 0 {
		return 6881
	}

	return s.port
}

// Listen starts accepting inbound peer connections.
func (s *Session) Listen() error {
	return s.listener.start()
}

// ListenAddr reports the bound listen address, nil before Listen.
func (s *Session) ListenAddr() net.Addr {
	return s.listener.addr()
}

// AddTorrent activates a torrent from a metafile path or http(s) URL and
// starts its swarm.
func (s *Session) AddTorrent(src string) (torrent.InfoHash, error) {
	data, err := loadMetafile(src)

	if err != nil {
		return torrent.InfoHash{}, err
	}

	meta, err := metainfo.Parse(data)

	if err != nil {
		return torrent.InfoHash{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.torrents[meta.InfoHash]; active {
		return meta.InfoHash, nil
	}

	if err := s.storage.Activate(meta.InfoHash, meta.Name); err != nil {
		return torrent.InfoHash{}, err
	}

	existing, err := s.storage.ExistingPieces(meta.InfoHash)

	if err != nil {
		return torrent.InfoHash{}, err
	}

	infoHash := meta.InfoHash

	coordinator := swarm.NewCoordinator(swarm.Config{
		InfoHash:       infoHash,
		PeerId:         s.peerId,
		Pieces:         meta.Pieces,
		ExistingPieces: existing,
		Storage:        s.storage,
		Logger:         s.logger,
		OnComplete: func() {
			s.onDownloadComplete(infoHash)
		},
	})

	if err := s.coordinators.Register(infoHash, coordinator); err != nil {
		return torrent.InfoHash{}, err
	}

	coordinator.Start()

	announcers := []*tracker.Announcer{}

	for _, trackerURL := range meta.Trackers {
		client, err := tracker.NewClient(trackerURL)

		if err != nil {
			s.logger.Warn("skipping tracker", zap.String("url", trackerURL), zap.Error(err))
			continue
		}

		announcer := tracker.NewAnnouncer(tracker.AnnouncerOpts{
			Client:   client,
			Swarm:    coordinator,
			Logger:   s.logger.With(zap.String("tracker", trackerURL)),
			InfoHash: infoHash,
			PeerId:   s.peerId,
			Port:     s.announcePort(),
		})

		announcer.Start()
		announcers = append(announcers, announcer)
	}

	s.torrents[infoHash] = &activeTorrent{
		meta:        meta,
		coordinator: coordinator,
		announcers:  announcers,
	}

	s.logger.Info("torrent activated",
		zap.String("name", meta.Name),
		zap.String("infoHash", infoHash.String()),
		zap.Int("pieces", len(meta.Pieces)),
		zap.Int("existing", len(existing)),
		zap.Int("trackers", len(announcers)))

	return infoHash, nil
}

func (s *Session) onDownloadComplete(infoHash torrent.InfoHash) {
	s.mu.Lock()
	active, ok := s.torrents[infoHash]
	s.mu.Unlock()

	if !ok {
		return
	}

	s.logger.Info("download complete", zap.String("name", active.meta.Name))

	s.storage.Compose(infoHash, active.meta.Files, func(path string, err error) {
		if err != nil {
			s.logger.Error("failed to compose downloaded files", zap.Error(err))
			return
		}

		s.logger.Info("files composed", zap.String("path", path))
	})
}

// StopTorrent deactivates one torrent: stopped announces go out, the swarm
// tears down and the storage directory is released.
func (s *Session) StopTorrent(infoHash torrent.InfoHash) error {
	s.mu.Lock()
	active, ok := s.torrents[infoHash]
	delete(s.torrents, infoHash)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("torrent %s is not active", infoHash)
	}

	for _, announcer := range active.announcers {
		announcer.Stop()
	}

	active.coordinator.Stop()
	s.coordinators.Deregister(infoHash)

	return s.storage.Deactivate(infoHash)
}

// Stop deactivates every torrent and shuts the session down.
func (s *Session) Stop() error {
	s.mu.Lock()
	hashes := make([]torrent.InfoHash, 0, len(s.torrents))

	for infoHash := range s.torrents {
		hashes = append(hashes, infoHash)
	}
	s.mu.Unlock()

	var errs error

	for _, infoHash := range hashes {
		errs = multierr.Append(errs, s.StopTorrent(infoHash))
	}

	s.listener.stop()
	s.storage.Stop()

	return errs
}

func loadMetafile(src string) ([]byte, error) {
	if utils.FileExists(src) {
		data, err := os.ReadFile(src)

		if err != nil {
			return nil, fmt.Errorf("failed to read torrent file '%s': %w", src, err)
		}

		return data, nil
	}

	parsed, err := url.Parse(src)

	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("torrent src must be a path to a \".torrent\" file or an http(s) URL")
	}

	res, err := http.Get(src)

	if err != nil {
		return nil, fmt.Errorf("failed to fetch torrent file: %w", err)
	}

	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("received non-OK HTTP status \"%d\" fetching torrent file", res.StatusCode)
	}

	data, err := io.ReadAll(res.Body)

	if err != nil {
		return nil, fmt.Errorf("failed to read torrent file response: %w", err)
	}

	return data, nil
}

// generatePeerId builds the session identity: the client prefix followed by
// the first bytes of a fresh UUID.
func generatePeerId() torrent.PeerId {
	var peerId torrent.PeerId

	id := uuid.New()

	copy(peerId[:], peerIdPrefix)
	copy(peerId[len(peerIdPrefix):], id[:])

	return peerId
}
