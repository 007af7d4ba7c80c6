package swarm

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/sleetbt/sleet/internal/bitfield"
	"github.com/sleetbt/sleet/internal/mailbox"
	"github.com/sleetbt/sleet/internal/peer"
	"github.com/sleetbt/sleet/internal/storage"
	"github.com/sleetbt/sleet/internal/torrent"
)

const defaultRetrievalCoalesceWindow = 3 * time.Second

// SessionHandle is the command surface of a peer session. *peer.Session
// satisfies it; tests substitute recorders.
type SessionHandle interface {
	Start()
	StartDownload(piece torrent.Piece)
	Choke()
	Unchoke()
	AnnounceHave(index int)
	SendBitfield()
	CancelPiece(index int)
	ServeBlock(index, begin int, data []byte)
	Stop()
}

// Store is the slice of the storage actor the coordinator drives.
type Store interface {
	Store(infoHash torrent.InfoHash, piece torrent.Piece, notify func(storage.StoreResult))
	Retrieve(infoHash torrent.InfoHash, index int, notify func(storage.RetrieveResult))
}

type pendingBlockRequest struct {
	address torrent.PeerAddress
	begin   int
	length  int
	at      time.Time
}

type Config struct {
	InfoHash torrent.InfoHash
	PeerId   torrent.PeerId

	// Pieces describes every piece of the torrent; ExistingPieces lists the
	// indexes the store already holds from a previous run.
	Pieces         []torrent.Piece
	ExistingPieces []int

	Storage Store
	Logger  *zap.Logger

	// OnComplete fires once no piece is missing anymore.
	OnComplete func()

	MaxInitiate             int
	MaxAccept               int
	AdmissionWindow         time.Duration
	RetrievalCoalesceWindow time.Duration
	CacheCapacity           int
	AnnouncedBuffer         int
	Assigner                AssignerConfig
	Planner                 peer.PlannerConfig

	// newSession and dial are seams for tests; production wiring fills them
	// with peer.NewSession and the handshaker.
	newSession func(conn net.Conn, address torrent.PeerAddress, snapshot bitfield.Bitfield) SessionHandle
	dial       func(address torrent.PeerAddress) (net.Conn, torrent.PeerId, error)
	now        func() time.Time
}

// Coordinator owns all per-torrent swarm state. It is a single-threaded
// event-loop actor: announcers, the listener, the storage actor and every
// peer session talk to it exclusively through its mailbox, and only the
// coordinator mutates the piece-level bookkeeping.
type Coordinator struct {
	config Config
	logger *zap.Logger

	events *mailbox.Mailbox[event]
	done   chan struct{}

	handshaker peer.Handshaker

	sessions  map[torrent.PeerAddress]SessionHandle
	active    *ActivePeersTracker
	tracker   *PieceTracker
	assigner  *PieceAssigner
	health    *HealthTracker
	announced *AnnouncedPeersTracker
	cache     *PieceCache

	pieces        map[int]torrent.Piece
	local         bitfield.Bitfield
	dialsInFlight int

	pendingRequests map[int][]pendingBlockRequest
	lastRetrieval   map[int]time.Time
	storingPieces   map[int]torrent.Piece
	uploadedBytes   int

	stopping bool
}

func NewCoordinator(config Config) *Coordinator {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	if config.MaxInitiate == 0 {
		config.MaxInitiate = 10
	}

	if config.MaxAccept == 0 {
		config.MaxAccept = 10
	}

	if config.RetrievalCoalesceWindow == 0 {
		config.RetrievalCoalesceWindow = defaultRetrievalCoalesceWindow
	}

	if config.now == nil {
		config.now = time.Now
	}

	c := &Coordinator{
		config: config,
		logger: config.Logger.With(zap.String("infoHash", config.InfoHash.String())),
		events: mailbox.New[event](),
		done:   make(chan struct{}),
		handshaker: peer.Handshaker{
			PeerId: config.PeerId,
		},
		sessions: make(map[torrent.PeerAddress]SessionHandle),
		active: NewActivePeersTracker(ActivePeersConfig{
			MaxInitiate:     config.MaxInitiate,
			MaxAccept:       config.MaxAccept,
			AdmissionWindow: config.AdmissionWindow,
			now:             config.now,
		}),
		tracker:         NewPieceTracker(len(config.Pieces), config.ExistingPieces),
		assigner:        NewPieceAssigner(config.Assigner),
		health:          NewHealthTracker(HealthConfig{now: config.now}),
		announced:       NewAnnouncedPeersTracker(config.AnnouncedBuffer),
		cache:           NewPieceCache(config.CacheCapacity),
		pieces:          make(map[int]torrent.Piece),
		local:           bitfield.Create(len(config.Pieces), config.ExistingPieces),
		pendingRequests: make(map[int][]pendingBlockRequest),
		lastRetrieval:   make(map[int]time.Time),
		storingPieces:   make(map[int]torrent.Piece),
	}

	for _, piece := range config.Pieces {
		c.pieces[piece.Index] = piece
	}

	if c.config.newSession == nil {
		c.config.newSession = c.defaultNewSession
	}

	if c.config.dial == nil {
		c.config.dial = c.defaultDial
	}

	return c
}

func (c *Coordinator) defaultNewSession(conn net.Conn, address torrent.PeerAddress, snapshot bitfield.Bitfield) SessionHandle {
	return peer.NewSession(peer.SessionOpts{
		Conn:        conn,
		Address:     address,
		PeerId:      c.config.PeerId,
		Coordinator: c,
		Logger:      c.config.Logger,
		Bitfield:    snapshot,
		NumPieces:   len(c.config.Pieces),
		Planner:     c.config.Planner,
	})
}

func (c *Coordinator) defaultDial(address torrent.PeerAddress) (net.Conn, torrent.PeerId, error) {
	conn, err := c.handshaker.Connect(address)

	if err != nil {
		return nil, torrent.PeerId{}, err
	}

	peerId, err := c.handshaker.Initiate(conn, c.config.InfoHash)

	if err != nil {
		return nil, torrent.PeerId{}, err
	}

	return conn, peerId, nil
}

func (c *Coordinator) Start() {
	go c.run()
}

// Stop tears the swarm down: every session is stopped and the event loop
// exits once the stop event is processed.
func (c *Coordinator) Stop() {
	reply := make(chan struct{}, 1)
	c.events.Put(stopEvent{reply: reply})

	select {
	case <-reply:
	case <-c.done:
	}
}

// Progress answers announcers with a bytes-downloaded/bytes-left snapshot.
func (c *Coordinator) Progress() Progress {
	reply := make(chan Progress, 1)
	c.events.Put(progressRequestEvent{reply: reply})

	select {
	case progress := <-reply:
		return progress
	case <-c.done:
		return Progress{}
	}
}

// AnnouncePeers delivers a tracker announce result.
func (c *Coordinator) AnnouncePeers(peers []torrent.PeerAddress) {
	c.events.Put(announceResultEvent{peers: peers})
}

// AcceptPeer hands over an inbound transport whose handshake the listener's
// responder already completed.
func (c *Coordinator) AcceptPeer(conn net.Conn, address torrent.PeerAddress, peerId torrent.PeerId) {
	c.events.Put(handshakeCompletedEvent{conn: conn, address: address, peerId: peerId, role: RoleAccepted})
}

// The peer.Coordinator surface: sessions report by posting events.

func (c *Coordinator) PeerChoked(address torrent.PeerAddress) {
	c.events.Put(peerChokedEvent{address: address})
}

func (c *Coordinator) PeerUnchoked(address torrent.PeerAddress) {
	c.events.Put(peerUnchokedEvent{address: address})
}

func (c *Coordinator) PeerAnnouncedPiece(address torrent.PeerAddress, index int) {
	c.events.Put(peerAnnouncedPieceEvent{address: address, index: index})
}

func (c *Coordinator) PeerSentBitfield(address torrent.PeerAddress, b bitfield.Bitfield) {
	c.events.Put(peerSentBitfieldEvent{address: address, bitfield: b})
}

func (c *Coordinator) BlockRequested(address torrent.PeerAddress, index, begin, length int) {
	c.events.Put(blockRequestEvent{address: address, index: index, begin: begin, length: length})
}

func (c *Coordinator) BlockRequestCancelled(address torrent.PeerAddress, index, begin, length int) {
	c.events.Put(blockRequestCancelledEvent{address: address, index: index, begin: begin, length: length})
}

func (c *Coordinator) PieceDownloaded(address torrent.PeerAddress, piece torrent.Piece) {
	c.events.Put(pieceDownloadedEvent{address: address, piece: piece})
}

func (c *Coordinator) ProtocolViolation(address torrent.PeerAddress, reason peer.ViolationReason) {
	c.events.Put(protocolViolationEvent{address: address, reason: reason})
}

func (c *Coordinator) SessionTerminated(address torrent.PeerAddress) {
	c.events.Put(sessionTerminatedEvent{address: address})
}

func (c *Coordinator) run() {
	for e := range c.events.Receive() {
		if c.handle(e) {
			break
		}
	}

	c.events.Close()

	go func() {
		for range c.events.Receive() {
		}
	}()

	close(c.done)
}

func (c *Coordinator) handle(e event) bool {
	switch ev := e.(type) {
	case announceResultEvent:
		c.onAnnounceResult(ev)

	case handshakeCompletedEvent:
		c.onHandshakeCompleted(ev)

	case handshakeFailedEvent:
		c.onHandshakeFailed(ev)

	case peerChokedEvent:
		c.health.RecordChoke(ev.address)

	case peerUnchokedEvent:
		c.health.RecordUnchoke(ev.address)

	case peerAnnouncedPieceEvent:
		c.onPeerAnnouncedPiece(ev)

	case peerSentBitfieldEvent:
		c.onPeerSentBitfield(ev)

	case blockRequestEvent:
		c.onBlockRequest(ev)

	case blockRequestCancelledEvent:
		c.onBlockRequestCancelled(ev)

	case pieceDownloadedEvent:
		c.onPieceDownloaded(ev)

	case storeResultEvent:
		c.onStoreResult(ev)

	case retrievalResultEvent:
		c.onRetrievalResult(ev)

	case protocolViolationEvent:
		c.onProtocolViolation(ev)

	case sessionTerminatedEvent:
		c.removePeer(ev.address)

	case progressRequestEvent:
		ev.reply <- c.progressSnapshot()

	case stopEvent:
		c.onStop(ev)
		return true
	}

	return false
}

func (c *Coordinator) onStop(ev stopEvent) {
	c.stopping = true

	for _, session := range c.sessions {
		session.Stop()
	}

	c.logger.Info("coordinator stopped", zap.Int("activePeers", c.active.Count()))
	ev.reply <- struct{}{}
}

func (c *Coordinator) onAnnounceResult(ev announceResultEvent) {
	c.announced.Add(ev.peers, c.active.IsActive)
	c.dialPending()
}

// dialPending starts outbound handshakes while the initiated budget has room,
// counting handshakes still in flight against it.
func (c *Coordinator) dialPending() {
	if c.stopping {
		return
	}

	for c.active.RoleCount(RoleInitiated)+c.dialsInFlight < c.config.MaxInitiate {
		address, ok := c.announced.Next()

		if !ok {
			return
		}

		if c.active.IsActive(address) {
			continue
		}

		c.dialsInFlight++

		go func() {
			conn, peerId, err := c.config.dial(address)

			if err != nil {
				c.events.Put(handshakeFailedEvent{address: address, err: err})
				return
			}

			c.events.Put(handshakeCompletedEvent{conn: conn, address: address, peerId: peerId, role: RoleInitiated})
		}()
	}
}

func (c *Coordinator) onHandshakeFailed(ev handshakeFailedEvent) {
	c.dialsInFlight--
	c.logger.Debug("handshake failed", zap.String("peer", ev.address.String()), zap.Error(ev.err))
	c.dialPending()
}

func (c *Coordinator) onHandshakeCompleted(ev handshakeCompletedEvent) {
	if ev.role == RoleInitiated {
		c.dialsInFlight--
	}

	if c.stopping {
		ev.conn.Close()
		return
	}

	// A peer may appear at most once regardless of role.
	if c.active.IsActive(ev.address) {
		c.logger.Debug("peer already active, closing duplicate transport", zap.String("peer", ev.address.String()))
		ev.conn.Close()
		return
	}

	if ev.role == RoleAccepted && !c.active.HasRoom(RoleAccepted) {
		if c.active.HasRecentlyAccepted() {
			ev.conn.Close()
			return
		}

		victim, ok := c.active.RandomAccepted()

		if !ok {
			ev.conn.Close()
			return
		}

		c.logger.Info("evicting accepted peer to admit a new one", zap.String("victim", victim.String()))
		c.terminatePeer(victim)
	}

	if !c.active.Add(ev.address, ev.role) {
		ev.conn.Close()
		return
	}

	session := c.config.newSession(ev.conn, ev.address, c.local.Clone())
	c.sessions[ev.address] = session

	session.Start()
	session.SendBitfield()
	session.Unchoke()

	c.logger.Info("peer admitted", zap.String("peer", ev.address.String()), zap.Stringer("role", ev.role))
}

func (c *Coordinator) onPeerSentBitfield(ev peerSentBitfieldEvent) {
	session, ok := c.sessions[ev.address]

	if !ok {
		return
	}

	hadInfo := c.tracker.HasPossessionInfo(ev.address)
	wanted := c.tracker.UpdateWithBitfield(ev.address, ev.bitfield)

	if !hadInfo {
		for _, index := range c.assigner.AssignInitial(wanted, c.tracker.PossessionCount, ev.address) {
			session.StartDownload(c.pieces[index])
		}

		return
	}

	for _, index := range wanted {
		if c.assigner.Assign(index, ev.address) {
			session.StartDownload(c.pieces[index])
		}
	}
}

func (c *Coordinator) onPeerAnnouncedPiece(ev peerAnnouncedPieceEvent) {
	c.tracker.UpdateWithIndex(ev.address, ev.index)

	session, ok := c.sessions[ev.address]

	if !ok || !c.tracker.IsMissing(ev.index) {
		return
	}

	if c.assigner.Assign(ev.index, ev.address) {
		session.StartDownload(c.pieces[ev.index])
	}
}

func (c *Coordinator) onBlockRequest(ev blockRequestEvent) {
	session, ok := c.sessions[ev.address]

	if !ok {
		return
	}

	if data, hit := c.cache.Get(ev.index); hit {
		c.serveSlice(session, ev.index, ev.begin, ev.length, data)
		return
	}

	now := c.config.now()

	c.pendingRequests[ev.index] = append(c.pendingRequests[ev.index], pendingBlockRequest{
		address: ev.address,
		begin:   ev.begin,
		length:  ev.length,
		at:      now,
	})

	last, retrieving := c.lastRetrieval[ev.index]

	if retrieving && now.Sub(last) <= c.config.RetrievalCoalesceWindow {
		return
	}

	c.lastRetrieval[ev.index] = now

	c.config.Storage.Retrieve(c.config.InfoHash, ev.index, func(result storage.RetrieveResult) {
		c.events.Put(retrievalResultEvent{result: result})
	})
}

func (c *Coordinator) onBlockRequestCancelled(ev blockRequestCancelledEvent) {
	pending := c.pendingRequests[ev.index]
	kept := pending[:0]

	for _, request := range pending {
		if request.address == ev.address && request.begin == ev.begin && request.length == ev.length {
			continue
		}

		kept = append(kept, request)
	}

	if len(kept) == 0 {
		delete(c.pendingRequests, ev.index)
		return
	}

	c.pendingRequests[ev.index] = kept
}

func (c *Coordinator) onRetrievalResult(ev retrievalResultEvent) {
	index := ev.result.Index

	if ev.result.Err != nil {
		c.logger.Warn("piece retrieval failed", zap.Int("index", index), zap.Error(ev.result.Err))
		return
	}

	for _, request := range c.pendingRequests[index] {
		if session, ok := c.sessions[request.address]; ok {
			c.serveSlice(session, index, request.begin, request.length, ev.result.Data)
		}
	}

	delete(c.pendingRequests, index)
	c.cache.Add(index, ev.result.Data)
}

func (c *Coordinator) serveSlice(session SessionHandle, index, begin, length int, data []byte) {
	if begin < 0 || length <= 0 || begin+length > len(data) {
		c.logger.Warn("dropping out-of-range block request",
			zap.Int("index", index), zap.Int("begin", begin), zap.Int("length", length), zap.Int("pieceSize", len(data)))
		return
	}

	c.uploadedBytes += length
	session.ServeBlock(index, begin, data[begin:begin+length])
}

func (c *Coordinator) onPieceDownloaded(ev pieceDownloadedEvent) {
	if !c.tracker.IsMissing(ev.piece.Index) {
		// Another peer won the race; a cancel for this piece is already on
		// its way to this session.
		return
	}

	c.tracker.MarkStoring(ev.piece.Index, ev.address)
	c.storingPieces[ev.piece.Index] = ev.piece
	c.submitStore(ev.piece)
}

func (c *Coordinator) submitStore(piece torrent.Piece) {
	c.config.Storage.Store(c.config.InfoHash, piece, func(result storage.StoreResult) {
		c.events.Put(storeResultEvent{result: result})
	})
}

func (c *Coordinator) onStoreResult(ev storeResultEvent) {
	index := ev.result.Index
	piece, ok := c.storingPieces[index]

	if !ok {
		return
	}

	if ev.result.Err != nil {
		c.logger.Warn("piece store failed, retrying", zap.Int("index", index), zap.Error(ev.result.Err))
		c.submitStore(piece)
		return
	}

	delete(c.storingPieces, index)

	downloader, _ := c.tracker.RemoveStoringPiece(index)
	c.local.Set(index)

	assigned := map[torrent.PeerAddress]bool{}

	for _, address := range c.assigner.AssignedPeers(index) {
		assigned[address] = true

		if address == downloader {
			continue
		}

		if session, ok := c.sessions[address]; ok {
			session.CancelPiece(index)
		}
	}

	c.assigner.Unassign(index)

	for address, session := range c.sessions {
		if !assigned[address] {
			session.AnnounceHave(index)
		}
	}

	c.logger.Info("piece stored", zap.Int("index", index), zap.Int("missing", c.tracker.MissingCount()))

	if c.tracker.MissingCount() == 0 && c.config.OnComplete != nil {
		c.config.OnComplete()
	}
}

func (c *Coordinator) onProtocolViolation(ev protocolViolationEvent) {
	c.logger.Warn("protocol violation",
		zap.String("peer", ev.address.String()), zap.String("reason", string(ev.reason)))
	c.terminatePeer(ev.address)
}

// terminatePeer stops the session and removes the peer from every per-peer
// structure immediately; the session's own terminated event later finds
// nothing left and is a no-op.
func (c *Coordinator) terminatePeer(address torrent.PeerAddress) {
	session, ok := c.sessions[address]

	if ok {
		session.Stop()
	}

	c.removePeer(address)
}

func (c *Coordinator) removePeer(address torrent.PeerAddress) {
	if _, ok := c.sessions[address]; !ok {
		return
	}

	delete(c.sessions, address)
	c.active.Remove(address)
	c.health.RemovePeer(address)

	orphaned := c.assigner.RemovePeer(address)
	c.tracker.RemovePeer(address)

	for index, pending := range c.pendingRequests {
		kept := pending[:0]

		for _, request := range pending {
			if request.address != address {
				kept = append(kept, request)
			}
		}

		if len(kept) == 0 {
			delete(c.pendingRequests, index)
		} else {
			c.pendingRequests[index] = kept
		}
	}

	c.reassignOrphans(orphaned)

	if !c.stopping {
		c.dialPending()
	}
}

// reassignOrphans hands the dead peer's unfinished pieces to other peers that
// have announced them.
func (c *Coordinator) reassignOrphans(orphaned []int) {
	for _, index := range orphaned {
		if !c.tracker.IsMissing(index) {
			continue
		}

		for _, candidate := range c.tracker.PeersWithPiece(index) {
			session, ok := c.sessions[candidate]

			if !ok {
				continue
			}

			if c.assigner.Assign(index, candidate) {
				session.StartDownload(c.pieces[index])
				break
			}
		}
	}
}

func (c *Coordinator) progressSnapshot() Progress {
	left := 0
	total := 0

	for index, piece := range c.pieces {
		total += piece.Length

		if c.tracker.IsMissing(index) || c.tracker.IsStoring(index) {
			left += piece.Length
		}
	}

	return Progress{Downloaded: total - left, Uploaded: c.uploadedBytes, Left: left}
}
