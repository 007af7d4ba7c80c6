package peer

import (
	"bytes"
	"crypto/sha1"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/sleetbt/sleet/internal/bitfield"
	"github.com/sleetbt/sleet/internal/mailbox"
	"github.com/sleetbt/sleet/internal/pwp"
	"github.com/sleetbt/sleet/internal/torrent"
)

const (
	// requestBatchSize bounds how many block requests one progress pass emits.
	requestBatchSize = 20

	// interestedResendWindow throttles repeated 'interested' messages while
	// the remote keeps us choked.
	interestedResendWindow = 60 * time.Second

	// keepAliveInterval is how long the wire may stay silent before a
	// keep-alive frame is emitted.
	keepAliveInterval = 60 * time.Second
)

// Coordinator is the subset of the swarm coordinator a session talks to. All
// methods are message posts; none of them may block.
type Coordinator interface {
	PeerChoked(address torrent.PeerAddress)
	PeerUnchoked(address torrent.PeerAddress)
	PeerAnnouncedPiece(address torrent.PeerAddress, index int)
	PeerSentBitfield(address torrent.PeerAddress, b bitfield.Bitfield)
	BlockRequested(address torrent.PeerAddress, index, begin, length int)
	BlockRequestCancelled(address torrent.PeerAddress, index, begin, length int)
	PieceDownloaded(address torrent.PeerAddress, piece torrent.Piece)
	ProtocolViolation(address torrent.PeerAddress, reason ViolationReason)
	SessionTerminated(address torrent.PeerAddress)
}

type command any

type startDownloadCmd struct{ piece torrent.Piece }
type chokeCmd struct{}
type unchokeCmd struct{}
type announceHaveCmd struct{ index int }
type sendBitfieldCmd struct{}
type cancelPieceCmd struct{ index int }
type serveBlockCmd struct {
	index int
	begin int
	data  []byte
}
type stopCmd struct{}
type incomingMessageCmd struct{ message pwp.Message }
type channelFailedCmd struct{ err error }
type keepAliveTickCmd struct{}

// Session drives one PWP conversation. It owns its channel and block planner
// and processes exactly one command at a time from its mailbox; the
// coordinator and the channel only ever talk to it through that mailbox.
type Session struct {
	address     torrent.PeerAddress
	peerId      torrent.PeerId
	coordinator Coordinator
	logger      *zap.Logger

	channel *channel
	planner *blockPlanner

	localChoke       bool
	remoteChoke      bool
	localInterested  bool
	remoteInterested bool

	bitfield         bitfield.Bitfield
	numPieces        int
	bitfieldReceived bool

	lastInterested time.Time
	lastWrite      time.Time
	now            func() time.Time

	commands *mailbox.Mailbox[command]
}

type SessionOpts struct {
	Conn        net.Conn
	Address     torrent.PeerAddress
	PeerId      torrent.PeerId
	Coordinator Coordinator
	Logger      *zap.Logger

	// Bitfield is the coordinator's possession snapshot at session start.
	Bitfield  bitfield.Bitfield
	NumPieces int

	Planner PlannerConfig

	now func() time.Time
}

func NewSession(opts SessionOpts) *Session {
	logger := opts.Logger

	if logger == nil {
		logger = zap.NewNop()
	}

	now := opts.now

	if now == nil {
		now = time.Now
	}

	s := &Session{
		address:     opts.Address,
		peerId:      opts.PeerId,
		coordinator: opts.Coordinator,
		logger:      logger.With(zap.String("peer", opts.Address.String())),
		planner:     newBlockPlanner(opts.Planner),
		localChoke:  true,
		remoteChoke: true,
		bitfield:    opts.Bitfield.Clone(),
		numPieces:   opts.NumPieces,
		now:         now,
		commands:    mailbox.New[command](),
	}

	s.channel = newChannel(channelOpts{
		conn:   opts.Conn,
		logger: s.logger,
		onMessage: func(m pwp.Message) {
			s.commands.Put(incomingMessageCmd{message: m})
		},
		onError: func(err error) {
			s.commands.Put(channelFailedCmd{err: err})
		},
	})

	return s
}

func (s *Session) Address() torrent.PeerAddress {
	return s.address
}

func (s *Session) Start() {
	s.channel.start()
	go s.run()
}

// Commands accepted from the coordinator. Each is a non-blocking post into
// the session's mailbox.

func (s *Session) StartDownload(piece torrent.Piece) {
	s.put(startDownloadCmd{piece: piece})
}

func (s *Session) Choke() {
	s.put(chokeCmd{})
}

func (s *Session) Unchoke() {
	s.put(unchokeCmd{})
}

func (s *Session) AnnounceHave(index int) {
	s.put(announceHaveCmd{index: index})
}

func (s *Session) SendBitfield() {
	s.put(sendBitfieldCmd{})
}

func (s *Session) CancelPiece(index int) {
	s.put(cancelPieceCmd{index: index})
}

func (s *Session) ServeBlock(index, begin int, data []byte) {
	s.put(serveBlockCmd{index: index, begin: begin, data: data})
}

func (s *Session) Stop() {
	s.put(stopCmd{})
}

func (s *Session) put(cmd command) {
	s.commands.Put(cmd)
}

func (s *Session) run() {
	ticker := time.NewTicker(keepAliveInterval / 2)

	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.put(keepAliveTickCmd{})

		case cmd, ok := <-s.commands.Receive():
			if !ok {
				return
			}

			if s.handle(cmd) {
				s.terminate()
				return
			}
		}
	}
}

func (s *Session) terminate() {
	s.channel.stop()
	s.commands.Close()

	// Drain whatever arrived while stopping so the mailbox pump exits.
	go func() {
		for range s.commands.Receive() {
		}
	}()

	s.coordinator.SessionTerminated(s.address)
	s.logger.Info("session terminated")
}

// handle processes a single command; returning true stops the session.
func (s *Session) handle(cmd command) bool {
	switch c := cmd.(type) {
	case startDownloadCmd:
		s.planner.addPiece(c.piece)
		s.progress()

	case chokeCmd:
		s.localChoke = true
		s.send(pwp.NewChoke())

	case unchokeCmd:
		s.localChoke = false
		s.send(pwp.NewUnchoke())

	case announceHaveCmd:
		s.bitfield.Set(c.index)
		s.send(pwp.NewHave(c.index))

	case sendBitfieldCmd:
		s.send(pwp.NewBitfield(s.bitfield.Bytes()))

	case cancelPieceCmd:
		for _, block := range s.planner.cancelPiece(c.index) {
			s.send(pwp.NewCancel(block.Index, block.Begin, block.Length))
		}

	case serveBlockCmd:
		s.send(pwp.NewPiece(c.index, c.begin, c.data))

	case keepAliveTickCmd:
		if s.now().Sub(s.lastWrite) >= keepAliveInterval {
			s.send(pwp.NewKeepAlive())
		}

	case incomingMessageCmd:
		s.handleMessage(c.message)

	case channelFailedCmd:
		s.logger.Warn("channel failed", zap.Error(c.err))
		return true

	case stopCmd:
		return true
	}

	return false
}

func (s *Session) send(m pwp.Message) {
	s.lastWrite = s.now()
	s.channel.send(m)
}

func (s *Session) handleMessage(m pwp.Message) {
	if m.KeepAlive {
		return
	}

	switch m.Id {
	case pwp.ChokeId:
		if !s.remoteChoke {
			s.remoteChoke = true
			s.coordinator.PeerChoked(s.address)
		}

	case pwp.UnchokeId:
		if s.remoteChoke {
			s.remoteChoke = false
			s.coordinator.PeerUnchoked(s.address)
			s.progress()
		}

	case pwp.InterestedId:
		s.remoteInterested = true

	case pwp.NotInterestedId:
		s.remoteInterested = false

	case pwp.HaveId:
		s.coordinator.PeerAnnouncedPiece(s.address, m.Index)

	case pwp.BitfieldId:
		s.handleBitfield(m)

	case pwp.RequestId:
		s.handleRequest(m)

	case pwp.PieceId:
		s.handleBlock(m)

	case pwp.CancelId:
		s.coordinator.BlockRequestCancelled(s.address, m.Index, m.Begin, m.Length)
	}
}

func (s *Session) handleBitfield(m pwp.Message) {
	if s.bitfieldReceived {
		s.coordinator.ProtocolViolation(s.address, ViolationBitfieldRepeat)
		return
	}

	s.bitfieldReceived = true

	remote, err := bitfield.FromBytes(m.Bitfield, s.numPieces)

	if err != nil {
		s.logger.Warn("peer sent malformed bitfield", zap.Error(err))
		s.coordinator.ProtocolViolation(s.address, ViolationBitfieldLength)
		return
	}

	s.coordinator.PeerSentBitfield(s.address, remote)
}

func (s *Session) handleRequest(m pwp.Message) {
	if s.localChoke {
		s.coordinator.ProtocolViolation(s.address, ViolationRequestWhileChoked)
		return
	}

	if !s.bitfield.Has(m.Index) {
		s.coordinator.ProtocolViolation(s.address, ViolationRequestUnannounced)
		return
	}

	s.coordinator.BlockRequested(s.address, m.Index, m.Begin, m.Length)
}

func (s *Session) handleBlock(m pwp.Message) {
	block := torrent.Block{Index: m.Index, Begin: m.Begin, Length: len(m.Block), Data: m.Block}

	piece, completed, err := s.planner.addDownloadedBlock(block)

	if err != nil {
		s.coordinator.ProtocolViolation(s.address, ViolationInvalidBlockSent)
		return
	}

	if completed {
		checksum := sha1.Sum(piece.Data)

		if !bytes.Equal(checksum[:], piece.Hash[:]) {
			s.logger.Warn("piece failed verification", zap.Int("index", piece.Index))
			s.coordinator.ProtocolViolation(s.address, ViolationInvalidPiece)
			return
		}

		s.coordinator.PieceDownloaded(s.address, piece)
	}

	s.progress()
}

// progress advances the download conversation: while choked it refreshes our
// interest at most once per window, and while unchoked it keeps the request
// pipeline fed.
func (s *Session) progress() {
	if s.remoteChoke {
		if s.lastInterested.IsZero() || s.now().Sub(s.lastInterested) > interestedResendWindow {
			s.localInterested = true
			s.lastInterested = s.now()
			s.send(pwp.NewInterested())
		}

		return
	}

	for _, block := range s.planner.scheduleBlocks(requestBatchSize) {
		s.send(pwp.NewRequest(block.Index, block.Begin, block.Length))
	}
}
