package swarm

import (
	"net"

	"github.com/sleetbt/sleet/internal/bitfield"
	"github.com/sleetbt/sleet/internal/peer"
	"github.com/sleetbt/sleet/internal/storage"
	"github.com/sleetbt/sleet/internal/torrent"
)

// Every cross-actor interaction with the coordinator is one of these tagged
// events delivered through its mailbox.
type event any

type announceResultEvent struct {
	peers []torrent.PeerAddress
}

type handshakeCompletedEvent struct {
	conn    net.Conn
	address torrent.PeerAddress
	peerId  torrent.PeerId
	role    Role
}

type handshakeFailedEvent struct {
	address torrent.PeerAddress
	err     error
}

type peerChokedEvent struct {
	address torrent.PeerAddress
}

type peerUnchokedEvent struct {
	address torrent.PeerAddress
}

type peerAnnouncedPieceEvent struct {
	address torrent.PeerAddress
	index   int
}

type peerSentBitfieldEvent struct {
	address  torrent.PeerAddress
	bitfield bitfield.Bitfield
}

type blockRequestEvent struct {
	address torrent.PeerAddress
	index   int
	begin   int
	length  int
}

type blockRequestCancelledEvent struct {
	address torrent.PeerAddress
	index   int
	begin   int
	length  int
}

type pieceDownloadedEvent struct {
	address torrent.PeerAddress
	piece   torrent.Piece
}

type storeResultEvent struct {
	result storage.StoreResult
}

type retrievalResultEvent struct {
	result storage.RetrieveResult
}

type protocolViolationEvent struct {
	address torrent.PeerAddress
	reason  peer.ViolationReason
}

type sessionTerminatedEvent struct {
	address torrent.PeerAddress
}

type progressRequestEvent struct {
	reply chan Progress
}

type stopEvent struct {
	reply chan struct{}
}

// Progress is the announce-facing snapshot of how far the download has come.
type Progress struct {
	Downloaded int
	Uploaded   int
	Left       int
}
