package peer

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/sleetbt/sleet/internal/pwp"
	"github.com/sleetbt/sleet/internal/torrent"
	"github.com/sleetbt/sleet/internal/utils"
)

const handshakeTimeout = 5 * time.Second

// Handshaker performs one PWP handshake per transport and reports the remote
// identity. It never keeps the transport: ownership passes back to the caller
// on success and the transport is closed on failure.
type Handshaker struct {
	PeerId  torrent.PeerId
	Timeout time.Duration
}

func (h Handshaker) timeout() time.Duration {
	if h.Timeout == 0 {
		return handshakeTimeout
	}

	return h.Timeout
}

// Connect dials a peer with the handshake timeout.
func (h Handshaker) Connect(address torrent.PeerAddress) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", address.String(), h.timeout())

	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", address, err)
	}

	return conn, nil
}

// Initiate sends the local handshake and validates the response. The remote
// must echo the same info hash.
func (h Handshaker) Initiate(conn net.Conn, infoHash torrent.InfoHash) (torrent.PeerId, error) {
	if err := h.sendHandshake(conn, infoHash); err != nil {
		h.close(conn)
		return torrent.PeerId{}, err
	}

	remoteHash, remotePeerId, err := h.readHandshake(conn)

	if err != nil {
		h.close(conn)
		return torrent.PeerId{}, err
	}

	if !bytes.Equal(remoteHash[:], infoHash[:]) {
		h.close(conn)
		return torrent.PeerId{}, fmt.Errorf("peer answered with info hash %s, expected %s", remoteHash, infoHash)
	}

	return remotePeerId, nil
}

// Respond reads the remote handshake first, asks knownTorrent whether the
// offered info hash is active, and answers with the local handshake.
func (h Handshaker) Respond(conn net.Conn, knownTorrent func(torrent.InfoHash) bool) (torrent.InfoHash, torrent.PeerId, error) {
	remoteHash, remotePeerId, err := h.readHandshake(conn)

	if err != nil {
		h.close(conn)
		return torrent.InfoHash{}, torrent.PeerId{}, err
	}

	if !knownTorrent(remoteHash) {
		h.close(conn)
		return torrent.InfoHash{}, torrent.PeerId{}, fmt.Errorf("peer offered unknown info hash %s", remoteHash)
	}

	if err := h.sendHandshake(conn, remoteHash); err != nil {
		h.close(conn)
		return torrent.InfoHash{}, torrent.PeerId{}, err
	}

	return remoteHash, remotePeerId, nil
}

func (h Handshaker) sendHandshake(conn net.Conn, infoHash torrent.InfoHash) error {
	frame := pwp.EncodeHandshake(infoHash, h.PeerId)

	if _, err := utils.WriteFull(conn, frame, time.Now().Add(h.timeout())); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	return nil
}

func (h Handshaker) readHandshake(conn net.Conn) (torrent.InfoHash, torrent.PeerId, error) {
	buffer := make([]byte, pwp.HandshakeLength)

	if _, err := utils.ReadFull(conn, buffer, time.Now().Add(h.timeout())); err != nil {
		return torrent.InfoHash{}, torrent.PeerId{}, fmt.Errorf("failed to receive handshake: %w", err)
	}

	remoteHash, remotePeerId, err := pwp.DecodeHandshake(buffer)

	if err != nil {
		return torrent.InfoHash{}, torrent.PeerId{}, err
	}

	return remoteHash, remotePeerId, nil
}

func (h Handshaker) close(conn net.Conn) {
	conn.Close()
}
