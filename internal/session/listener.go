package session

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/sleetbt/sleet/internal/peer"
	"github.com/sleetbt/sleet/internal/registry"
	"github.com/sleetbt/sleet/internal/swarm"
	"github.com/sleetbt/sleet/internal/torrent"
)

// listener accepts inbound transports and runs the responder side of the
// handshake before handing each transport to the torrent's coordinator.
type listener struct {
	port         uint16
	handshaker   peer.Handshaker
	logger       *zap.Logger
	coordinators *registry.Registry[torrent.InfoHash, *swarm.Coordinator]

	mu sync.Mutex
	ln net.Listener
}

type listenerOpts struct {
	port         uint16
	peerId       torrent.PeerId
	logger       *zap.Logger
	coordinators *registry.Registry[torrent.InfoHash, *swarm.Coordinator]
}

func newListener(opts listenerOpts) *listener {
	return &listener{
		port:         opts.port,
		handshaker:   peer.Handshaker{PeerId: opts.peerId},
		logger:       opts.logger,
		coordinators: opts.coordinators,
	}
}

func (l *listener) start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.port))

	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", l.port, err)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.logger.Info("listening for peers", zap.Uint16("port", l.port))

	go l.acceptLoop(ln)

	return nil
}

// addr reports the bound listen address, nil before start.
func (l *listener) addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return nil
	}

	return l.ln.Addr()
}

func (l *listener) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln != nil {
		l.ln.Close()
		l.ln = nil
	}
}

func (l *listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()

		if err != nil {
			return
		}

		go l.handle(conn)
	}
}

func (l *listener) handle(conn net.Conn) {
	infoHash, peerId, err := l.handshaker.Respond(conn, func(offered torrent.InfoHash) bool {
		_, active := l.coordinators.Lookup(offered)
		return active
	})

	if err != nil {
		l.logger.Debug("inbound handshake failed", zap.Error(err))
		return
	}

	coordinator, active := l.coordinators.Lookup(infoHash)

	if !active {
		conn.Close()
		return
	}

	address, err := peerAddressOf(conn)

	if err != nil {
		l.logger.Warn("failed to resolve inbound peer address", zap.Error(err))
		conn.Close()
		return
	}

	coordinator.AcceptPeer(conn, address, peerId)
}

func peerAddressOf(conn net.Conn) (torrent.PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())

	if err != nil {
		return torrent.PeerAddress{}, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)

	if err != nil {
		return torrent.PeerAddress{}, err
	}

	return torrent.PeerAddress{IP: host, Port: uint16(port)}, nil
}
