package tracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/sleetbt/sleet/internal/torrent"
	"github.com/sleetbt/sleet/internal/utils"
)

const (
	udpProtocolMagic = 0x41727101980

	udpActionConnect  = 0
	udpActionAnnounce = 1

	udpResponseTimeout = 5 * time.Second
)

type udpClient struct {
	host string
}

func newUDPClient(host string) *udpClient {
	return &udpClient{host: host}
}

// Announce runs the two-step UDP tracker protocol: a connect exchange that
// yields a connection id, then the announce itself.
func (c *udpClient) Announce(request AnnounceRequest) (*AnnounceResponse, error) {
	conn, err := net.DialTimeout("udp", c.host, udpResponseTimeout)

	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFailedToOpenSocket, err)
	}

	defer conn.Close()

	connectionId, err := c.connect(conn)

	if err != nil {
		return nil, err
	}

	return c.announce(conn, connectionId, request)
}

func (c *udpClient) connect(conn net.Conn) (uint64, error) {
	transactionId := rand.Uint32()

	packet := make([]byte, 16)
	binary.BigEndian.PutUint64(packet, udpProtocolMagic)
	binary.BigEndian.PutUint32(packet[8:], udpActionConnect)
	binary.BigEndian.PutUint32(packet[12:], transactionId)

	return utils.Retry(utils.RetryOptions[uint64]{
		Label:       "udp tracker connect",
		Delay:       time.Second,
		MaxAttempts: 3,
		Operation: func() (uint64, error) {
			if _, err := utils.WriteFull(conn, packet, time.Now().Add(udpResponseTimeout)); err != nil {
				return 0, fmt.Errorf("failed to send connect request: %w", err)
			}

			response := make([]byte, 16)

			if _, err := utils.ReadFull(conn, response, time.Now().Add(udpResponseTimeout)); err != nil {
				return 0, fmt.Errorf("%w: %s", ErrBadConnectResponseLength, err)
			}

			if action := binary.BigEndian.Uint32(response); action != udpActionConnect {
				return 0, fmt.Errorf("%w: got action %d", ErrBadAction, action)
			}

			if received := binary.BigEndian.Uint32(response[4:]); received != transactionId {
				return 0, fmt.Errorf("%w: sent %d, got %d", ErrBadTransactionId, transactionId, received)
			}

			return binary.BigEndian.Uint64(response[8:]), nil
		},
	})
}

func (c *udpClient) announce(conn net.Conn, connectionId uint64, request AnnounceRequest) (*AnnounceResponse, error) {
	transactionId := rand.Uint32()

	packet := make([]byte, 98)
	binary.BigEndian.PutUint64(packet, connectionId)
	binary.BigEndian.PutUint32(packet[8:], udpActionAnnounce)
	binary.BigEndian.PutUint32(packet[12:], transactionId)
	copy(packet[16:], request.InfoHash[:])
	copy(packet[36:], request.PeerId[:])
	binary.BigEndian.PutUint64(packet[56:], uint64(request.Downloaded))
	binary.BigEndian.PutUint64(packet[64:], uint64(request.Left))
	binary.BigEndian.PutUint64(packet[72:], uint64(request.Uploaded))
	binary.BigEndian.PutUint32(packet[80:], request.Event.UDPEventId())
	binary.BigEndian.PutUint32(packet[84:], 0)
	binary.BigEndian.PutUint32(packet[88:], rand.Uint32())
	binary.BigEndian.PutUint32(packet[92:], uint32(int32(request.NumWant)))
	binary.BigEndian.PutUint16(packet[96:], request.Port)

	if _, err := utils.WriteFull(conn, packet, time.Now().Add(udpResponseTimeout)); err != nil {
		return nil, fmt.Errorf("failed to send announce request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(udpResponseTimeout)); err != nil {
		return nil, err
	}

	response := make([]byte, 1500)
	n, err := conn.Read(response)

	if err != nil {
		return nil, fmt.Errorf("failed to receive announce response: %w", err)
	}

	response = response[:n]

	return parseUDPAnnounceResponse(response, transactionId)
}

func parseUDPAnnounceResponse(response []byte, transactionId uint32) (*AnnounceResponse, error) {
	const headerSize = 20
	const peerSize = 6

	if len(response) < headerSize {
		return nil, fmt.Errorf("%w: response contains %d bytes, need at least %d", ErrInvalidAnnounceResponse, len(response), headerSize)
	}

	if action := binary.BigEndian.Uint32(response); action != udpActionAnnounce {
		return nil, fmt.Errorf("%w: got action %d", ErrBadAction, action)
	}

	if received := binary.BigEndian.Uint32(response[4:]); received != transactionId {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrBadTransactionId, transactionId, received)
	}

	interval := binary.BigEndian.Uint32(response[8:])
	leechers := binary.BigEndian.Uint32(response[12:])
	seeders := binary.BigEndian.Uint32(response[16:])

	peersData := response[headerSize:]

	if len(peersData)%peerSize != 0 {
		return nil, fmt.Errorf("%w: peers section must be a multiple of %d bytes", ErrInvalidAnnounceResponse, peerSize)
	}

	peers := make([]torrent.PeerAddress, 0, len(peersData)/peerSize)

	for i := 0; i < len(peersData); i += peerSize {
		peers = append(peers, torrent.PeerAddress{
			IP:   fmt.Sprintf("%d.%d.%d.%d", peersData[i], peersData[i+1], peersData[i+2], peersData[i+3]),
			Port: binary.BigEndian.Uint16(peersData[i+4 : i+6]),
		})
	}

	return &AnnounceResponse{
		Interval:   time.Duration(interval) * time.Second,
		Complete:   int(seeders),
		Incomplete: int(leechers),
		Peers:      peers,
	}, nil
}
