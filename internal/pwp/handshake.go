package pwp

import (
	"bytes"
	"fmt"
)

const (
	protocolString = "BitTorrent protocol"

	// HandshakeLength is the fixed size of a PWP handshake on the wire.
	HandshakeLength = 68
)

// EncodeHandshake builds the 68-byte handshake:
// <19><"BitTorrent protocol"><8 reserved><info hash><peer id>.
func EncodeHandshake(infoHash, peerId [20]byte) []byte {
	buffer := make([]byte, HandshakeLength)

	buffer[0] = byte(len(protocolString))

	index := 1
	index += copy(buffer[index:], protocolString)
	index += copy(buffer[index:], make([]byte, 8))
	index += copy(buffer[index:], infoHash[:])
	copy(buffer[index:], peerId[:])

	return buffer
}

// DecodeHandshake parses a 68-byte handshake and returns the info hash and
// peer id it carries.
func DecodeHandshake(data []byte) (infoHash [20]byte, peerId [20]byte, err error) {
	if len(data) != HandshakeLength {
		err = fmt.Errorf("%w: handshake must contain %d bytes, got %d", ErrInvalidLength, HandshakeLength, len(data))
		return
	}

	if int(data[0]) != len(protocolString) {
		err = fmt.Errorf("%w: protocol string length must be %d, got %d", ErrInvalidContent, len(protocolString), data[0])
		return
	}

	if !bytes.Equal(data[1:1+len(protocolString)], []byte(protocolString)) {
		err = fmt.Errorf("%w: unexpected protocol string %q", ErrInvalidContent, data[1:1+len(protocolString)])
		return
	}

	copy(infoHash[:], data[28:48])
	copy(peerId[:], data[48:])

	return
}
