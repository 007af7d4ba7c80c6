package pwp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidLength signals a frame whose advertised length does not match
	// the payload its id requires.
	ErrInvalidLength = errors.New("pwp: invalid message length")

	// ErrInvalidContent signals a frame whose bytes cannot be interpreted as
	// any known message.
	ErrInvalidContent = errors.New("pwp: invalid message content")
)

const (
	lengthPrefixSize = 4

	// An inbound frame longer than a full block plus the piece header has no
	// legitimate shape on this wire.
	maxFrameLength = 16384 + 9 + 1024
)

// Encode frames a message as length-prefixed wire bytes.
func Encode(m Message) []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}

	var payload []byte

	switch m.Id {
	case ChokeId, UnchokeId, InterestedId, NotInterestedId:
		payload = []byte{byte(m.Id)}

	case HaveId:
		payload = make([]byte, 5)
		payload[0] = byte(m.Id)
		binary.BigEndian.PutUint32(payload[1:], uint32(m.Index))

	case BitfieldId:
		payload = make([]byte, 1+len(m.Bitfield))
		payload[0] = byte(m.Id)
		copy(payload[1:], m.Bitfield)

	case RequestId, CancelId:
		payload = make([]byte, 13)
		payload[0] = byte(m.Id)
		binary.BigEndian.PutUint32(payload[1:], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[5:], uint32(m.Begin))
		binary.BigEndian.PutUint32(payload[9:], uint32(m.Length))

	case PieceId:
		payload = make([]byte, 9+len(m.Block))
		payload[0] = byte(m.Id)
		binary.BigEndian.PutUint32(payload[1:], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[5:], uint32(m.Begin))
		copy(payload[9:], m.Block)
	}

	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[lengthPrefixSize:], payload)

	return frame
}

// Decode parses a single frame payload (the bytes after the length prefix).
// An empty payload is a keep-alive.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return NewKeepAlive(), nil
	}

	id := MessageId(payload[0])

	switch id {
	case ChokeId, UnchokeId, InterestedId, NotInterestedId:
		if len(payload) != 1 {
			return Message{}, fmt.Errorf("%w: '%s' payload must be empty, got %d byte(s)", ErrInvalidLength, id, len(payload)-1)
		}

		return Message{Id: id}, nil

	case HaveId:
		if len(payload) != 5 {
			return Message{}, fmt.Errorf("%w: 'have' payload must contain 4 bytes, got %d", ErrInvalidLength, len(payload)-1)
		}

		return NewHave(int(binary.BigEndian.Uint32(payload[1:]))), nil

	case BitfieldId:
		data := make([]byte, len(payload)-1)
		copy(data, payload[1:])

		return NewBitfield(data), nil

	case RequestId, CancelId:
		if len(payload) != 13 {
			return Message{}, fmt.Errorf("%w: '%s' payload must contain 12 bytes, got %d", ErrInvalidLength, id, len(payload)-1)
		}

		index := int(binary.BigEndian.Uint32(payload[1:]))
		begin := int(binary.BigEndian.Uint32(payload[5:]))
		length := int(binary.BigEndian.Uint32(payload[9:]))

		if id == RequestId {
			return NewRequest(index, begin, length), nil
		}

		return NewCancel(index, begin, length), nil

	case PieceId:
		if len(payload) < 9 {
			return Message{}, fmt.Errorf("%w: 'piece' payload must contain at least 8 bytes, got %d", ErrInvalidLength, len(payload)-1)
		}

		index := int(binary.BigEndian.Uint32(payload[1:]))
		begin := int(binary.BigEndian.Uint32(payload[5:]))
		block := make([]byte, len(payload)-9)
		copy(block, payload[9:])

		return NewPiece(index, begin, block), nil

	default:
		return Message{}, fmt.Errorf("%w: unknown message id %d", ErrInvalidContent, payload[0])
	}
}

// DecodeMessages decodes as many complete frames as data contains and returns
// them together with the undecoded tail. A malformed frame aborts the whole
// decode with an error.
func DecodeMessages(data []byte) ([]Message, []byte, error) {
	messages := []Message{}

	for {
		if len(data) < lengthPrefixSize {
			return messages, data, nil
		}

		frameLength := int(binary.BigEndian.Uint32(data))

		if frameLength > maxFrameLength {
			return nil, nil, fmt.Errorf("%w: frame length %d exceeds maximum %d", ErrInvalidLength, frameLength, maxFrameLength)
		}

		if len(data) < lengthPrefixSize+frameLength {
			return messages, data, nil
		}

		message, err := Decode(data[lengthPrefixSize : lengthPrefixSize+frameLength])

		if err != nil {
			return nil, nil, err
		}

		messages = append(messages, message)
		data = data[lengthPrefixSize+frameLength:]
	}
}
