package pwp_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sleetbt/sleet/internal/pwp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerId [20]byte

	for i := range infoHash {
		infoHash[i] = 0x02
		peerId[i] = 0x01
	}

	encoded := pwp.EncodeHandshake(infoHash, peerId)
	require.Len(t, encoded, 68)

	expected := append([]byte{19}, []byte("BitTorrent protocol")...)
	expected = append(expected, make([]byte, 8)...)
	expected = append(expected, bytes.Repeat([]byte{0x02}, 20)...)
	expected = append(expected, bytes.Repeat([]byte{0x01}, 20)...)
	assert.Equal(t, expected, encoded)

	decodedHash, decodedPeerId, err := pwp.DecodeHandshake(encoded)
	require.NoError(t, err)
	assert.Equal(t, infoHash, decodedHash)
	assert.Equal(t, peerId, decodedPeerId)
}

func TestDecodeHandshakeRejectsBadInput(t *testing.T) {
	_, _, err := pwp.DecodeHandshake(make([]byte, 67))
	assert.ErrorIs(t, err, pwp.ErrInvalidLength)

	valid := pwp.EncodeHandshake([20]byte{}, [20]byte{})

	mangled := append([]byte{}, valid...)
	mangled[0] = 18
	_, _, err = pwp.DecodeHandshake(mangled)
	assert.ErrorIs(t, err, pwp.ErrInvalidContent)

	mangled = append([]byte{}, valid...)
	mangled[5] = 'x'
	_, _, err = pwp.DecodeHandshake(mangled)
	assert.ErrorIs(t, err, pwp.ErrInvalidContent)
}

func allMessageKinds() []pwp.Message {
	return []pwp.Message{
		pwp.NewChoke(),
		pwp.NewUnchoke(),
		pwp.NewInterested(),
		pwp.NewNotInterested(),
		pwp.NewHave(42),
		pwp.NewBitfield([]byte{0x48, 0x98, 0x80}),
		pwp.NewRequest(1, 16384, 16384),
		pwp.NewPiece(1, 16384, []byte("block data")),
		pwp.NewCancel(1, 16384, 16384),
		pwp.NewKeepAlive(),
	}
}

func TestMessageRoundTrip(t *testing.T) {
	for _, message := range allMessageKinds() {
		encoded := pwp.Encode(message)

		decoded, rest, err := pwp.DecodeMessages(encoded)
		require.NoError(t, err)
		require.Len(t, decoded, 1)

		assert.Equal(t, message, decoded[0])
		assert.Empty(t, rest)
	}
}

func TestDecodeMessagesStreaming(t *testing.T) {
	sequence := []pwp.Message{
		pwp.NewHave(5),
		pwp.NewBitfield([]byte("bitfield_data")),
		pwp.NewChoke(),
		pwp.NewRequest(5, 10, 15),
		pwp.NewInterested(),
		pwp.NewCancel(5, 10, 15),
		pwp.NewNotInterested(),
		pwp.NewPiece(5, 10, []byte("test_block")),
		pwp.NewHave(30),
		pwp.NewKeepAlive(),
		pwp.NewUnchoke(),
		pwp.NewRequest(100, 200, 300),
	}

	stream := []byte{}

	for _, message := range sequence {
		stream = append(stream, pwp.Encode(message)...)
	}

	stream = append(stream, []byte("leftover")...)

	decoded, rest, err := pwp.DecodeMessages(stream)
	require.NoError(t, err)

	assert.Equal(t, sequence, decoded)
	assert.Equal(t, []byte("leftover"), rest)
}

func TestDecodeMessagesRetainsPartialFrame(t *testing.T) {
	full := pwp.Encode(pwp.NewRequest(1, 2, 3))

	for cut := 1; cut < len(full); cut++ {
		decoded, rest, err := pwp.DecodeMessages(full[:cut])
		require.NoError(t, err)
		assert.Empty(t, decoded)
		assert.Equal(t, full[:cut], rest)
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	// A 'request' frame advertising 14 payload bytes.
	frame := pwp.Encode(pwp.NewRequest(1, 2, 3))
	frame = append(frame, 0x00)
	frame[3] = 14

	_, _, err := pwp.DecodeMessages(frame)
	assert.ErrorIs(t, err, pwp.ErrInvalidLength)

	// A 'have' frame with a truncated payload.
	short := []byte{0, 0, 0, 2, 4, 0}
	_, _, err = pwp.DecodeMessages(short)
	assert.ErrorIs(t, err, pwp.ErrInvalidLength)
}

func TestDecodeRejectsUnknownId(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 99}

	_, _, err := pwp.DecodeMessages(frame)
	assert.ErrorIs(t, err, pwp.ErrInvalidContent)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	frame := []byte{0x00, 0xff, 0xff, 0xff}

	_, _, err := pwp.DecodeMessages(frame)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pwp.ErrInvalidLength))
}
