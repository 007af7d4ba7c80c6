package session_test

import (
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleetbt/sleet/bencode"
	"github.com/sleetbt/sleet/internal/pwp"
	"github.com/sleetbt/sleet/internal/session"
	"github.com/sleetbt/sleet/internal/torrent"
)

// writeMetafile creates a single-file metafile on disk and returns its path
// together with the torrent's info hash.
func writeMetafile(t *testing.T, name string) (string, torrent.InfoHash) {
	t.Helper()

	hash := sha1.Sum([]byte("piece zero"))

	info := map[string]any{
		"name":         name,
		"piece length": 16384,
		"pieces":       string(hash[:]),
		"length":       1000,
	}

	encodedInfo, err := bencode.EncodeValue(info)
	require.NoError(t, err)

	encoded, err := bencode.EncodeValue(map[string]any{
		// An unreachable tracker: announces fail fast and only log.
		"announce": "http://127.0.0.1:1/announce",
		"info":     info,
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), name+".torrent")
	require.NoError(t, os.WriteFile(path, []byte(encoded), 0o644))

	return path, sha1.Sum([]byte(encodedInfo))
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()

	s := session.NewSession(session.Opts{
		OutputDir: "/downloads",
		Fs:        afero.NewMemMapFs(),
		Port:      0,
	})

	t.Cleanup(func() { s.Stop() })

	return s
}

func TestPeerIdCarriesClientPrefix(t *testing.T) {
	s := newTestSession(t)

	peerId := s.PeerId()
	assert.True(t, strings.HasPrefix(string(peerId[:]), "-SL0001-"))

	other := session.NewSession(session.Opts{OutputDir: "/x", Fs: afero.NewMemMapFs()})
	defer other.Stop()

	assert.NotEqual(t, peerId, other.PeerId())
}

func TestAddTorrentActivates(t *testing.T) {
	s := newTestSession(t)

	path, expectedHash := writeMetafile(t, "activation")

	infoHash, err := s.AddTorrent(path)
	require.NoError(t, err)
	assert.Equal(t, expectedHash, infoHash)

	// Adding the same torrent twice is idempotent.
	again, err := s.AddTorrent(path)
	require.NoError(t, err)
	assert.Equal(t, infoHash, again)

	require.NoError(t, s.StopTorrent(infoHash))
	assert.Error(t, s.StopTorrent(infoHash))
}

func TestAddTorrentRejectsBadSources(t *testing.T) {
	s := newTestSession(t)

	_, err := s.AddTorrent("/does/not/exist.torrent")
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.torrent")
	require.NoError(t, os.WriteFile(garbage, []byte("not bencoded"), 0o644))

	_, err = s.AddTorrent(garbage)
	assert.Error(t, err)
}

func TestListenerAnswersHandshakeForActiveTorrent(t *testing.T) {
	s := newTestSession(t)

	path, infoHash := writeMetafile(t, "inbound")

	_, err := s.AddTorrent(path)
	require.NoError(t, err)

	require.NoError(t, s.Listen())

	conn, err := net.Dial("tcp", s.ListenAddr().String())
	require.NoError(t, err)

	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write(pwp.EncodeHandshake(infoHash, [20]byte{0x42}))
	require.NoError(t, err)

	response := make([]byte, pwp.HandshakeLength)
	_, err = readFull(conn, response)
	require.NoError(t, err)

	gotHash, gotPeerId, err := pwp.DecodeHandshake(response)
	require.NoError(t, err)

	assert.Equal(t, [20]byte(infoHash), gotHash)
	assert.Equal(t, s.PeerId(), torrent.PeerId(gotPeerId))
}

func TestListenerDropsUnknownInfoHash(t *testing.T) {
	s := newTestSession(t)

	require.NoError(t, s.Listen())

	conn, err := net.Dial("tcp", s.ListenAddr().String())
	require.NoError(t, err)

	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write(pwp.EncodeHandshake([20]byte{0x99}, [20]byte{0x42}))
	require.NoError(t, err)

	// The responder closes the transport without answering.
	_, err = readFull(conn, make([]byte, 1))
	assert.Error(t, err)
}

func readFull(conn net.Conn, buffer []byte) (int, error) {
	total := 0

	for total < len(buffer) {
		n, err := conn.Read(buffer[total:])
		total += n

		if err != nil {
			return total, err
		}
	}

	return total, nil
}
