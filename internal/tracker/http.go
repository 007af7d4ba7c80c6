package tracker

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/sleetbt/sleet/bencode"
	"github.com/sleetbt/sleet/internal/torrent"
)

type httpClient struct {
	trackerURL string
	client     *http.Client
}

func newHTTPClient(trackerURL string) *httpClient {
	return &httpClient{
		trackerURL: trackerURL,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

type httpAnnounceResponse struct {
	Interval      int    `mapstructure:"interval"`
	Complete      int    `mapstructure:"complete"`
	Incomplete    int    `mapstructure:"incomplete"`
	TrackerId     string `mapstructure:"tracker id"`
	Warning       string `mapstructure:"warning message"`
	FailureReason string `mapstructure:"failure reason"`
	Peers         any    `mapstructure:"peers"`
}

func (c *httpClient) Announce(request AnnounceRequest) (*AnnounceResponse, error) {
	params := url.Values{}
	params.Add("info_hash", string(request.InfoHash[:]))
	params.Add("peer_id", string(request.PeerId[:]))
	params.Add("port", strconv.Itoa(int(request.Port)))
	params.Add("downloaded", strconv.Itoa(request.Downloaded))
	params.Add("uploaded", strconv.Itoa(request.Uploaded))
	params.Add("left", strconv.Itoa(request.Left))
	params.Add("numwant", strconv.Itoa(request.NumWant))
	params.Add("compact", "1")
	params.Add("event", string(request.Event))

	if request.TrackerId != "" {
		params.Add("trackerid", request.TrackerId)
	}

	requestURL := fmt.Sprintf("%s?%s", c.trackerURL, params.Encode())

	res, err := c.client.Get(requestURL)

	if err != nil {
		return nil, fmt.Errorf("announce request failed: %w", err)
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrBadHTTPStatus, res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)

	if err != nil {
		return nil, fmt.Errorf("failed to read announce response body: %w", err)
	}

	return parseHTTPAnnounceResponse(body)
}

func parseHTTPAnnounceResponse(body []byte) (*AnnounceResponse, error) {
	decoded, err := bencode.DecodeFull(body)

	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAnnounceResponse, err)
	}

	dict, ok := decoded.(map[string]any)

	if !ok {
		return nil, fmt.Errorf("%w: expected a dictionary, got %T", ErrInvalidAnnounceResponse, decoded)
	}

	var response httpAnnounceResponse

	if err := mapstructure.Decode(dict, &response); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAnnounceResponse, err)
	}

	if response.FailureReason != "" {
		return nil, fmt.Errorf("tracker refused the announce: %s", response.FailureReason)
	}

	peers, err := parsePeersValue(response.Peers)

	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval:   time.Duration(response.Interval) * time.Second,
		Complete:   response.Complete,
		Incomplete: response.Incomplete,
		Peers:      peers,
		TrackerId:  response.TrackerId,
		Warning:    response.Warning,
	}, nil
}

func parsePeersValue(value any) ([]torrent.PeerAddress, error) {
	switch peers := value.(type) {
	case string:
		return parseCompactPeers([]byte(peers))

	case []any:
		{
			addresses := make([]torrent.PeerAddress, len(peers))

			for index, entry := range peers {
				dict, ok := entry.(map[string]any)

				if !ok {
					return nil, fmt.Errorf("%w: peers list contains an invalid entry at index %d", ErrInvalidAnnounceResponse, index)
				}

				ip, ipOk := dict["ip"].(string)
				port, portOk := dict["port"].(int)

				if !ipOk || !portOk {
					return nil, fmt.Errorf("%w: peers list entry at index %d is missing 'ip' or 'port'", ErrInvalidAnnounceResponse, index)
				}

				addresses[index] = torrent.PeerAddress{IP: ip, Port: uint16(port)}
			}

			return addresses, nil
		}

	case nil:
		return nil, fmt.Errorf("%w: response does not include a 'peers' key", ErrInvalidAnnounceResponse)

	default:
		return nil, fmt.Errorf("%w: 'peers' must be a string or a list, got %T", ErrInvalidAnnounceResponse, value)
	}
}

func parseCompactPeers(data []byte) ([]torrent.PeerAddress, error) {
	const peerSize = 6

	if len(data)%peerSize != 0 {
		return nil, fmt.Errorf("%w: compact peers value must be a multiple of %d bytes", ErrInvalidAnnounceResponse, peerSize)
	}

	addresses := make([]torrent.PeerAddress, 0, len(data)/peerSize)

	for i := 0; i < len(data); i += peerSize {
		addresses = append(addresses, torrent.PeerAddress{
			IP:   fmt.Sprintf("%d.%d.%d.%d", data[i], data[i+1], data[i+2], data[i+3]),
			Port: binary.BigEndian.Uint16(data[i+4 : i+6]),
		})
	}

	return addresses, nil
}
