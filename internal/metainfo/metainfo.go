package metainfo

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/sleetbt/sleet/bencode"
	"github.com/sleetbt/sleet/internal/torrent"
)

// File is one output file with its absolute byte offset into the content.
type File struct {
	Name   string
	Length int
	Offset int
}

type Metainfo struct {
	Announce    string
	Trackers    []string
	InfoHash    torrent.InfoHash
	Name        string
	PieceLength int
	TotalLength int
	Pieces      []torrent.Piece
	Files       []File
}

type infoDict struct {
	Name        string      `mapstructure:"name"`
	PieceLength int         `mapstructure:"piece length"`
	Pieces      string      `mapstructure:"pieces"`
	Length      int         `mapstructure:"length"`
	Files       []fileEntry `mapstructure:"files"`
}

type fileEntry struct {
	Length int      `mapstructure:"length"`
	Path   []string `mapstructure:"path"`
}

// Parse decodes a bencoded metafile. The info hash is computed over the raw,
// original byte slice of the "info" value, never over a re-encoded form.
func Parse(data []byte) (*Metainfo, error) {
	decoded, err := bencode.DecodeFull(data)

	if err != nil {
		return nil, fmt.Errorf("failed to decode metainfo file: %w", err)
	}

	dict, ok := decoded.(map[string]any)

	if !ok {
		return nil, fmt.Errorf("expected metainfo to be a bencoded dictionary, but received '%T'", decoded)
	}

	announce, ok := dict["announce"].(string)

	if !ok {
		return nil, fmt.Errorf("metainfo dictionary is missing a valid 'announce' property")
	}

	infoValue, ok := dict["info"].(map[string]any)

	if !ok {
		return nil, fmt.Errorf("metainfo dictionary is missing a valid 'info' property")
	}

	var info infoDict

	if err := mapstructure.Decode(infoValue, &info); err != nil {
		return nil, fmt.Errorf("failed to decode metainfo 'info' dictionary: %w", err)
	}

	if info.Name == "" {
		return nil, fmt.Errorf("metainfo 'info' dictionary is missing required property 'name'")
	}

	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo 'piece length' must be a positive integer, got %d", info.PieceLength)
	}

	rawInfo, err := rawInfoValue(data)

	if err != nil {
		return nil, err
	}

	trackers, err := parseTrackers(announce, dict["announce-list"])

	if err != nil {
		return nil, err
	}

	metainfo := &Metainfo{
		Announce:    announce,
		Trackers:    trackers,
		InfoHash:    sha1.Sum(rawInfo),
		Name:        info.Name,
		PieceLength: info.PieceLength,
	}

	if err := resolveFiles(metainfo, info); err != nil {
		return nil, err
	}

	if err := resolvePieces(metainfo, info.Pieces); err != nil {
		return nil, err
	}

	return metainfo, nil
}

func parseTrackers(announce string, announceList any) ([]string, error) {
	seen := map[string]bool{}
	trackers := []string{}

	add := func(url string) {
		if seen[url] {
			return
		}

		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "udp://") {
			return
		}

		seen[url] = true
		trackers = append(trackers, url)
	}

	add(announce)

	if announceList == nil {
		return trackers, nil
	}

	tiers, ok := announceList.([]any)

	if !ok {
		return nil, fmt.Errorf("\"announce-list\" property should be a list, but received '%T'", announceList)
	}

	for tierIndex, tier := range tiers {
		urls, ok := tier.([]any)

		if !ok {
			return nil, fmt.Errorf("announce list contains an invalid entry at index %d", tierIndex)
		}

		for urlIndex, url := range urls {
			urlStr, ok := url.(string)

			if !ok {
				return nil, fmt.Errorf("announce list entry at index %d contains an invalid entry at index %d", tierIndex, urlIndex)
			}

			add(urlStr)
		}
	}

	return trackers, nil
}

func resolveFiles(metainfo *Metainfo, info infoDict) error {
	if len(info.Files) == 0 {
		if info.Length <= 0 {
			return fmt.Errorf("metainfo 'info' dictionary must contain a 'files' list or a positive 'length'")
		}

		metainfo.TotalLength = info.Length
		metainfo.Files = []File{{Name: info.Name, Length: info.Length, Offset: 0}}

		return nil
	}

	offset := 0
	files := make([]File, len(info.Files))

	for i, entry := range info.Files {
		if entry.Length <= 0 {
			return fmt.Errorf("files list entry at index '%d' contains an invalid 'length' property", i)
		}

		if len(entry.Path) == 0 {
			return fmt.Errorf("files list entry at index '%d' contains an invalid 'path' property", i)
		}

		files[i] = File{
			Name:   filepath.Join(append([]string{info.Name}, entry.Path...)...),
			Length: entry.Length,
			Offset: offset,
		}

		offset += entry.Length
	}

	metainfo.TotalLength = offset
	metainfo.Files = files

	return nil
}

func resolvePieces(metainfo *Metainfo, hashes string) error {
	if len(hashes)%sha1.Size != 0 {
		return fmt.Errorf("'pieces' property length must be a multiple of %d, got %d", sha1.Size, len(hashes))
	}

	count := len(hashes) / sha1.Size
	expected := (metainfo.TotalLength + metainfo.PieceLength - 1) / metainfo.PieceLength

	if count != expected {
		return fmt.Errorf("'pieces' property contains %d hashes, but the content length requires %d", count, expected)
	}

	pieces := make([]torrent.Piece, count)

	for i := range count {
		length := metainfo.PieceLength

		if i == count-1 {
			if remainder := metainfo.TotalLength % metainfo.PieceLength; remainder != 0 {
				length = remainder
			}
		}

		pieces[i] = torrent.Piece{Index: i, Length: length}
		copy(pieces[i].Hash[:], hashes[i*sha1.Size:])
	}

	metainfo.Pieces = pieces

	return nil
}

// rawInfoValue returns the original byte slice of the top-level "info" value.
func rawInfoValue(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, fmt.Errorf("metainfo file must be a bencoded dictionary")
	}

	index := 1

	for index < len(data) && data[index] != 'e' {
		key, consumed, err := bencode.DecodeValue(data[index:])

		if err != nil {
			return nil, fmt.Errorf("failed to scan metainfo dictionary: %w", err)
		}

		keyStr, ok := key.(string)

		if !ok {
			return nil, fmt.Errorf("metainfo dictionary contains a non-string key")
		}

		index += consumed

		_, consumed, err = bencode.DecodeValue(data[index:])

		if err != nil {
			return nil, fmt.Errorf("failed to scan value for metainfo key '%s': %w", keyStr, err)
		}

		if keyStr == "info" {
			return data[index : index+consumed], nil
		}

		index += consumed
	}

	return nil, fmt.Errorf("metainfo dictionary does not contain an 'info' key")
}
