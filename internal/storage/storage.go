package storage

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sleetbt/sleet/internal/mailbox"
	"github.com/sleetbt/sleet/internal/metainfo"
	"github.com/sleetbt/sleet/internal/torrent"
)

const pieceFileSuffix = ".piece"

// StoreResult reports the outcome of persisting one piece.
type StoreResult struct {
	Index int
	Err   error
}

// RetrieveResult reports the outcome of reading one piece back.
type RetrieveResult struct {
	Index int
	Data  []byte
	Err   error
}

type request any

type activateRequest struct {
	infoHash torrent.InfoHash
	dirName  string
	reply    chan error
}

type deactivateRequest struct {
	infoHash torrent.InfoHash
	reply    chan error
}

type existingPiecesRequest struct {
	infoHash torrent.InfoHash
	reply    chan existingPiecesResponse
}

type existingPiecesResponse struct {
	indexes []int
	err     error
}

type storeRequest struct {
	infoHash torrent.InfoHash
	piece    torrent.Piece
	notify   func(StoreResult)
}

type retrieveRequest struct {
	infoHash torrent.InfoHash
	index    int
	notify   func(RetrieveResult)
}

type composeRequest struct {
	infoHash torrent.InfoHash
	files    []metainfo.File
	notify   func(path string, err error)
}

// Storage owns disk I/O for its base directory. All operations are messages
// handled one at a time by the actor goroutine; store, retrieve and compose
// answer through the reply address carried by the request.
type Storage struct {
	fs       afero.Fs
	baseDir  string
	logger   *zap.Logger
	requests *mailbox.Mailbox[request]
	done     chan struct{}

	dirs map[torrent.InfoHash]string
}

type Opts struct {
	Fs      afero.Fs
	BaseDir string
	Logger  *zap.Logger
}

func New(opts Opts) *Storage {
	logger := opts.Logger

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Storage{
		fs:       opts.Fs,
		baseDir:  opts.BaseDir,
		logger:   logger,
		requests: mailbox.New[request](),
		done:     make(chan struct{}),
		dirs:     make(map[torrent.InfoHash]string),
	}
}

func (s *Storage) Start() {
	go s.run()
}

// Stop drains outstanding requests and terminates the actor.
func (s *Storage) Stop() {
	s.requests.Close()
	<-s.done
}

// Activate registers a torrent's piece directory, creating it if needed.
func (s *Storage) Activate(infoHash torrent.InfoHash, dirName string) error {
	reply := make(chan error, 1)
	s.requests.Put(activateRequest{infoHash: infoHash, dirName: dirName, reply: reply})

	return <-reply
}

func (s *Storage) Deactivate(infoHash torrent.InfoHash) error {
	reply := make(chan error, 1)
	s.requests.Put(deactivateRequest{infoHash: infoHash, reply: reply})

	return <-reply
}

// ExistingPieces scans the torrent's piece directory and returns the indexes
// already persisted there.
func (s *Storage) ExistingPieces(infoHash torrent.InfoHash) ([]int, error) {
	reply := make(chan existingPiecesResponse, 1)
	s.requests.Put(existingPiecesRequest{infoHash: infoHash, reply: reply})

	response := <-reply

	return response.indexes, response.err
}

// Store persists a piece and reports the outcome through notify. The notify
// function must not block; posting to a mailbox satisfies that.
func (s *Storage) Store(infoHash torrent.InfoHash, piece torrent.Piece, notify func(StoreResult)) {
	s.requests.Put(storeRequest{infoHash: infoHash, piece: piece, notify: notify})
}

// Retrieve reads a piece back and reports the outcome through notify.
func (s *Storage) Retrieve(infoHash torrent.InfoHash, index int, notify func(RetrieveResult)) {
	s.requests.Put(retrieveRequest{infoHash: infoHash, index: index, notify: notify})
}

// Compose assembles the final file layout from the stored pieces and reports
// the output root through notify.
func (s *Storage) Compose(infoHash torrent.InfoHash, files []metainfo.File, notify func(path string, err error)) {
	s.requests.Put(composeRequest{infoHash: infoHash, files: files, notify: notify})
}

func (s *Storage) run() {
	defer close(s.done)

	for req := range s.requests.Receive() {
		switch r := req.(type) {
		case activateRequest:
			r.reply <- s.handleActivate(r)

		case deactivateRequest:
			r.reply <- s.handleDeactivate(r)

		case existingPiecesRequest:
			indexes, err := s.handleExistingPieces(r)
			r.reply <- existingPiecesResponse{indexes: indexes, err: err}

		case storeRequest:
			r.notify(s.handleStore(r))

		case retrieveRequest:
			r.notify(s.handleRetrieve(r))

		case composeRequest:
			path, err := s.handleCompose(r)
			r.notify(path, err)
		}
	}
}

func (s *Storage) handleActivate(r activateRequest) error {
	dir := filepath.Join(s.baseDir, r.dirName)

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create piece directory '%s': %w", dir, err)
	}

	s.dirs[r.infoHash] = dir
	s.logger.Info("storage activated", zap.String("infoHash", r.infoHash.String()), zap.String("dir", dir))

	return nil
}

func (s *Storage) handleDeactivate(r deactivateRequest) error {
	if _, ok := s.dirs[r.infoHash]; !ok {
		return fmt.Errorf("storage has no active directory for info hash %s", r.infoHash)
	}

	delete(s.dirs, r.infoHash)

	return nil
}

func (s *Storage) pieceDir(infoHash torrent.InfoHash) (string, error) {
	dir, ok := s.dirs[infoHash]

	if !ok {
		return "", fmt.Errorf("storage has no active directory for info hash %s", infoHash)
	}

	return dir, nil
}

func (s *Storage) piecePath(dir string, index int) string {
	return filepath.Join(dir, strconv.Itoa(index)+pieceFileSuffix)
}

func (s *Storage) handleExistingPieces(r existingPiecesRequest) ([]int, error) {
	dir, err := s.pieceDir(r.infoHash)

	if err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(s.fs, dir)

	if err != nil {
		return nil, fmt.Errorf("failed to scan piece directory '%s': %w", dir, err)
	}

	indexes := []int{}

	for _, entry := range entries {
		name := entry.Name()

		if entry.IsDir() || !strings.HasSuffix(name, pieceFileSuffix) {
			continue
		}

		index, err := strconv.Atoi(strings.TrimSuffix(name, pieceFileSuffix))

		if err != nil {
			continue
		}

		indexes = append(indexes, index)
	}

	return indexes, nil
}

func (s *Storage) handleStore(r storeRequest) StoreResult {
	dir, err := s.pieceDir(r.infoHash)

	if err != nil {
		return StoreResult{Index: r.piece.Index, Err: err}
	}

	path := s.piecePath(dir, r.piece.Index)

	if err := afero.WriteFile(s.fs, path, r.piece.Data, 0o644); err != nil {
		return StoreResult{Index: r.piece.Index, Err: fmt.Errorf("failed to write piece file '%s': %w", path, err)}
	}

	s.logger.Debug("piece stored", zap.Int("index", r.piece.Index), zap.String("path", path))

	return StoreResult{Index: r.piece.Index}
}

func (s *Storage) handleRetrieve(r retrieveRequest) RetrieveResult {
	dir, err := s.pieceDir(r.infoHash)

	if err != nil {
		return RetrieveResult{Index: r.index, Err: err}
	}

	path := s.piecePath(dir, r.index)
	data, err := afero.ReadFile(s.fs, path)

	if err != nil {
		return RetrieveResult{Index: r.index, Err: fmt.Errorf("failed to read piece file '%s': %w", path, err)}
	}

	return RetrieveResult{Index: r.index, Data: data}
}

func (s *Storage) handleCompose(r composeRequest) (string, error) {
	dir, err := s.pieceDir(r.infoHash)

	if err != nil {
		return "", err
	}

	content := []byte{}

	for index := 0; ; index++ {
		path := s.piecePath(dir, index)
		exists, err := afero.Exists(s.fs, path)

		if err != nil {
			return "", err
		}

		if !exists {
			break
		}

		data, err := afero.ReadFile(s.fs, path)

		if err != nil {
			return "", fmt.Errorf("failed to read piece file '%s': %w", path, err)
		}

		content = append(content, data...)
	}

	for _, file := range r.files {
		if file.Offset+file.Length > len(content) {
			return "", fmt.Errorf("stored pieces cover %d bytes, but file '%s' ends at %d", len(content), file.Name, file.Offset+file.Length)
		}

		path := filepath.Join(dir, file.Name)

		if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory for '%s': %w", path, err)
		}

		if err := afero.WriteFile(s.fs, path, content[file.Offset:file.Offset+file.Length], 0o644); err != nil {
			return "", fmt.Errorf("failed to write composed file '%s': %w", path, err)
		}
	}

	var cleanupErr error

	for index := 0; ; index++ {
		path := s.piecePath(dir, index)
		exists, err := afero.Exists(s.fs, path)

		if err != nil || !exists {
			break
		}

		cleanupErr = multierr.Append(cleanupErr, s.fs.Remove(path))
	}

	if cleanupErr != nil {
		s.logger.Warn("failed to remove piece files after compose", zap.Error(cleanupErr))
	}

	s.logger.Info("compose finished", zap.String("infoHash", r.infoHash.String()), zap.String("dir", dir))

	return dir, nil
}
