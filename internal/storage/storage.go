// Package storage maps verified piece bytes onto the on-disk files of a
// torrent's multi-file layout, pre-sizing every file at startup and
// scattering each piece across the files whose byte ranges it overlaps.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/prxssh/leech/internal/metainfo"
)

// Config controls where downloaded files are written.
type Config struct {
	DownloadDir string
}

// WithDefaultConfig returns a Config pointing at a platform-appropriate
// downloads directory.
func WithDefaultConfig() *Config {
	return &Config{DownloadDir: getDefaultDownloadDir()}
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "leech")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "leech", "downloads")
	}
}

// Store owns the open file handles backing a torrent's download directory
// and maps piece byte ranges onto them.
type Store struct {
	cfg         *Config
	log         *slog.Logger
	pieceLength int64
	files       []*datafile
}

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// NewStorage pre-sizes and opens every file named by metainfo's layout
// under cfg.DownloadDir.
func NewStorage(mi *metainfo.Metainfo, cfg *Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage")

	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	files, err := setupFiles(mi, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("setup files: %w", err)
	}

	return &Store{
		cfg:         cfg,
		log:         log,
		files:       files,
		pieceLength: mi.Info.PieceLength,
	}, nil
}

// span is the slice of one file a piece touches: n bytes starting at
// fileOff within the file, mirrored at bufOff within the piece buffer.
type span struct {
	file    *datafile
	fileOff int64
	bufOff  int64
	n       int64
}

// spans intersects a piece's byte range in the concatenated payload
// with each file's range. A piece that straddles files yields one span
// per file it touches, in file order.
func (s *Store) spans(index int, length int) []span {
	start := int64(index) * s.pieceLength
	end := start + int64(length)

	var out []span
	for _, file := range s.files {
		lo := max(start, file.offset)
		hi := min(end, file.offset+file.length)
		if lo >= hi {
			continue
		}

		out = append(out, span{
			file:    file,
			fileOff: lo - file.offset,
			bufOff:  lo - start,
			n:       hi - lo,
		})
	}
	return out
}

// WritePiece scatters a verified piece's bytes across every file whose
// byte range overlaps the piece's range in the concatenated payload.
func (s *Store) WritePiece(index int, data []byte) error {
	for _, sp := range s.spans(index, len(data)) {
		n, err := sp.file.f.WriteAt(data[sp.bufOff:sp.bufOff+sp.n], sp.fileOff)
		if err != nil {
			return fmt.Errorf("file write error for %s: %w", sp.file.path, err)
		}
		if int64(n) != sp.n {
			return fmt.Errorf("short write to %s: %d of %d bytes", sp.file.path, n, sp.n)
		}
	}

	s.log.Debug("piece written", "piece", index, "bytes", len(data))
	return nil
}

// ReadPiece reads a piece's bytes back from disk through the same
// piece-to-file mapping WritePiece stores through. len(buf) determines
// how many bytes are read.
func (s *Store) ReadPiece(index int, buf []byte) error {
	for _, sp := range s.spans(index, len(buf)) {
		n, err := sp.file.f.ReadAt(buf[sp.bufOff:sp.bufOff+sp.n], sp.fileOff)
		if err != nil {
			return fmt.Errorf("file read error for %s: %w", sp.file.path, err)
		}
		if int64(n) != sp.n {
			return fmt.Errorf("short read from %s: %d of %d bytes", sp.file.path, n, sp.n)
		}
	}

	return nil
}

// Close closes every open file handle.
func (s *Store) Close() error {
	var firstErr error
	for _, file := range s.files {
		if err := file.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func setupFiles(mi *metainfo.Metainfo, downloadDir string) ([]*datafile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	if mi.Info.Length > 0 {
		fp := filepath.Join(downloadDir, mi.Info.Name)
		mapping, err := createFileMapping(fp, mi.Info.Length, 0)
		if err != nil {
			return nil, err
		}
		return []*datafile{mapping}, nil
	}

	datafiles := make([]*datafile, 0, len(mi.Info.Files))

	for _, file := range mi.Info.Files {
		fp := filepath.Join(downloadDir, mi.Info.Name)
		for _, pathPart := range file.Path {
			fp = filepath.Join(fp, pathPart)
		}

		mapping, err := createFileMapping(fp, file.Length, file.Offset)
		if err != nil {
			return nil, err
		}

		datafiles = append(datafiles, mapping)
	}

	return datafiles, nil
}

func createFileMapping(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, err
	}

	return &datafile{path: path, length: size, offset: offset, f: file}, nil
}
