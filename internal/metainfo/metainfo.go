// Package metainfo parses .torrent files into the read-only data model a
// download session is built on: the info hash, piece geometry, piece
// digests, and the file layout used to scatter piece bytes to disk.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/jackpal/bencode-go"
)

// Metainfo is the parsed, validated contents of a .torrent file.
type Metainfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
	InfoHash     [sha1.Size]byte
}

// Info is the decoded "info" dictionary: piece geometry, digests, and
// the file layout. Single-file torrents are normalized into a
// one-entry Files slice at parse time so downstream code never
// branches on layout.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Private     bool
	Length      int64
	Files       []*File
}

// File is one entry of the file layout. Offset is the cumulative byte
// offset of this file's first byte within the concatenated payload,
// derived at parse time.
type File struct {
	Length int64
	Path   []string
	Offset int64
}

var (
	ErrAnnounceMissing  = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing      = errors.New("metainfo: 'info' missing or not a dict")
	ErrNameMissing      = errors.New("metainfo: 'name' missing")
	ErrPieceLenInvalid  = errors.New("metainfo: 'piece length' missing or not positive")
	ErrPiecesInvalid    = errors.New("metainfo: 'pieces' missing or not a multiple of 20 bytes")
	ErrLayoutInvalid    = errors.New("metainfo: need exactly one of 'length' and 'files'")
	ErrGeometryMismatch = errors.New("metainfo: piece count does not cover total length")
)

// rawTorrent mirrors the bencoded layout of a .torrent root dict. Piece
// digests arrive as one flat byte string; layout is either Length
// (single file) or Files (multi file).
type rawTorrent struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	CreationDate int64      `bencode:"creation date"`
	Encoding     string     `bencode:"encoding"`
	Info         rawInfo    `bencode:"info"`
}

type rawInfo struct {
	Name        string     `bencode:"name"`
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Private     int64      `bencode:"private"`
	Length      int64      `bencode:"length"`
	Files       []rawEntry `bencode:"files"`
}

type rawEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// ParseMetainfo decodes and validates a .torrent file. The info hash is
// computed over the canonical re-encoding of the raw info dict, so keys
// this client does not model still contribute to the digest.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	var raw rawTorrent
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}

	if raw.Announce == "" && len(flattenTiers(raw.AnnounceList)) == 0 {
		return nil, ErrAnnounceMissing
	}

	info, err := buildInfo(&raw.Info)
	if err != nil {
		return nil, err
	}

	hash, err := computeInfoHash(data)
	if err != nil {
		return nil, err
	}

	mi := &Metainfo{
		Info:         info,
		InfoHash:     hash,
		Announce:     raw.Announce,
		AnnounceList: flattenTiers(raw.AnnounceList),
		CreatedBy:    raw.CreatedBy,
		Comment:      raw.Comment,
		Encoding:     raw.Encoding,
	}
	if raw.CreationDate > 0 {
		mi.CreationDate = time.Unix(raw.CreationDate, 0).UTC()
	}

	if err := mi.validateGeometry(); err != nil {
		return nil, err
	}
	return mi, nil
}

func buildInfo(raw *rawInfo) (*Info, error) {
	if raw.Name == "" && raw.PieceLength == 0 && raw.Pieces == "" {
		return nil, ErrInfoMissing
	}
	if raw.Name == "" {
		return nil, ErrNameMissing
	}
	if raw.PieceLength <= 0 {
		return nil, ErrPieceLenInvalid
	}
	if raw.Pieces == "" || len(raw.Pieces)%sha1.Size != 0 {
		return nil, ErrPiecesInvalid
	}

	info := &Info{
		Name:        raw.Name,
		PieceLength: raw.PieceLength,
		Private:     raw.Private == 1,
		Pieces:      splitPieceHashes(raw.Pieces),
	}

	switch {
	case raw.Length > 0 && len(raw.Files) == 0:
		info.Length = raw.Length
		info.Files = []*File{{Length: raw.Length, Path: []string{raw.Name}}}

	case raw.Length == 0 && len(raw.Files) > 0:
		var offset int64
		for i, e := range raw.Files {
			if e.Length < 0 || len(e.Path) == 0 {
				return nil, fmt.Errorf("metainfo: files[%d]: bad length or path", i)
			}
			info.Files = append(info.Files, &File{
				Length: e.Length,
				Path:   e.Path,
				Offset: offset,
			})
			offset += e.Length
		}

	default:
		return nil, ErrLayoutInvalid
	}

	return info, nil
}

func splitPieceHashes(flat string) [][sha1.Size]byte {
	out := make([][sha1.Size]byte, len(flat)/sha1.Size)
	for i := range out {
		copy(out[i][:], flat[i*sha1.Size:])
	}
	return out
}

// computeInfoHash re-decodes the torrent generically, isolates the raw
// info dict, and hashes its canonical bencoding. bencode-go writes dict
// keys in sorted order, which is exactly the canonical form the swarm
// hashed.
func computeInfoHash(data []byte) ([sha1.Size]byte, error) {
	decoded, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return [sha1.Size]byte{}, fmt.Errorf("metainfo: info hash: %w", err)
	}

	root, ok := decoded.(map[string]any)
	if !ok {
		return [sha1.Size]byte{}, ErrInfoMissing
	}
	infoDict, ok := root["info"].(map[string]any)
	if !ok {
		return [sha1.Size]byte{}, ErrInfoMissing
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, infoDict); err != nil {
		return [sha1.Size]byte{}, fmt.Errorf("metainfo: info hash: %w", err)
	}
	return sha1.Sum(buf.Bytes()), nil
}

// flattenTiers drops empty tiers and empty URLs from an announce-list.
func flattenTiers(tiers [][]string) [][]string {
	out := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		kept := make([]string, 0, len(tier))
		for _, u := range tier {
			if u != "" {
				kept = append(kept, u)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}

// validateGeometry cross-checks piece count against total length: the
// last piece must be in (0, piece_length].
func (m *Metainfo) validateGeometry() error {
	total := m.TotalLength()
	np := int64(len(m.Info.Pieces))
	pl := m.Info.PieceLength

	if np == 0 || total <= (np-1)*pl || total > np*pl {
		return ErrGeometryMismatch
	}
	return nil
}

// TotalLength returns the total payload size across all files.
func (m *Metainfo) TotalLength() int64 {
	if len(m.Info.Files) == 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// NumPieces returns the total piece count.
func (m *Metainfo) NumPieces() int {
	return len(m.Info.Pieces)
}

// PieceLengthAt returns the exact byte length of piece i, accounting
// for the shorter final piece.
func (m *Metainfo) PieceLengthAt(i int) int64 {
	start := int64(i) * m.Info.PieceLength
	if rest := m.TotalLength() - start; rest < m.Info.PieceLength {
		return rest
	}
	return m.Info.PieceLength
}
