// Package piece implements the whole-piece work-allocation and assembly
// contract: a single caller-assigned piece per peer, block reassembly in
// offset order, and SHA-1 verification before a piece is marked complete.
package piece

import (
	"crypto/sha1"
	"errors"
	"sync"
)

// MaxBlockLength is the fixed block size requested from and sent to peers.
const MaxBlockLength = 16 * 1024 // 16KiB

var (
	// ErrNoPieceAssigned is returned by AddBlock when the piece index
	// given is not currently assigned to anyone.
	ErrNoPieceAssigned = errors.New("piece: no piece assigned at that index")
	// ErrNoPieceAvailable is returned by Assign when every piece is either
	// already completed or currently assigned to another caller.
	ErrNoPieceAvailable = errors.New("piece: no piece available to assign")
)

// Manager owns piece state for a single torrent download: which pieces are
// complete, which are currently assigned and to whom, and the partial
// block data for in-flight pieces. All state transitions happen under a
// single mutex; no I/O runs while it is held.
type Manager struct {
	mu sync.Mutex

	pieceLength int64
	totalLength int64
	hashes      [][sha1.Size]byte

	completed []bool
	inFlight  map[int]string         // piece index -> owning peer identity
	blocks    map[int]map[int][]byte // piece index -> begin offset -> data
}

// NewManager builds a Manager for a torrent with the given piece geometry
// and per-piece SHA-1 digests.
func NewManager(pieceLength, totalLength int64, hashes [][sha1.Size]byte) *Manager {
	return &Manager{
		pieceLength: pieceLength,
		totalLength: totalLength,
		hashes:      hashes,
		completed:   make([]bool, len(hashes)),
		inFlight:    make(map[int]string),
		blocks:      make(map[int]map[int][]byte),
	}
}

// NumPieces returns the total number of pieces tracked by the manager.
func (m *Manager) NumPieces() int {
	return len(m.hashes)
}

// PieceLength returns the exact byte length piece i must assemble to,
// accounting for the shorter final piece. Callers use this to split a
// newly assigned piece into fixed-size blocks.
func (m *Manager) PieceLength(i int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.expectedLength(i)
}

// expectedLength returns the exact byte length piece i must assemble to.
func (m *Manager) expectedLength(i int) int64 {
	if i == len(m.hashes)-1 {
		return m.totalLength - int64(i)*m.pieceLength
	}
	return m.pieceLength
}

// Assign returns the lowest-index piece that is neither completed nor
// already assigned, marking it in-flight under the given peer identity.
// At most one peer owns an index at any moment; the recorded identity
// is observational (Release and StorePiece free the piece regardless of
// who calls). Returns ErrNoPieceAvailable if every piece is done or
// taken.
func (m *Manager) Assign(peer string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, done := range m.completed {
		if done {
			continue
		}
		if _, busy := m.inFlight[i]; busy {
			continue
		}

		m.inFlight[i] = peer
		if _, ok := m.blocks[i]; !ok {
			m.blocks[i] = make(map[int][]byte)
		}
		return i, nil
	}

	return 0, ErrNoPieceAvailable
}

// AssignedTo reports which peer identity piece i is currently assigned
// to, if any.
func (m *Manager) AssignedTo(i int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, ok := m.inFlight[i]
	return peer, ok
}

// AddBlock records block data at begin within piece i, then attempts to
// linearize the piece from offset 0 upward. If the contiguous blocks
// received so far cover the full expected length with no gaps, the
// assembled piece bytes are returned; otherwise ok is false.
//
// AddBlock does not free the piece's block map — StorePiece and Release do.
func (m *Manager) AddBlock(i, begin int, data []byte) (assembled []byte, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.inFlight[i]; !busy {
		return nil, false, ErrNoPieceAssigned
	}

	blocks, ok := m.blocks[i]
	if !ok {
		blocks = make(map[int][]byte)
		m.blocks[i] = blocks
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	blocks[begin] = buf

	expected := m.expectedLength(i)

	out := make([]byte, 0, expected)
	pos := int64(0)
	for pos < expected {
		block, have := blocks[int(pos)]
		if !have {
			return nil, false, nil
		}
		out = append(out, block...)
		pos += int64(len(block))
	}

	if int64(len(out)) != expected {
		return nil, false, nil
	}

	return out, true, nil
}

// StorePiece verifies data's SHA-1 digest against the piece's expected
// hash. On match, marks the piece complete and frees its block/in-flight
// state. On mismatch, frees the block/in-flight state without marking the
// piece complete — a bad hash never contaminates stored state.
func (m *Manager) StorePiece(i int, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := sha1.Sum(data) == m.hashes[i]
	if ok {
		m.completed[i] = true
	}

	delete(m.inFlight, i)
	delete(m.blocks, i)

	return ok
}

// Release abandons piece i's assignment without marking it complete,
// freeing its partial block state so another caller can Assign it again.
func (m *Manager) Release(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inFlight, i)
	delete(m.blocks, i)
}

// IsComplete reports whether every piece has been verified and stored.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, done := range m.completed {
		if !done {
			return false
		}
	}
	return true
}

// Progress returns the number of completed pieces and the total piece
// count.
func (m *Manager) Progress() (completed, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, done := range m.completed {
		if done {
			n++
		}
	}
	return n, len(m.completed)
}
