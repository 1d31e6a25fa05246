// Package observer exposes the read-only progress counters a UI
// collaborator polls: bytes downloaded, pieces completed, active peer
// count, and a snapshot of every peer endpoint's connection status. The
// core never pushes updates; it only keeps this structure current so a
// poller can read it at any rate.
package observer

import (
	"net/netip"
	"sync"
	"time"
)

// PeerStatus is a peer session's connection state as shown to the UI.
type PeerStatus string

const (
	StatusUnconnected PeerStatus = "unconnected"
	StatusConnecting  PeerStatus = "connecting"
	StatusConnected   PeerStatus = "connected"
	StatusClosed      PeerStatus = "closed"
)

// PeerSnapshot is an explicit record of one peer's observable state.
// Every field is a concrete counter; absent values are zero values.
type PeerSnapshot struct {
	Addr           netip.AddrPort
	Status         PeerStatus
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	Downloaded     uint64
	PiecesReceived uint64
	LastActivity   time.Time
}

// Snapshot is the full observer record read by the UI collaborator.
type Snapshot struct {
	DownloadedBytes int64
	TotalBytes      int64
	CompletedPieces int
	TotalPieces     int
	ActivePeers     int
	Peers           []PeerSnapshot
}

// Observer aggregates progress counters written by the peer sessions and
// the swarm coordinator. All mutation is serialized by a single mutex;
// reads take a defensive copy so the UI can poll concurrently with
// writers.
type Observer struct {
	mu sync.Mutex

	pieceLength int64
	totalLength int64
	numPieces   int

	completedPieces int
	peers           map[netip.AddrPort]PeerSnapshot
}

// New builds an Observer for a torrent with the given piece geometry.
func New(pieceLength, totalLength int64, numPieces int) *Observer {
	return &Observer{
		pieceLength: pieceLength,
		totalLength: totalLength,
		numPieces:   numPieces,
		peers:       make(map[netip.AddrPort]PeerSnapshot),
	}
}

// SetProgress records the current completed-piece count, as returned by
// the piece manager's Progress().
func (o *Observer) SetProgress(completed int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completedPieces = completed
}

// UpdatePeer upserts the snapshot for a single peer endpoint.
func (o *Observer) UpdatePeer(p PeerSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.peers[p.Addr] = p
}

// RemovePeer drops a peer's snapshot, e.g. once its session has closed
// and it is no longer worth reporting.
func (o *Observer) RemovePeer(addr netip.AddrPort) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.peers, addr)
}

// Snapshot returns a defensive copy of the current observer state.
// Downloaded bytes are derived as completed pieces times piece length,
// clamped to the total payload size.
func (o *Observer) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	downloaded := int64(o.completedPieces) * o.pieceLength
	if downloaded > o.totalLength {
		downloaded = o.totalLength
	}

	active := 0
	peers := make([]PeerSnapshot, 0, len(o.peers))
	for _, p := range o.peers {
		if p.Status == StatusConnected {
			active++
		}
		peers = append(peers, p)
	}

	return Snapshot{
		DownloadedBytes: downloaded,
		TotalBytes:      o.totalLength,
		CompletedPieces: o.completedPieces,
		TotalPieces:     o.numPieces,
		ActivePeers:     active,
		Peers:           peers,
	}
}
