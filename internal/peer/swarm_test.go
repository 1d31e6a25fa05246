package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/piece"
	"github.com/prxssh/leech/internal/storage"
)

func newTestCoordinator(pm *piece.Manager) *Coordinator {
	cfg := &config.Config{
		SwarmSoftTarget:       4,
		SwarmRampTarget:       8,
		SwarmCeiling:          16,
		SwarmStallTicks:       1,
		SwarmTickInterval:     10 * time.Millisecond,
		SwarmLaunchSpacingMin: time.Millisecond,
		SwarmLaunchSpacingMax: 2 * time.Millisecond,
		ConnectTimeout:        50 * time.Millisecond,
		ReceiveTimeout:        50 * time.Millisecond,
		StallThreshold:        2,
		KeepAliveInterval:     time.Hour,
	}

	var infoHash, clientID [sha1.Size]byte
	var store *storage.Store
	return NewCoordinator(infoHash, clientID, pm.NumPieces(), cfg, pm, store, nil, discardLogger())
}

func TestCoordinator_ReturnsNilOnceManagerIsComplete(t *testing.T) {
	data := []byte("0123456789abcdef")
	pm := piece.NewManager(16, 16, [][sha1.Size]byte{sha1.Sum(data)})
	if _, err := pm.Assign("peer-a"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !pm.StorePiece(0, data) {
		t.Fatalf("StorePiece should verify")
	}

	c := newTestCoordinator(pm)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return once the manager was complete")
	}
}

func TestCoordinator_NoPeersAvailable(t *testing.T) {
	pm := piece.NewManager(16, 16, [][sha1.Size]byte{{}})
	c := newTestCoordinator(pm)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrNoPeersAvailable) {
			t.Fatalf("Run() = %v, want ErrNoPeersAvailable", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run never reported no-peers-available")
	}
}

func TestCoordinator_AdmitPeersDedupes(t *testing.T) {
	pm := piece.NewManager(16, 16, [][sha1.Size]byte{{}})
	c := newTestCoordinator(pm)

	addr := netip.MustParseAddrPort("127.0.0.1:6881")
	c.AdmitPeers([]netip.AddrPort{addr, addr, addr})

	if got := c.admitted.Load(); got != 1 {
		t.Fatalf("admitted = %d, want 1 (deduped)", got)
	}
}
