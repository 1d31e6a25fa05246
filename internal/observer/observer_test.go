package observer

import (
	"net/netip"
	"testing"
)

func TestObserver_DownloadedBytesClampedToTotal(t *testing.T) {
	o := New(10, 25, 3)

	o.SetProgress(2)
	if s := o.Snapshot(); s.DownloadedBytes != 20 {
		t.Fatalf("DownloadedBytes = %d, want 20", s.DownloadedBytes)
	}

	o.SetProgress(3)
	if s := o.Snapshot(); s.DownloadedBytes != 25 {
		t.Fatalf("DownloadedBytes = %d, want 25 (clamped)", s.DownloadedBytes)
	}
}

func TestObserver_PeerSnapshotLifecycle(t *testing.T) {
	o := New(10, 25, 3)
	addr := netip.MustParseAddrPort("127.0.0.1:6881")

	o.UpdatePeer(PeerSnapshot{Addr: addr, Status: StatusConnecting})
	if s := o.Snapshot(); len(s.Peers) != 1 || s.ActivePeers != 0 {
		t.Fatalf("Snapshot = %+v, want 1 peer, 0 active", s)
	}

	o.UpdatePeer(PeerSnapshot{Addr: addr, Status: StatusConnected})
	if s := o.Snapshot(); s.ActivePeers != 1 {
		t.Fatalf("ActivePeers = %d, want 1", s.ActivePeers)
	}

	o.RemovePeer(addr)
	if s := o.Snapshot(); len(s.Peers) != 0 {
		t.Fatalf("Peers = %+v, want none after removal", s.Peers)
	}
}
