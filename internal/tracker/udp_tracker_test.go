package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"net/url"
	"testing"
	"time"
)

// fakeUDPTracker answers connect and announce round-trips the way a
// BEP-15 tracker would, for as long as the test runs.
func fakeUDPTracker(t *testing.T, connID uint64, peers []byte) *net.UDPAddr {
	t.Helper()

	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, raddr, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := buf[:n]

			switch {
			case n >= 16 && binary.BigEndian.Uint64(pkt[0:8]) == udpMagic:
				// Connect request.
				var resp [16]byte
				binary.BigEndian.PutUint32(resp[0:4], udpActionConnect)
				copy(resp[4:8], pkt[12:16]) // echo transaction id
				binary.BigEndian.PutUint64(resp[8:16], connID)
				pc.WriteToUDP(resp[:], raddr)

			case n >= 98 && binary.BigEndian.Uint64(pkt[0:8]) == connID:
				// Announce request.
				resp := make([]byte, 20+len(peers))
				binary.BigEndian.PutUint32(resp[0:4], udpActionAnnounce)
				copy(resp[4:8], pkt[12:16])
				binary.BigEndian.PutUint32(resp[8:12], 1800) // interval
				binary.BigEndian.PutUint32(resp[12:16], 5)   // leechers
				binary.BigEndian.PutUint32(resp[16:20], 9)   // seeders
				copy(resp[20:], peers)
				pc.WriteToUDP(resp, raddr)
			}
		}
	}()

	return pc.LocalAddr().(*net.UDPAddr)
}

func TestUDPTrackerAnnounce(t *testing.T) {
	peers := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	addr := fakeUDPTracker(t, 0xDEADBEEF, peers)

	u, _ := url.Parse("udp://" + addr.String())
	ut, err := NewUDPTracker(u, discardLogger())
	if err != nil {
		t.Fatalf("NewUDPTracker: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	params := &AnnounceParams{NumWant: 50, Port: 6881, Event: EventStarted}
	copy(params.InfoHash[:], "aabbccddeeffgghhiijj")
	copy(params.PeerID[:], "-LEECH01-1234567890.")

	resp, err := ut.Announce(ctx, params)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if resp.Interval != 1800*time.Second || resp.Leechers != 5 || resp.Seeders != 9 {
		t.Errorf("resp = %+v", resp)
	}
	want := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:6881"),
		netip.MustParseAddrPort("10.0.0.2:6882"),
	}
	if len(resp.Peers) != 2 || resp.Peers[0] != want[0] || resp.Peers[1] != want[1] {
		t.Errorf("peers = %v, want %v", resp.Peers, want)
	}

	// The connection id is cached; a second announce goes through the
	// TTL check and must still succeed. Whether a fresh connect was sent
	// is not asserted: the fake would answer one either way.
	if _, err := ut.Announce(ctx, params); err != nil {
		t.Fatalf("second Announce: %v", err)
	}
}
