package protocol

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"testing"
)

func id20(s string) (a [sha1.Size]byte) {
	copy(a[:], s)
	return a
}

func TestHandshakeSerializeLayout(t *testing.T) {
	h := NewHandshake(id20("info-hash-aaaaaaaaaa"), id20("-LEECH01-peeridbbbbb"))
	wire := h.Serialize()

	if len(wire) != 68 {
		t.Fatalf("handshake length = %d, want 68", len(wire))
	}
	if wire[0] != 19 {
		t.Errorf("pstrlen = %d, want 19", wire[0])
	}
	if string(wire[1:20]) != "BitTorrent protocol" {
		t.Errorf("pstr = %q", wire[1:20])
	}
	if !bytes.Equal(wire[20:28], make([]byte, 8)) {
		t.Errorf("reserved bytes = %x, want all zero", wire[20:28])
	}
	if !bytes.Equal(wire[28:48], []byte("info-hash-aaaaaaaaaa")) {
		t.Errorf("info hash bytes = %q", wire[28:48])
	}
	if !bytes.Equal(wire[48:68], []byte("-LEECH01-peeridbbbbb")) {
		t.Errorf("peer id bytes = %q", wire[48:68])
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	sent := NewHandshake(id20("round-trip-infohash!"), id20("round-trip-peer-id!!"))

	got, err := ReadHandshake(bytes.NewReader(sent.Serialize()))
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.InfoHash != sent.InfoHash {
		t.Errorf("info hash = %x, want %x", got.InfoHash, sent.InfoHash)
	}
	if got.PeerID != sent.PeerID {
		t.Errorf("peer id = %x, want %x", got.PeerID, sent.PeerID)
	}
}

func TestReadHandshakeRejectsWrongProtocol(t *testing.T) {
	wire := NewHandshake(id20("x"), id20("y")).Serialize()
	copy(wire[1:], "BitTorrent freeload!")

	if _, err := ReadHandshake(bytes.NewReader(wire)); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("err = %v, want ErrProtocolMismatch", err)
	}
}

func TestReadHandshakeRejectsWrongPstrlen(t *testing.T) {
	wire := NewHandshake(id20("x"), id20("y")).Serialize()
	wire[0] = 18

	if _, err := ReadHandshake(bytes.NewReader(wire)); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("err = %v, want ErrProtocolMismatch", err)
	}
}

func TestReadHandshakeShortRead(t *testing.T) {
	wire := NewHandshake(id20("x"), id20("y")).Serialize()

	if _, err := ReadHandshake(bytes.NewReader(wire[:40])); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("err = %v, want ErrShortHandshake", err)
	}
	if _, err := ReadHandshake(bytes.NewReader(nil)); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("empty read err = %v, want ErrShortHandshake", err)
	}
}

// fakeConn pairs a canned inbound stream with a capture buffer so
// Exchange can be driven without a socket.
type fakeConn struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func TestExchangeAcceptsMatchingInfoHash(t *testing.T) {
	local := NewHandshake(id20("shared-info-hash...."), id20("local-peer-id......."))
	remote := NewHandshake(id20("shared-info-hash...."), id20("remote-peer-id......"))

	conn := &fakeConn{in: bytes.NewReader(remote.Serialize())}
	got, err := local.Exchange(conn, true)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got.PeerID != remote.PeerID {
		t.Errorf("remote peer id = %x, want %x", got.PeerID, remote.PeerID)
	}
	if !bytes.Equal(conn.out.Bytes(), local.Serialize()) {
		t.Errorf("sent bytes differ from local handshake wire form")
	}
}

func TestExchangeRejectsForeignInfoHash(t *testing.T) {
	local := NewHandshake(id20("local-info-hash....."), id20("local-peer-id......."))
	remote := NewHandshake(id20("other-info-hash....."), id20("remote-peer-id......"))

	conn := &fakeConn{in: bytes.NewReader(remote.Serialize())}
	if _, err := local.Exchange(conn, true); !errors.Is(err, ErrInfoHashMismatch) {
		t.Fatalf("err = %v, want ErrInfoHashMismatch", err)
	}
}

func TestExchangeSkipsInfoHashCheckWhenDisabled(t *testing.T) {
	local := NewHandshake(id20("local-info-hash....."), id20("local-peer-id......."))
	remote := NewHandshake(id20("other-info-hash....."), id20("remote-peer-id......"))

	conn := &fakeConn{in: bytes.NewReader(remote.Serialize())}
	if _, err := local.Exchange(conn, false); err != nil {
		t.Fatalf("Exchange without verification: %v", err)
	}
}
