package protocol

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
)

// protocolString is the pstr every BitTorrent v1 peer opens with.
const protocolString = "BitTorrent protocol"

// handshakeLength is the full wire size of a v1 handshake:
// pstrlen(1) + pstr(19) + reserved(8) + info_hash(20) + peer_id(20).
const handshakeLength = 1 + len(protocolString) + 8 + sha1.Size + sha1.Size

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
	ErrShortHandshake   = errors.New("handshake: short read")
)

// Handshake is the opening exchange that ties a connection to a swarm.
// Reserved carries extension flags; this client sends all zeroes and
// ignores whatever the remote advertises.
type Handshake struct {
	Reserved [8]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// NewHandshake returns the local side of a handshake for the given
// swarm and peer identity.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize renders the handshake in its fixed 68-byte wire form.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLength)

	buf[0] = byte(len(protocolString))
	n := 1 + copy(buf[1:], protocolString)
	n += 8 // reserved bytes stay zero
	n += copy(buf[n:], h.InfoHash[:])
	copy(buf[n:], h.PeerID[:])

	return buf
}

// ReadHandshake consumes exactly one handshake frame from r. The frame
// is rejected before the tail is interpreted if the protocol string
// prefix is not the v1 one.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var buf [handshakeLength]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Handshake{}, ErrShortHandshake
		}
		return Handshake{}, err
	}

	if buf[0] != byte(len(protocolString)) || string(buf[1:1+len(protocolString)]) != protocolString {
		return Handshake{}, ErrProtocolMismatch
	}

	var h Handshake
	rest := buf[1+len(protocolString):]
	n := copy(h.Reserved[:], rest)
	n += copy(h.InfoHash[:], rest[n:])
	copy(h.PeerID[:], rest[n:])

	return h, nil
}

// WriteHandshake writes h to w in wire form.
func WriteHandshake(w io.Writer, h Handshake) error {
	if _, err := w.Write(h.Serialize()); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Exchange sends the local handshake on rw, reads the remote one, and
// validates it: the protocol string must match, and when verifyInfoHash
// is set the echoed info hash must equal ours. The remote peer id is
// accepted as-is.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (Handshake, error) {
	if err := WriteHandshake(rw, h); err != nil {
		return Handshake{}, err
	}

	remote, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, err
	}
	if verifyInfoHash && remote.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}

	return remote, nil
}
