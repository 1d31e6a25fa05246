// Package protocol implements the BitTorrent peer wire format: the
// 68-byte opening handshake and the length-prefixed messages exchanged
// after it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a peer wire message. Ids above Cancel exist in
// protocol extensions this client does not speak; they are decoded and
// discarded rather than treated as errors.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
)

var messageNames = map[MessageID]string{
	Choke:         "Choke",
	Unchoke:       "Unchoke",
	Interested:    "Interested",
	NotInterested: "Not Interested",
	Have:          "Have",
	Bitfield:      "Bitfield",
	Request:       "Request",
	Piece:         "Piece",
	Cancel:        "Cancel",
}

func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(id))
}

// Message is one peer wire message. On the wire every message is a
// 4-byte big-endian length prefix followed by a one-byte id and the
// payload; a length of zero is a keep-alive carrying neither. A nil
// *Message stands for a keep-alive throughout this package.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("protocol: short message")
	ErrBadLengthPrefix = errors.New("protocol: invalid length prefix")
	ErrBadPayloadSize  = errors.New("protocol: invalid payload size for message")
)

// maxMessageLength bounds the length prefix a remote may claim. The
// largest legitimate message is a Piece carrying one 16KiB block plus
// its 8-byte header; anything past a whole-piece order of magnitude is
// a protocol violation, not a big message.
const maxMessageLength = 1 << 20

// IsKeepAlive reports whether m denotes a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	return &Message{ID: Have, Payload: binary.BigEndian.AppendUint32(nil, index)}
}

func MessageBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: append([]byte(nil), bits...)}
}

func MessageRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Payload: putBlockRef(index, begin, length)}
}

func MessageCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Payload: putBlockRef(index, begin, length)}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	return &Message{ID: Piece, Payload: append(payload, block...)}
}

func putBlockRef(index, begin, length uint32) []byte {
	b := binary.BigEndian.AppendUint32(nil, index)
	b = binary.BigEndian.AppendUint32(b, begin)
	return binary.BigEndian.AppendUint32(b, length)
}

// ParseHave returns the piece index carried by a Have message. ok is
// false when m is not a Have or the payload is malformed.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest splits a Request payload into piece index, block begin
// offset, and block length.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || m.ID != Request || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece splits a Piece payload into piece index, block begin
// offset, and the block bytes. The returned slice aliases m.Payload.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:],
		true
}

// Serialize renders m in wire form. A nil receiver serializes as the
// four zero bytes of a keep-alive.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}

	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage decodes the next message from r, blocking until the full
// frame has been consumed. Keep-alives decode to (nil, nil). Partial
// reads are retried by io.ReadFull until the frame is complete or the
// underlying reader errors.
func ReadMessage(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, nil // keep-alive
	}
	if length > maxMessageLength {
		return nil, ErrBadLengthPrefix
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortMessage
		}
		return nil, err
	}

	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// WriteMessage writes m to w in wire form; a nil m writes a keep-alive.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(m.Serialize())
	return err
}

// ValidatePayloadSize checks m's payload length against the fixed sizes
// the wire format mandates for its id. Variable-length ids (Bitfield,
// unknown ids) always pass.
func (m *Message) ValidatePayloadSize() error {
	if m == nil {
		return nil
	}

	switch m.ID {
	case Have:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return ErrBadPayloadSize
		}
	case Piece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	}
	return nil
}
