package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"
)

// BEP-15 protocol constants.
const (
	udpMagic         = 0x41727101980
	udpConnIDTTL     = 60 * time.Second
	udpBaseTimeout   = 15 * time.Second
	udpMaxAttempts   = 4
	udpMaxPacketSize = 4096
)

const (
	udpActionConnect uint32 = iota
	udpActionAnnounce
	udpActionScrape
	udpActionError
)

var (
	errUDPTransaction = errors.New("tracker: udp transaction id mismatch")
	errUDPAction      = errors.New("tracker: udp action mismatch")
	errUDPTruncated   = errors.New("tracker: udp packet truncated")
)

// UDPTracker announces over the BEP-15 binary protocol. A connection id
// obtained from the connect round-trip authorizes announces for about a
// minute; a stale id is detected by the tracker answering with the
// wrong action and triggers one reconnect.
type UDPTracker struct {
	log  *slog.Logger
	key  uint32
	conn *net.UDPConn

	mu         sync.Mutex
	connID     uint64
	connIDFrom time.Time
}

func NewUDPTracker(u *url.URL, log *slog.Logger) (*UDPTracker, error) {
	raddr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolve %q: %w", u.Host, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dial %q: %w", u.Host, err)
	}

	return &UDPTracker{
		log:  log.With("transport", "udp"),
		key:  randomUint32(),
		conn: conn,
	}, nil
}

func (ut *UDPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	if err := ut.refreshConnID(ctx); err != nil {
		return nil, err
	}

	resp, err := ut.announceOnce(ctx, params)
	if errors.Is(err, errUDPAction) || errors.Is(err, errUDPTransaction) {
		// Stale connection id; reconnect once and retry.
		ut.connIDFrom = time.Time{}
		if err := ut.refreshConnID(ctx); err != nil {
			return nil, err
		}
		resp, err = ut.announceOnce(ctx, params)
	}

	return resp, err
}

// refreshConnID performs the connect round-trip when the cached
// connection id has aged out.
func (ut *UDPTracker) refreshConnID(ctx context.Context) error {
	if time.Since(ut.connIDFrom) < udpConnIDTTL {
		return nil
	}

	txID := randomUint32()

	var req [16]byte
	binary.BigEndian.PutUint64(req[0:8], udpMagic)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := ut.roundTrip(ctx, req[:], udpActionConnect, txID)
	if err != nil {
		return err
	}
	if len(resp) < 16 {
		return errUDPTruncated
	}

	ut.connID = binary.BigEndian.Uint64(resp[8:16])
	ut.connIDFrom = time.Now()
	ut.log.Debug("udp connect ok", "conn_id", ut.connID)
	return nil
}

func (ut *UDPTracker) announceOnce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	txID := randomUint32()

	var req [98]byte
	binary.BigEndian.PutUint64(req[0:8], ut.connID)
	binary.BigEndian.PutUint32(req[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], params.InfoHash[:])
	copy(req[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], params.Downloaded)
	binary.BigEndian.PutUint64(req[64:72], params.Left)
	binary.BigEndian.PutUint64(req[72:80], params.Uploaded)
	binary.BigEndian.PutUint32(req[80:84], params.Event.wireCode())
	// bytes 84:88 stay zero: let the tracker derive our IP
	binary.BigEndian.PutUint32(req[88:92], ut.key)
	binary.BigEndian.PutUint32(req[92:96], params.NumWant)
	binary.BigEndian.PutUint16(req[96:98], params.Port)

	resp, err := ut.roundTrip(ctx, req[:], udpActionAnnounce, txID)
	if err != nil {
		return nil, err
	}
	if len(resp) < 20 {
		return nil, errUDPTruncated
	}

	peers, err := parseCompactPeers(resp[20:], false)
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second,
		Leechers: int64(binary.BigEndian.Uint32(resp[12:16])),
		Seeders:  int64(binary.BigEndian.Uint32(resp[16:20])),
		Peers:    peers,
	}, nil
}

// roundTrip sends req and reads one response packet, retrying with the
// BEP-15 doubling timeout. The response is validated against the
// expected action and transaction id; tracker-reported errors come back
// as plain errors.
func (ut *UDPTracker) roundTrip(ctx context.Context, req []byte, wantAction, txID uint32) ([]byte, error) {
	buf := make([]byte, udpMaxPacketSize)

	var lastErr error
	for attempt := 0; attempt < udpMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		timeout := udpBaseTimeout << uint(attempt)
		if deadline, ok := ctx.Deadline(); ok {
			if remain := time.Until(deadline); remain < timeout {
				timeout = remain
			}
		}
		_ = ut.conn.SetDeadline(time.Now().Add(timeout))

		if _, err := ut.conn.Write(req); err != nil {
			lastErr = err
			continue
		}

		n, err := ut.conn.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}
		resp := buf[:n]
		if n < 8 {
			lastErr = errUDPTruncated
			continue
		}

		action := binary.BigEndian.Uint32(resp[0:4])
		if gotTx := binary.BigEndian.Uint32(resp[4:8]); gotTx != txID {
			return nil, errUDPTransaction
		}
		if action == udpActionError {
			return nil, fmt.Errorf("tracker: udp error: %s", resp[8:])
		}
		if action != wantAction {
			return nil, errUDPAction
		}

		return resp, nil
	}

	if lastErr == nil {
		lastErr = errors.New("tracker: udp retries exhausted")
	}
	return nil, lastErr
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
