// Package peer drives a single peer connection through the BitTorrent
// wire exchange: handshake, interest, and the receive/request loop that
// feeds the piece manager and, on a verified piece, the file writer.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/leech/internal/bitfield"
	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/observer"
	"github.com/prxssh/leech/internal/piece"
	"github.com/prxssh/leech/internal/protocol"
	"github.com/prxssh/leech/internal/storage"

	"golang.org/x/sync/errgroup"
)

// ErrFatalStorage wraps a file-write failure. A failed write is fatal
// for the whole download, not just this session; a coordinator
// watching Session.Run's return value unwraps this to trigger shutdown.
var ErrFatalStorage = errors.New("peer: fatal storage error")

// outboxSize bounds how many outbound messages queue up before enqueue
// starts applying backpressure to whoever called it. Request bursts for
// one piece (up to piece_length/16KiB messages) drain as fast as the
// socket accepts writes, so this only needs to smooth jitter, not hold a
// whole piece's worth of requests.
const outboxSize = 128

// Session is one peer connection's state machine: connect, handshake,
// declare interest, then alternately receive messages and request blocks
// for a single assigned piece at a time.
type Session struct {
	conn net.Conn
	addr netip.AddrPort
	log  *slog.Logger
	cfg  *config.Config

	pm    *piece.Manager
	store *storage.Store
	obs   *observer.Observer

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	sawBitfield bool
	bitfield    bitfield.Bitfield

	pieceIdx    int // -1 when nothing is assigned
	outstanding map[int]struct{}
	stallCount  int

	downloaded uint64
	piecesRecv uint64

	outq      chan *protocol.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial opens a TCP connection to addr, performs the handshake, and
// returns a Session ready to Run. The connect+handshake exchange is
// bounded by cfg.ConnectTimeout.
func Dial(
	ctx context.Context,
	addr netip.AddrPort,
	infoHash, clientID [sha1.Size]byte,
	numPieces int,
	cfg *config.Config,
	pm *piece.Manager,
	store *storage.Store,
	obs *observer.Observer,
	log *slog.Logger,
) (*Session, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	_ = conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	if _, err := protocol.NewHandshake(infoHash, clientID).Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &Session{
		conn:        conn,
		addr:        addr,
		log:         log.With("component", "peer", "addr", addr),
		cfg:         cfg,
		pm:          pm,
		store:       store,
		obs:         obs,
		amChoking:   true,
		peerChoking: true,
		pieceIdx:    -1,
		bitfield:    bitfield.New(numPieces),
		outq:        make(chan *protocol.Message, outboxSize),
		closed:      make(chan struct{}),
	}, nil
}

// Run drives the session until the socket closes, a fatal error occurs,
// or ctx is cancelled. It always releases any assigned piece and closes
// the socket before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	s.amInterested = true
	s.enqueue(protocol.MessageInterested())
	s.publish(observer.StatusConnected)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error {
		// Neither loop's blocking socket call observes gctx directly;
		// once either exits (or the caller cancels ctx) force any
		// in-flight read/write to unblock immediately.
		<-gctx.Done()
		_ = s.conn.SetDeadline(time.Unix(0, 1))
		return nil
	})

	return g.Wait()
}

// Close releases any assigned piece and closes the socket. Safe to call
// more than once. Run calls it after its errgroup has returned; it touches
// session state without locking, so it is not safe to call while Run's
// read and write loops are still running.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		s.releaseCurrent()
		s.publish(observer.StatusClosed)
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReceiveTimeout))
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.stallCount++
				if s.stallCount >= s.cfg.StallThreshold {
					return fmt.Errorf("peer: stalled after %d timeouts", s.stallCount)
				}
				s.enqueue(nil) // probe liveness
				continue
			}
			return fmt.Errorf("wire decode: %w", err)
		}

		s.stallCount = 0

		if protocol.IsKeepAlive(msg) {
			continue
		}

		if err := s.handleMessage(msg); err != nil {
			return err
		}
		s.publish(observer.StatusConnected)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-s.outq:
			if !ok {
				return nil
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReceiveTimeout))
			if err := protocol.WriteMessage(s.conn, msg); err != nil {
				return fmt.Errorf("wire write: %w", err)
			}
			ticker.Reset(s.cfg.KeepAliveInterval)

		case <-ticker.C:
			s.enqueue(nil)
		}
	}
}

// handleMessage reacts to a single decoded, non-keep-alive message.
// Unknown ids were already fully consumed by the codec; they fall
// through the switch and are otherwise ignored.
func (s *Session) handleMessage(msg *protocol.Message) error {
	switch msg.ID {
	case protocol.Choke:
		s.peerChoking = true
		s.releaseCurrent()

	case protocol.Unchoke:
		s.peerChoking = false
		s.maybeRequestNextPiece()

	case protocol.Interested:
		s.peerInterested = true

	case protocol.NotInterested:
		s.peerInterested = false

	case protocol.Have:
		if idx, ok := msg.ParseHave(); ok {
			s.bitfield.Set(int(idx))
		}
		// A bitfield is only valid as the first post-handshake message;
		// once a Have has arrived, any later bitfield is ignored.
		s.sawBitfield = true

	case protocol.Bitfield:
		if !s.sawBitfield {
			s.bitfield = bitfield.FromBytes(msg.Payload)
			s.sawBitfield = true
		}

	case protocol.Piece:
		idx, begin, data, ok := msg.ParsePiece()
		if !ok {
			return errors.New("peer: malformed piece message")
		}
		return s.onPiece(int(idx), int(begin), data)

	case protocol.Request, protocol.Cancel:
		// This core never uploads; acknowledged but not acted on.

	default:
		// Unknown message id: content already consumed by the codec.
	}

	return nil
}

// onPiece forwards a received block to the piece manager, and on full
// assembly verifies and stores it, handing verified bytes to the file
// writer.
func (s *Session) onPiece(idx, begin int, data []byte) error {
	if s.pieceIdx != idx {
		return nil // stale or unsolicited block; drop
	}

	delete(s.outstanding, begin)
	s.downloaded += uint64(len(data))
	s.piecesRecv++

	assembled, ok, err := s.pm.AddBlock(idx, begin, data)
	if err != nil {
		// The manager no longer considers this piece ours (e.g. it was
		// released from under us); stop tracking it locally.
		s.pieceIdx = -1
		s.outstanding = nil
		return nil
	}
	if !ok {
		return nil // piece not fully assembled yet
	}

	stored := s.pm.StorePiece(idx, assembled)
	s.pieceIdx = -1
	s.outstanding = nil

	if stored {
		if err := s.store.WritePiece(idx, assembled); err != nil {
			return fmt.Errorf("%w: %v", ErrFatalStorage, err)
		}
		if s.obs != nil {
			completed, _ := s.pm.Progress()
			s.obs.SetProgress(completed)
		}
	}

	s.maybeRequestNextPiece()
	return nil
}

// maybeRequestNextPiece asks the piece manager for work when the peer has
// unchoked us and we have no piece in flight, splitting whatever piece we
// get into fixed-size block requests.
func (s *Session) maybeRequestNextPiece() {
	if s.peerChoking || s.pieceIdx != -1 {
		return
	}

	idx, err := s.pm.Assign(s.addr.String())
	if err != nil {
		return // nothing left to assign right now
	}

	length := s.pm.PieceLength(idx)
	s.pieceIdx = idx
	s.outstanding = make(map[int]struct{})

	for begin := int64(0); begin < length; begin += piece.MaxBlockLength {
		blockLen := int64(piece.MaxBlockLength)
		if begin+blockLen > length {
			blockLen = length - begin
		}

		s.outstanding[int(begin)] = struct{}{}
		s.enqueue(protocol.MessageRequest(uint32(idx), uint32(begin), uint32(blockLen)))
	}
}

// releaseCurrent abandons the session's current piece assignment, if any,
// handing it back to the piece manager for another peer to pick up.
func (s *Session) releaseCurrent() {
	if s.pieceIdx < 0 {
		return
	}
	s.pm.Release(s.pieceIdx)
	s.pieceIdx = -1
	s.outstanding = nil
}

// enqueue hands msg to the write loop, giving up (instead of blocking
// forever) once the session has started closing. A nil msg is a
// keep-alive.
func (s *Session) enqueue(msg *protocol.Message) {
	select {
	case s.outq <- msg:
	case <-s.closed:
	}
}

func (s *Session) publish(status observer.PeerStatus) {
	if s.obs == nil {
		return
	}
	s.obs.UpdatePeer(observer.PeerSnapshot{
		Addr:           s.addr,
		Status:         status,
		AmChoking:      s.amChoking,
		AmInterested:   s.amInterested,
		PeerChoking:    s.peerChoking,
		PeerInterested: s.peerInterested,
		Downloaded:     s.downloaded,
		PiecesReceived: s.piecesRecv,
		LastActivity:   time.Now(),
	})
}
