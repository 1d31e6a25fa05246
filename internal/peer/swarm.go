package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/observer"
	"github.com/prxssh/leech/internal/piece"
	"github.com/prxssh/leech/internal/storage"
)

// ErrNoPeersAvailable is returned by Run when the tracker collaborator
// never supplied a single candidate endpoint and the swarm has nothing
// left to try.
var ErrNoPeersAvailable = errors.New("swarm: no peers available")

// Coordinator spawns peer sessions from tracker-supplied endpoints,
// governs how many connection attempts and active sessions are in flight,
// and drives shutdown once the download completes.
type Coordinator struct {
	cfg       *config.Config
	infoHash  [sha1.Size]byte
	clientID  [sha1.Size]byte
	numPieces int

	pm    *piece.Manager
	store *storage.Store
	obs   *observer.Observer
	log   *slog.Logger

	queue chan netip.AddrPort

	mu      sync.Mutex
	tried   map[netip.AddrPort]struct{}
	cancels map[netip.AddrPort]context.CancelFunc

	attempting atomic.Int32
	active     atomic.Int32
	admitted   atomic.Int32

	shutdown atomic.Pointer[context.CancelFunc]
	fatal    atomic.Pointer[error]
}

// NewCoordinator builds a Coordinator for a single torrent download.
func NewCoordinator(
	infoHash, clientID [sha1.Size]byte,
	numPieces int,
	cfg *config.Config,
	pm *piece.Manager,
	store *storage.Store,
	obs *observer.Observer,
	log *slog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		infoHash:  infoHash,
		clientID:  clientID,
		numPieces: numPieces,
		pm:        pm,
		store:     store,
		obs:       obs,
		log:       log.With("component", "swarm"),
		queue:     make(chan netip.AddrPort, 4096),
		tried:     make(map[netip.AddrPort]struct{}),
		cancels:   make(map[netip.AddrPort]context.CancelFunc),
	}
}

// AdmitPeers enqueues tracker-supplied candidate endpoints for connection
// attempts, skipping any endpoint already tried this session. It is the
// callback a tracker announce loop is wired to.
func (c *Coordinator) AdmitPeers(addrs []netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, addr := range addrs {
		if !c.cfg.EnableIPv6 && addr.Addr().Is6() && !addr.Addr().Is4In6() {
			continue
		}
		if _, seen := c.tried[addr]; seen {
			continue
		}
		c.tried[addr] = struct{}{}

		select {
		case c.queue <- addr:
			c.admitted.Add(1)
		default:
			c.log.Warn("peer queue full; dropping candidate", "addr", addr)
		}
	}
}

// Run launches peer sessions until the download completes or ctx is
// cancelled, ramping concurrency in stages: a soft target of
// SwarmSoftTarget concurrent connection attempts, rising toward
// SwarmRampTarget active sessions, and on to SwarmCeiling if progress
// stalls for more than SwarmStallTicks consecutive ticks.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.shutdown.Store(&cancel)

	ticker := time.NewTicker(c.cfg.SwarmTickInterval)
	defer ticker.Stop()

	activeTarget := c.cfg.SwarmRampTarget
	stallTicks := 0
	lastCompleted := -1
	ticks := 0

	for {
		if c.pm.IsComplete() {
			c.closeAll()
			return nil
		}

		select {
		case <-ctx.Done():
			c.closeAll()
			if fatal := c.fatal.Load(); fatal != nil {
				return *fatal
			}
			return ctx.Err()

		case <-ticker.C:
			ticks++
			completed, _ := c.pm.Progress()
			if completed > lastCompleted {
				stallTicks = 0
			} else {
				stallTicks++
			}
			lastCompleted = completed

			if stallTicks > c.cfg.SwarmStallTicks {
				activeTarget = c.cfg.SwarmCeiling
			}

			if ticks > c.cfg.SwarmStallTicks && c.admitted.Load() == 0 &&
				c.active.Load() == 0 && c.attempting.Load() == 0 {
				c.closeAll()
				return ErrNoPeersAvailable
			}

			c.launchAttempts(ctx, activeTarget)
		}
	}
}

// launchAttempts starts up to the soft-target number of connection
// attempts needed to close the gap between the current active+in-flight
// count and activeTarget, each jittered by a short spacing delay.
func (c *Coordinator) launchAttempts(ctx context.Context, activeTarget int) {
	need := activeTarget - int(c.active.Load()) - int(c.attempting.Load())
	if need <= 0 {
		return
	}
	if need > c.cfg.SwarmSoftTarget {
		need = c.cfg.SwarmSoftTarget
	}

	for i := 0; i < need; i++ {
		var addr netip.AddrPort
		select {
		case addr = <-c.queue:
		default:
			return // nothing left to try right now
		}

		c.attempting.Add(1)
		spacing := jitter(c.cfg.SwarmLaunchSpacingMin, c.cfg.SwarmLaunchSpacingMax)

		go func(addr netip.AddrPort) {
			defer c.attempting.Add(-1)

			select {
			case <-time.After(spacing):
			case <-ctx.Done():
				return
			}

			c.dialAndRun(ctx, addr)
		}(addr)
	}
}

func (c *Coordinator) dialAndRun(ctx context.Context, addr netip.AddrPort) {
	if c.obs != nil {
		c.obs.UpdatePeer(observer.PeerSnapshot{Addr: addr, Status: observer.StatusConnecting})
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[addr] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, addr)
		c.mu.Unlock()
		cancel()
	}()

	sess, err := Dial(sessionCtx, addr, c.infoHash, c.clientID, c.numPieces, c.cfg, c.pm, c.store, c.obs, c.log)
	if err != nil {
		c.log.Debug("connect failed", "addr", addr, "error", err)
		if c.obs != nil {
			c.obs.RemovePeer(addr)
		}
		return
	}

	c.active.Add(1)
	defer c.active.Add(-1)

	if err := sess.Run(sessionCtx); err != nil && errors.Is(err, ErrFatalStorage) {
		c.log.Error("fatal storage error; signalling shutdown", "error", err)
		wrapped := fmt.Errorf("swarm: %w", err)
		c.fatal.Store(&wrapped)
		if cancel := c.shutdown.Load(); cancel != nil {
			(*cancel)()
		}
	}
}

// closeAll cancels every in-flight session's context, asking it to close.
func (c *Coordinator) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cancel := range c.cancels {
		cancel()
	}
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Stats returns a short human-readable summary, mainly for logging.
func (c *Coordinator) Stats() string {
	return fmt.Sprintf("active=%d attempting=%d admitted=%d", c.active.Load(), c.attempting.Load(), c.admitted.Load())
}
