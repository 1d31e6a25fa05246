// Package tracker implements the announce side of a download: asking
// the torrent's trackers, over HTTP or UDP, for peer endpoints. Announce
// URLs are organized in tiers; within a tier the first responsive
// tracker is promoted to the front, and the loop re-announces on the
// tracker's suggested interval with exponential backoff on failure.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prxssh/leech/internal/config"
)

// Event tells the tracker where the download is in its lifecycle.
type Event uint32

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return "none"
	}
}

// wireCode maps an Event to the integer the UDP announce packet uses.
// The BEP-15 numbering differs from this package's zero-value-friendly
// ordering.
func (e Event) wireCode() uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

// AnnounceParams carries everything a single announce needs.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	NumWant    uint32
	Port       uint16
}

// AnnounceResponse is the tracker's answer: candidate peers plus the
// cadence it wants announces at.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

// Announcer is one concrete announce transport (HTTP or UDP).
type Announcer interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// ErrAllTrackersFailed is returned when every URL in every tier has
// been tried without a successful announce.
var ErrAllTrackersFailed = errors.New("tracker: every announce url failed")

// maxAnnounceFailures ends the announce loop after this many failed
// rounds in a row; at that point the swarm will starve anyway.
const maxAnnounceFailures = 5

// TrackerOpts wires a Tracker to its caller. OnAnnounceStart is polled
// for fresh params before each announce; OnAnnounceSuccess receives the
// peer endpoints of each successful one.
type TrackerOpts struct {
	OnAnnounceStart   func() *AnnounceParams
	OnAnnounceSuccess func(addrs []netip.AddrPort)
	Log               *slog.Logger
}

// Tracker walks a torrent's announce tiers and runs the periodic
// re-announce loop.
type Tracker struct {
	log  *slog.Logger
	opts *TrackerOpts

	mu      sync.Mutex
	tiers   [][]*url.URL
	clients map[string]Announcer
}

// NewTracker builds a Tracker from a torrent's announce URL and
// announce-list. Tiers keep their listed order; URLs within a tier are
// shuffled once, per BEP-12.
func NewTracker(announce string, announceList [][]string, opts *TrackerOpts) (*Tracker, error) {
	if opts == nil || opts.OnAnnounceStart == nil || opts.OnAnnounceSuccess == nil {
		return nil, errors.New("tracker: announce hooks are required")
	}

	tiers := buildTiers(announce, announceList)
	if len(tiers) == 0 {
		return nil, errors.New("tracker: no usable announce urls")
	}

	for _, tier := range tiers {
		rand.Shuffle(len(tier), func(i, j int) {
			tier[i], tier[j] = tier[j], tier[i]
		})
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Tracker{
		log:     log.With("component", "tracker"),
		opts:    opts,
		tiers:   tiers,
		clients: make(map[string]Announcer),
	}, nil
}

// Run announces immediately, then re-announces on the tracker's
// suggested interval until ctx is cancelled. On cancellation a
// best-effort stopped event is sent before returning.
func (t *Tracker) Run(ctx context.Context) error {
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			t.sendStopped()
			return ctx.Err()

		case <-timer.C:
			resp, err := t.Announce(ctx, t.opts.OnAnnounceStart())
			if err != nil {
				failures++
				if failures >= maxAnnounceFailures {
					return fmt.Errorf("tracker: %d announces failed in a row: %w", failures, err)
				}
				delay := backoffDelay(failures)
				t.log.Warn("announce failed", "error", err, "retry_in", delay)
				timer.Reset(delay)
				continue
			}

			failures = 0
			t.opts.OnAnnounceSuccess(resp.Peers)
			timer.Reset(nextInterval(resp))
		}
	}
}

// Announce tries every tier in order and every URL within a tier until
// one succeeds. The winning URL moves to the front of its tier so later
// rounds hit the responsive tracker first.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	var lastErr error

	for tierIdx := range t.tiers {
		for _, u := range t.tierSnapshot(tierIdx) {
			client, err := t.clientFor(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := client.Announce(ctx, params)
			if err != nil {
				lastErr = err
				t.log.Debug("announce attempt failed", "url", u.Redacted(), "error", err)
				continue
			}

			t.promote(tierIdx, u)
			t.log.Info("announce ok",
				"url", u.Redacted(),
				"peers", len(resp.Peers),
				"seeders", resp.Seeders,
				"leechers", resp.Leechers,
			)
			return resp, nil
		}
	}

	if lastErr == nil {
		return nil, ErrAllTrackersFailed
	}
	return nil, fmt.Errorf("%w: %w", ErrAllTrackersFailed, lastErr)
}

func (t *Tracker) tierSnapshot(tierIdx int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[tierIdx]...)
}

func (t *Tracker) promote(tierIdx int, u *url.URL) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	for i, cand := range tier {
		if cand == u {
			copy(tier[1:i+1], tier[:i])
			tier[0] = u
			return
		}
	}
}

// clientFor returns the cached transport for u, creating it on first
// use.
func (t *Tracker) clientFor(u *url.URL) (Announcer, error) {
	key := u.String()

	t.mu.Lock()
	client, ok := t.clients[key]
	t.mu.Unlock()
	if ok {
		return client, nil
	}

	var err error
	switch u.Scheme {
	case "http", "https":
		client = NewHTTPTracker(u, t.log)
	case "udp":
		client, err = NewUDPTracker(u, t.log)
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.clients[key] = client
	t.mu.Unlock()
	return client, nil
}

// sendStopped tells the responsive trackers the client is going away.
// Failures are ignored; the download is over either way.
func (t *Tracker) sendStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	params := t.opts.OnAnnounceStart()
	params.Event = EventStopped
	_, _ = t.Announce(ctx, params)
}

func buildTiers(announce string, announceList [][]string) [][]*url.URL {
	var tiers [][]*url.URL

	if u := parseAnnounceURL(announce); u != nil {
		tiers = append(tiers, []*url.URL{u})
	}

	for _, rawTier := range announceList {
		var tier []*url.URL
		for _, raw := range rawTier {
			if u := parseAnnounceURL(raw); u != nil {
				tier = append(tier, u)
			}
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}

	return tiers
}

func parseAnnounceURL(raw string) *url.URL {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	switch u.Scheme {
	case "http", "https", "udp":
		return u
	}
	return nil
}

// backoffDelay grows exponentially from 15s with +-25% jitter, capped
// by the configured ceiling.
func backoffDelay(failures int) time.Duration {
	const base = 15 * time.Second

	shift := failures - 1
	if shift > 5 {
		shift = 5
	}

	delay := base << uint(shift)
	if ceil := config.Load().MaxAnnounceBackoff; ceil > 0 && delay > ceil {
		delay = ceil
	}

	jitter := time.Duration(rand.Int63n(int64(delay / 2)))
	return delay*3/4 + jitter
}

// nextInterval picks the re-announce cadence: the tracker's interval,
// raised to its min interval and the configured floor, with a sane
// default when the tracker offers none.
func nextInterval(resp *AnnounceResponse) time.Duration {
	cfg := config.Load()

	interval := cfg.AnnounceInterval
	if interval == 0 {
		interval = 2 * time.Minute
	}
	if resp.Interval > 0 && cfg.AnnounceInterval == 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if cfg.MinAnnounceInterval > 0 && interval < cfg.MinAnnounceInterval {
		interval = cfg.MinAnnounceInterval
	}

	return interval
}
