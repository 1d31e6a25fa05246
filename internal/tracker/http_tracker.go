package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
)

// maxResponseSize bounds how much of a tracker response is read; a
// legitimate announce response is a few KB of compact peers.
const maxResponseSize = 2 << 20

// HTTPTracker announces over the original bencoded HTTP GET protocol.
type HTTPTracker struct {
	announceURL *url.URL
	client      *http.Client
	log         *slog.Logger

	mu        sync.Mutex
	trackerID string // echoed back once a tracker hands one out
}

func NewHTTPTracker(u *url.URL, log *slog.Logger) *HTTPTracker {
	return &HTTPTracker{
		announceURL: u,
		log:         log.With("transport", "http"),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (ht *HTTPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ht.requestURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: announce status %d: %s", resp.StatusCode, firstLine(body))
	}

	out, err := parseHTTPResponse(body)
	if err != nil {
		return nil, err
	}

	if out.TrackerID != "" {
		ht.mu.Lock()
		ht.trackerID = out.TrackerID
		ht.mu.Unlock()
	}
	return out, nil
}

// requestURL appends the announce query parameters to the tracker URL.
// info_hash and peer_id are raw 20-byte strings; url.Values handles the
// percent-escaping.
func (ht *HTTPTracker) requestURL(params *AnnounceParams) string {
	u := *ht.announceURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.FormatUint(uint64(params.Port), 10))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.FormatUint(uint64(params.NumWant), 10))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	ht.mu.Lock()
	if ht.trackerID != "" {
		q.Set("trackerid", ht.trackerID)
	}
	ht.mu.Unlock()

	u.RawQuery = q.Encode()
	return u.String()
}

// parseHTTPResponse decodes a bencoded announce response. The decode is
// generic rather than struct-tagged because the "peers" value is either
// a compact byte string or a list of dicts, depending on the tracker.
func parseHTTPResponse(body []byte) (*AnnounceResponse, error) {
	decoded, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tracker: response decode: %w", err)
	}

	dict, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: response is %T, want dict", decoded)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce refused: %s", reason)
	}
	if warning, ok := dict["warning message"].(string); ok {
		return nil, fmt.Errorf("tracker: announce warning: %s", warning)
	}

	peers, err := peersFromResponse(dict)
	if err != nil {
		return nil, err
	}

	trackerID, _ := dict["tracker id"].(string)
	if trackerID == "" {
		trackerID, _ = dict["trackerid"].(string)
	}

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Interval:    time.Duration(dictInt(dict, "interval")) * time.Second,
		MinInterval: time.Duration(dictInt(dict, "min interval")) * time.Second,
		Seeders:     dictInt(dict, "complete"),
		Leechers:    dictInt(dict, "incomplete"),
		Peers:       peers,
	}, nil
}

func peersFromResponse(dict map[string]any) ([]netip.AddrPort, error) {
	var out []netip.AddrPort

	switch v := dict["peers"].(type) {
	case nil:
	case string:
		peers, err := parseCompactPeers([]byte(v), false)
		if err != nil {
			return nil, err
		}
		out = append(out, peers...)
	case []any:
		peers, err := parseDictPeers(v)
		if err != nil {
			return nil, err
		}
		out = append(out, peers...)
	default:
		return nil, fmt.Errorf("tracker: peers is %T", v)
	}

	if v6, ok := dict["peers6"].(string); ok {
		peers, err := parseCompactPeers([]byte(v6), true)
		if err != nil {
			return nil, err
		}
		out = append(out, peers...)
	}

	return out, nil
}

func dictInt(dict map[string]any, key string) int64 {
	n, _ := dict[key].(int64)
	return n
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
