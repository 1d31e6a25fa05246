// Package config holds the tunables a download session is built from:
// timeouts, the swarm coordinator's concurrency ramp, tracker announce
// parameters, and the local peer identity. The process-wide copy lives
// behind Init/Load/Update/Swap.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is the directory new torrents are saved to.
	DefaultDownloadDir string

	// ClientID is the local peer id advertised in every handshake.
	ClientID [sha1.Size]byte

	// ========== Peer session timeouts ==========

	// ConnectTimeout bounds dialing and the handshake exchange.
	ConnectTimeout time.Duration

	// ReceiveTimeout bounds a single read from a peer connection.
	ReceiveTimeout time.Duration

	// StallThreshold is the number of consecutive receive timeouts after
	// which a peer session is considered stalled and closed.
	StallThreshold int

	// KeepAliveInterval is how often the write loop sends a keep-alive
	// when no other traffic is flowing.
	KeepAliveInterval time.Duration

	// ========== Swarm coordinator concurrency ramp ==========

	// SwarmSoftTarget caps how many new connect attempts the coordinator
	// launches on a single tick.
	SwarmSoftTarget int

	// SwarmRampTarget is the number of active peer sessions the
	// coordinator tries to maintain under normal conditions.
	SwarmRampTarget int

	// SwarmCeiling is the maximum active peer sessions the coordinator
	// will ramp to once it detects sustained stall.
	SwarmCeiling int

	// SwarmStallTicks is how many consecutive stalled ticks (no
	// progress) before the coordinator ramps from SwarmRampTarget toward
	// SwarmCeiling.
	SwarmStallTicks int

	// SwarmTickInterval is the coordinator's polling period.
	SwarmTickInterval time.Duration

	// SwarmLaunchSpacingMin/Max bound the jittered delay between
	// successive outbound connect attempts.
	SwarmLaunchSpacingMin time.Duration
	SwarmLaunchSpacingMax time.Duration

	// ========== Tracker / Announce ==========

	// NumWant is the number of peers requested per announce.
	NumWant uint32

	// Port is advertised to trackers as the client's listen port. The
	// core does not accept inbound connections, so this is nominal.
	Port uint16

	// AnnounceInterval overrides the tracker's suggested interval. 0
	// uses the tracker's value.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a floor between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed announces.
	MaxAnnounceBackoff time.Duration

	// ========== Misc ==========

	// EnableIPv6 allows connecting to IPv6 peer addresses.
	EnableIPv6 bool
}

// defaultConfig returns sensible defaults for most use cases.
func defaultConfig() Config {
	clientID, err := generateClientID()
	if err != nil {
		// crypto/rand failing means the platform has no entropy source;
		// fall back to a zeroed tail rather than refusing to start.
		copy(clientID[:], clientIDPrefix)
	}

	return Config{
		DefaultDownloadDir:    getDefaultDownloadDir(),
		ClientID:              clientID,
		ConnectTimeout:        5 * time.Second,
		ReceiveTimeout:        5 * time.Second,
		StallThreshold:        15,
		KeepAliveInterval:     90 * time.Second,
		SwarmSoftTarget:       20,
		SwarmRampTarget:       50,
		SwarmCeiling:          100,
		SwarmStallTicks:       5,
		SwarmTickInterval:     time.Second,
		SwarmLaunchSpacingMin: 50 * time.Millisecond,
		SwarmLaunchSpacingMax: 100 * time.Millisecond,
		NumWant:               50,
		Port:                  6969,
		AnnounceInterval:      0,
		MinAnnounceInterval:   20 * time.Minute,
		MaxAnnounceBackoff:    45 * time.Minute,
		EnableIPv6:            hasIPV6(),
	}
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "leech")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "leech", "downloads")
	}
}

// clientIDPrefix is the fixed 8-byte identity prefix; the remaining 12
// bytes of the 20-byte peer id are random per process.
const clientIDPrefix = "-LEECH01"

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	copy(peerID[:], clientIDPrefix)

	if _, err := rand.Read(peerID[len(clientIDPrefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
