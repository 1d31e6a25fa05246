package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// parseCompactPeers unpacks the BEP-23 compact peer format: fixed-width
// records of address bytes followed by a big-endian port.
func parseCompactPeers(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	addrLen := 4
	if ipv6 {
		addrLen = 16
	}
	stride := addrLen + 2

	if len(data)%stride != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of %d", len(data), stride)
	}

	out := make([]netip.AddrPort, 0, len(data)/stride)
	for off := 0; off < len(data); off += stride {
		addr, ok := netip.AddrFromSlice(data[off : off+addrLen])
		if !ok {
			return nil, fmt.Errorf("tracker: bad compact address at offset %d", off)
		}
		port := binary.BigEndian.Uint16(data[off+addrLen : off+stride])
		out = append(out, netip.AddrPortFrom(addr, port))
	}

	return out, nil
}

// parseDictPeers unpacks the original non-compact peer model: a list of
// dicts each carrying an "ip" string and a "port" integer.
func parseDictPeers(list []any) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(list))

	for i, entry := range list {
		dict, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peers[%d] is %T, want dict", i, entry)
		}

		ip, ok := dict["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("tracker: peers[%d] has no ip", i)
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return nil, fmt.Errorf("tracker: peers[%d]: %w", i, err)
		}

		port, ok := dict["port"].(int64)
		if !ok || port < 1 || port > 65535 {
			return nil, fmt.Errorf("tracker: peers[%d] has bad port %v", i, dict["port"])
		}

		out = append(out, netip.AddrPortFrom(addr, uint16(port)))
	}

	return out, nil
}
