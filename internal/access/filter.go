// Package access decides whether a client address may talk to the relay.
package access

import (
	"log/slog"
	"net"
	"net/netip"
	"strings"
)

// Filter is an immutable allow-list of address ranges. An empty Filter
// denies every address.
type Filter struct {
	prefixes []netip.Prefix
}

// NewFilter builds a Filter from a comma-separated list of CIDR ranges.
// Entries that fail to parse are logged and skipped rather than failing the
// whole list. A bare address is treated as a single-host range.
func NewFilter(ranges string) *Filter {
	f := &Filter{}
	for _, raw := range strings.Split(ranges, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		prefix, err := parseRange(entry)
		if err != nil {
			slog.Error("invalid IP range in allow-list, skipping",
				"range", entry,
				"error", err,
			)
			continue
		}
		f.prefixes = append(f.prefixes, prefix)
	}
	return f
}

// parseRange parses a CIDR range or a single address.
func parseRange(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Len returns the number of valid ranges in the filter.
func (f *Filter) Len() int {
	return len(f.prefixes)
}

// IsAllowed reports whether addr falls inside one of the configured ranges.
// IPv4-mapped IPv6 addresses match IPv4 ranges.
func (f *Filter) IsAllowed(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowedNetAddr is IsAllowed for a connection's remote address.
func (f *Filter) IsAllowedNetAddr(remote net.Addr) bool {
	addr, ok := AddrOf(remote)
	if !ok {
		return false
	}
	return f.IsAllowed(addr)
}

// AddrOf extracts the IP address from a net.Addr.
func AddrOf(remote net.Addr) (netip.Addr, bool) {
	if remote == nil {
		return netip.Addr{}, false
	}
	if tcp, ok := remote.(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap(), true
	}

	host := remote.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
