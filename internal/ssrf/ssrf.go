package ssrf

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"syscall"
)

// ErrBlockedTarget is returned for destinations on loopback, private,
// link-local or otherwise reserved networks.
var ErrBlockedTarget = errors.New("target address is not allowed")

var (
	ipv4Private = []netip.Prefix{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("192.0.0.0/24"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("198.18.0.0/15"),
		netip.MustParsePrefix("224.0.0.0/4"),
		netip.MustParsePrefix("240.0.0.0/4"),
	}
	ipv6Private = []netip.Prefix{
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("::/128"),
		netip.MustParsePrefix("fe80::/10"),
		netip.MustParsePrefix("fc00::/7"),
		netip.MustParsePrefix("2001:db8::/32"),
		netip.MustParsePrefix("ff00::/8"),
	}
)

// IsBlocked reports whether ip falls in a range outbound deliveries must
// not reach. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsBlocked(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.IsValid() || ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	prefixes := ipv6Private
	if ip.Is4() {
		prefixes = ipv4Private
	}
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateURL checks that raw is an absolute http(s) URL. When blockPrivate
// is set, literal IP hosts and localhost are checked against the
// blocklist; names are checked again at dial time by Control.
func ValidateURL(raw string, blockPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("empty host")
	}
	if !blockPrivate {
		return nil
	}

	if host == "localhost" {
		return fmt.Errorf("%s: %w", host, ErrBlockedTarget)
	}
	if addr, err := netip.ParseAddr(host); err == nil && IsBlocked(addr) {
		return fmt.Errorf("%s: %w", host, ErrBlockedTarget)
	}
	return nil
}

// Control is a net.Dialer Control hook that refuses connections to blocked
// addresses after DNS resolution, so a hostname cannot be rebound onto an
// internal network.
func Control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%s: %w", host, ErrBlockedTarget)
	}
	if IsBlocked(addr) {
		return fmt.Errorf("%s: %w", addr, ErrBlockedTarget)
	}
	return nil
}
