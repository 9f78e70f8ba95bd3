package origins

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrHostPrivate is returned when an attestation target resolves to an
// address range that must never be fetched from this service.
var ErrHostPrivate = errors.New("origin_host_private")

var blockedV4 = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.2.0/24", // TEST-NET-1
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
}

var blockedV6 = []string{
	"::/128",
	"::1/128",
	"::ffff:0:0/96", // mapped v4, checked again after unmap
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
	"2001:db8::/32",
}

var blockedNets []*net.IPNet

func init() {
	for _, cidr := range append(append([]string{}, blockedV4...), blockedV6...) {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("origins: bad blocked cidr %s: %v", cidr, err))
		}
		blockedNets = append(blockedNets, network)
	}
}

// IPAllowed reports whether an already-resolved address may be dialled.
func IPAllowed(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, network := range blockedNets {
		if network.Contains(ip) {
			return false
		}
	}
	return true
}

// ParseOrigin validates and normalizes a buyer-supplied origin. Only http(s)
// schemes are accepted, user-info is rejected, and path/query are dropped.
func ParseOrigin(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid_origin: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid_origin_scheme: %s", parsed.Scheme)
	}
	if parsed.User != nil {
		return nil, errors.New("invalid_origin_userinfo")
	}
	if parsed.Hostname() == "" {
		return nil, errors.New("invalid_origin_host")
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return nil, errors.New("invalid_origin_path")
	}
	return &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}, nil
}
