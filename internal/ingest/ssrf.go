package ingest

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SsrfError marks a URL rejected before any socket was opened.
type SsrfError struct {
	URL    string
	Reason string
}

func (e *SsrfError) Error() string {
	return fmt.Sprintf("ssrf blocked %s: %s", e.URL, e.Reason)
}

// CheckedURL is the outcome of a successful SSRF validation.
type CheckedURL struct {
	Hostname   string
	ResolvedIP net.IP
	Port       string
}

// hostnameBlocklist rejects names that resolve locally regardless of DNS.
var hostnameBlocklist = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
	"0.0.0.0":               true,
}

var blockedCIDRs = mustParseCIDRs(
	"127.0.0.0/8",    // loopback
	"::1/128",        // loopback v6
	"169.254.0.0/16", // link-local (includes the cloud metadata address)
	"fe80::/10",      // link-local v6
	"10.0.0.0/8",     // private
	"172.16.0.0/12",  // private
	"192.168.0.0/16", // private
	"fc00::/7",       // unique local v6
	"0.0.0.0/8",      // non-routable
	"100.64.0.0/10",  // CGNAT
	"fec0::/10",      // deprecated site-local v6
)

// SsrfGuard validates outbound URLs before fetching. The resolver is
// swappable for tests.
type SsrfGuard struct {
	lookup func(ctx context.Context, host string) ([]net.IP, error)
}

// NewSsrfGuard creates a guard using the system resolver.
func NewSsrfGuard() *SsrfGuard {
	return &SsrfGuard{
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

// Check validates a URL string. DNS resolution happens here so the fetcher
// can dial the vetted address without a second lookup race.
func (g *SsrfGuard) Check(ctx context.Context, rawURL string) (*CheckedURL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &SsrfError{URL: rawURL, Reason: "unparseable url"}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &SsrfError{URL: rawURL, Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, &SsrfError{URL: rawURL, Reason: "missing hostname"}
	}
	if hostnameBlocklist[host] {
		return nil, &SsrfError{URL: rawURL, Reason: "hostname blocked"}
	}

	port := u.Port()
	if port == "" {
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if reason := blockedAddress(ip); reason != "" {
			return nil, &SsrfError{URL: rawURL, Reason: reason}
		}
		return &CheckedURL{Hostname: host, ResolvedIP: ip, Port: port}, nil
	}

	ips, err := g.lookup(ctx, host)
	if err != nil || len(ips) == 0 {
		return nil, &SsrfError{URL: rawURL, Reason: "dns resolution failed"}
	}
	for _, ip := range ips {
		if reason := blockedAddress(ip); reason != "" {
			return nil, &SsrfError{URL: rawURL, Reason: reason}
		}
	}

	return &CheckedURL{Hostname: host, ResolvedIP: ips[0], Port: port}, nil
}

// blockedAddress returns a non-empty reason when the address must not be
// dialed. IPv4-mapped IPv6 is unwrapped first.
func blockedAddress(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return "cloud metadata address"
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return fmt.Sprintf("address %s in blocked range %s", ip, cidr)
		}
	}
	return ""
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, len(cidrs))
	for i, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out[i] = n
	}
	return out
}
