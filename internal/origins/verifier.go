// Package origins proves buyer ownership of an origin out of band, via a DNS
// TXT record, a well-known file, or a response header. All network egress is
// SSRF-guarded: targets resolving into private, loopback, link-local, or
// documentation ranges are refused before any bytes move.
package origins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// WellKnownPath is where the HTTP file method looks for the issued token.
const WellKnownPath = "/.well-known/proofwork-verify.txt"

// TXTLabel prefixes the host for the DNS method.
const TXTLabel = "_proofwork"

// HeaderName is the primary response header for the header method.
const HeaderName = "X-Proofwork-Verify"

// headerAliases are accepted for operators who cannot set custom X- headers.
var headerAliases = []string{HeaderName, "Proofwork-Verify", "X-Proofwork-Token"}

// ErrTokenMismatch is returned when the proof is reachable but wrong.
var ErrTokenMismatch = errors.New("origin_token_mismatch")

// Config tunes verification egress.
type Config struct {
	DNSTimeout    time.Duration
	FetchTimeout  time.Duration
	MaxFetchBytes int64
	AllowPrivate  bool
	Resolver      string // host:port; defaults to the system resolver
}

// Verifier checks origin ownership proofs.
type Verifier struct {
	cfg    Config
	client *http.Client
	dns    *dns.Client
}

// NewVerifier constructs a Verifier with SSRF-guarded dialing.
func NewVerifier(cfg Config) *Verifier {
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.MaxFetchBytes <= 0 {
		cfg.MaxFetchBytes = 64 << 10
	}
	v := &Verifier{
		cfg: cfg,
		dns: &dns.Client{Timeout: cfg.DNSTimeout},
	}
	dialer := &net.Dialer{Timeout: cfg.FetchTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if !cfg.AllowPrivate && !IPAllowed(ip) {
					return nil, ErrHostPrivate
				}
			}
			// Dial the vetted address directly so a racing DNS change
			// cannot swap in a private target.
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
		DisableKeepAlives: true,
	}
	v.client = &http.Client{
		Timeout:   cfg.FetchTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return v
}

// Verify runs the requested method and returns nil when the token matches.
func (v *Verifier) Verify(ctx context.Context, method, origin, token string) error {
	parsed, err := ParseOrigin(origin)
	if err != nil {
		return err
	}
	switch method {
	case "dns_txt":
		return v.verifyDNS(ctx, parsed.Hostname(), token)
	case "http_file":
		return v.verifyFile(ctx, parsed.String(), token)
	case "http_header":
		return v.verifyHeader(ctx, parsed.String(), token)
	default:
		return fmt.Errorf("invalid_origin_method: %s", method)
	}
}

func (v *Verifier) verifyDNS(ctx context.Context, host, token string) error {
	name := dns.Fqdn(TXTLabel + "." + host)
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	msg.RecursionDesired = true

	server := v.cfg.Resolver
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return fmt.Errorf("origin_dns_unavailable: %w", err)
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	reply, _, err := v.dns.ExchangeContext(ctx, msg, server)
	if err != nil {
		return fmt.Errorf("origin_dns_lookup_failed: %w", err)
	}
	for _, rr := range reply.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, value := range txt.Txt {
			if strings.TrimSpace(value) == token {
				return nil
			}
		}
	}
	return ErrTokenMismatch
}

func (v *Verifier) verifyFile(ctx context.Context, origin, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+WellKnownPath, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrHostPrivate) {
			return ErrHostPrivate
		}
		return fmt.Errorf("origin_fetch_failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("origin_fetch_status_%d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, v.cfg.MaxFetchBytes))
	if err != nil {
		return fmt.Errorf("origin_fetch_failed: %w", err)
	}
	for _, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) == token {
			return nil
		}
	}
	return ErrTokenMismatch
}

func (v *Verifier) verifyHeader(ctx context.Context, origin, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, origin+"/", nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrHostPrivate) {
			return ErrHostPrivate
		}
		return fmt.Errorf("origin_fetch_failed: %w", err)
	}
	defer resp.Body.Close()
	for _, name := range headerAliases {
		if strings.TrimSpace(resp.Header.Get(name)) == token {
			return nil
		}
	}
	return ErrTokenMismatch
}
