// Package resolve dials campus hosts through a campus DNS server while
// leaving every other host to the system resolver.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/rsclarke/portalgate/internal/logging"
)

var ErrNoAddress = errors.New("no address records")

type Config struct {
	Server   string
	Suffixes []string
	Timeout  time.Duration
	// CacheTTL is how long answers are reused. Zero-TTL answers are never
	// cached.
	CacheTTL time.Duration
}

type Resolver struct {
	server   string
	suffixes []string
	client   *dns.Client
	dialer   *net.Dialer
	cache    *expirable.LRU[string, []net.IP]
	logger   *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	server := cfg.Server
	if server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
	}

	suffixes := make([]string, 0, len(cfg.Suffixes))
	for _, s := range cfg.Suffixes {
		s = strings.Trim(strings.ToLower(s), ".")
		if s != "" {
			suffixes = append(suffixes, s)
		}
	}

	return &Resolver{
		server:   server,
		suffixes: suffixes,
		client:   &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		dialer:   &net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second},
		cache:    expirable.NewLRU[string, []net.IP](256, nil, cfg.CacheTTL),
		logger:   logger,
	}
}

// Enabled reports whether a campus server is configured.
func (r *Resolver) Enabled() bool {
	return r.server != ""
}

// Handles reports whether host is resolved through the campus server.
func (r *Resolver) Handles(host string) bool {
	if !r.Enabled() || net.ParseIP(host) != nil {
		return false
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, s := range r.suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// DialContext dials addr, resolving campus hosts through the campus server
// and trying each returned address in turn.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || !r.Handles(host) {
		return r.dialer.DialContext(ctx, network, addr)
	}

	ips, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Lookup returns the A and AAAA records for host from the campus server.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	fqdn := dns.Fqdn(strings.ToLower(host))
	if ips, ok := r.cache.Get(fqdn); ok {
		return ips, nil
	}

	var ips []net.IP
	cacheable := true
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(fqdn, qtype)
		m.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, m, r.server)
		if err != nil {
			return nil, fmt.Errorf("query %s %s: %w", fqdn, dns.TypeToString[qtype], err)
		}
		if in.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range in.Answer {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A)
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
			default:
				continue
			}
			if rr.Header().Ttl == 0 {
				cacheable = false
			}
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoAddress, host)
	}
	if cacheable {
		r.cache.Add(fqdn, ips)
	}
	r.logger.Debug("campus lookup", logging.Host(host), zap.Int("answers", len(ips)))
	return ips, nil
}
