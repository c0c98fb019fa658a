package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/busybox42/elemta-core/internal/cache"
	"github.com/busybox42/elemta-core/internal/config"
)

// Resolver returns the hosts to try for a recipient domain, best first.
type Resolver interface {
	Resolve(ctx context.Context, domain string) ([]string, error)
}

// StaticResolver sends everything to one smart host.
type StaticResolver struct {
	Host string
}

// Resolve implements Resolver.
func (s StaticResolver) Resolve(context.Context, string) ([]string, error) {
	return []string{s.Host}, nil
}

// DNSResolver looks up MX records, falling back to the domain itself when
// there are none.
type DNSResolver struct {
	client *dns.Client
	server string
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewDNSResolver creates a resolver. An empty server uses the first
// nameserver in /etc/resolv.conf. c may be nil.
func NewDNSResolver(cfg config.DNSConfig, c cache.Cache) (*DNSResolver, error) {
	server := cfg.Server
	if server == "" {
		cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("failed to read resolver configuration: %w", err)
		}
		if len(cc.Servers) == 0 {
			return nil, errors.New("no nameservers configured")
		}
		server = net.JoinHostPort(cc.Servers[0], cc.Port)
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &DNSResolver{
		client: &dns.Client{Net: "udp", Timeout: timeout},
		server: server,
		cache:  c,
		ttl:    cfg.CacheTTL.Duration,
		logger: slog.Default().With("component", "dns-resolver"),
	}, nil
}

func cacheKey(domain string) string {
	return "mx:" + domain
}

// Resolve implements Resolver. NXDOMAIN and a null MX are permanent
// failures; other lookup errors are transient.
func (r *DNSResolver) Resolve(ctx context.Context, domain string) ([]string, error) {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if domain == "" {
		return nil, Permanent("", errors.New("recipient has no domain"))
	}

	if hosts, ok := r.cached(ctx, domain); ok {
		return hosts, nil
	}

	hosts, err := r.lookup(ctx, domain)
	if err != nil {
		return nil, err
	}
	r.store(ctx, domain, hosts)
	return hosts, nil
}

func (r *DNSResolver) lookup(ctx context.Context, domain string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, Transient("", fmt.Errorf("MX lookup failed for %s: %w", domain, err))
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, Permanent("", fmt.Errorf("domain %s does not exist", domain))
	default:
		return nil, Transient("", fmt.Errorf("MX lookup failed for %s: %s", domain, dns.RcodeToString[resp.Rcode]))
	}

	var mxs []*dns.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, mx)
		}
	}
	if len(mxs) == 0 {
		r.logger.Debug("No MX records, using implicit MX", "domain", domain)
		return []string{domain}, nil
	}
	if len(mxs) == 1 && mxs[0].Mx == "." {
		return nil, Permanent("", fmt.Errorf("domain %s does not accept mail", domain))
	}

	return sortMX(mxs), nil
}

// sortMX orders records by preference, then by name.
func sortMX(mxs []*dns.MX) []string {
	sort.SliceStable(mxs, func(i, j int) bool {
		if mxs[i].Preference != mxs[j].Preference {
			return mxs[i].Preference < mxs[j].Preference
		}
		return mxs[i].Mx < mxs[j].Mx
	})
	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		hosts = append(hosts, strings.TrimSuffix(mx.Mx, "."))
	}
	return hosts
}

func (r *DNSResolver) cached(ctx context.Context, domain string) ([]string, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, err := r.cache.Get(ctx, cacheKey(domain))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.logger.Warn("Failed to read MX cache", "domain", domain, "error", err)
		}
		return nil, false
	}
	var hosts []string
	if err := json.Unmarshal(data, &hosts); err != nil || len(hosts) == 0 {
		return nil, false
	}
	return hosts, true
}

func (r *DNSResolver) store(ctx context.Context, domain string, hosts []string) {
	if r.cache == nil || r.ttl <= 0 {
		return
	}
	data, err := json.Marshal(hosts)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(domain), data, r.ttl); err != nil {
		r.logger.Warn("Failed to write MX cache", "domain", domain, "error", err)
	}
}
