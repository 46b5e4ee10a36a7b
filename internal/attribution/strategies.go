package attribution

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go4.org/netipx"
	"golang.org/x/net/publicsuffix"
)

// Strategy is one layer of the attribution chain. It returns ok=false to let
// the next strategy try.
type Strategy interface {
	Name() string
	TryAttribute(ctx context.Context, raw string, addr netip.Addr) (string, bool)
}

// privateStrategy keeps internal traffic under its own address.
type privateStrategy struct{}

func (privateStrategy) Name() string { return "private" }

func (privateStrategy) TryAttribute(_ context.Context, raw string, addr netip.Addr) (string, bool) {
	if IsPrivate(addr) {
		return raw, true
	}
	return "", false
}

// IsPrivate reports whether addr is RFC1918, loopback, link-local or an IPv6 ULA.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}

type providerSet struct {
	label string
	set   *netipx.IPSet
}

type providerStrategy struct {
	providers []providerSet
}

func newProviderStrategy(ranges []ProviderRange) (*providerStrategy, error) {
	providers := make([]providerSet, 0, len(ranges))
	for _, r := range ranges {
		var b netipx.IPSetBuilder
		for _, p := range r.Prefixes {
			prefix, err := netip.ParsePrefix(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("provider %q: parse prefix %q: %w", r.Label, p, err)
			}
			b.AddPrefix(prefix)
		}
		set, err := b.IPSet()
		if err != nil {
			return nil, fmt.Errorf("provider %q: build range set: %w", r.Label, err)
		}
		providers = append(providers, providerSet{label: r.Label, set: set})
	}
	return &providerStrategy{providers: providers}, nil
}

func (s *providerStrategy) Name() string { return "provider-range" }

func (s *providerStrategy) TryAttribute(_ context.Context, _ string, addr netip.Addr) (string, bool) {
	addr = addr.Unmap()
	for _, p := range s.providers {
		if p.set.Contains(addr) {
			return p.label, true
		}
	}
	return "", false
}

// Resolver performs reverse lookups. *dnscache.Resolver and *net.Resolver both satisfy it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

type reverseDNSStrategy struct {
	resolver Resolver
	timeout  time.Duration
	logger   zerolog.Logger
	cdn      map[string]struct{}
	generic  map[string]struct{}
	friendly map[string]string
}

func newReverseDNSStrategy(resolver Resolver, timeout time.Duration, logger zerolog.Logger) *reverseDNSStrategy {
	return &reverseDNSStrategy{
		resolver: resolver,
		timeout:  timeout,
		logger:   logger,
		cdn:      toSet(cdnDomains),
		generic:  toSet(genericSubdomains),
		friendly: friendlyNames,
	}
}

func (s *reverseDNSStrategy) Name() string { return "reverse-dns" }

func (s *reverseDNSStrategy) TryAttribute(ctx context.Context, _ string, addr netip.Addr) (string, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	names, err := s.resolver.LookupAddr(lookupCtx, addr.Unmap().String())
	if err != nil || len(names) == 0 {
		s.logger.Debug().Err(err).Str("ip", addr.String()).Msg("Reverse lookup failed")
		return "", false
	}
	return s.labelFor(names[0])
}

func (s *reverseDNSStrategy) labelFor(hostname string) (string, bool) {
	domain := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
	if domain == "" || looksLikeIP(domain) {
		return "", false
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return domain, true
	}

	suffixLabels := registrableLabelCount(domain, len(labels))
	suffix := strings.Join(labels[len(labels)-suffixLabels:], ".")

	if _, ok := s.cdn[suffix]; ok {
		if len(labels) > suffixLabels {
			if _, generic := s.generic[labels[0]]; !generic {
				return labels[0] + "." + suffix, true
			}
		}
		return suffix, true
	}

	// Longest match first so docs.google.com beats google.com.
	for i := 0; i <= len(labels)-suffixLabels; i++ {
		if name, ok := s.friendly[strings.Join(labels[i:], ".")]; ok {
			return name, true
		}
	}
	return suffix, true
}

// registrableLabelCount is two labels, or three when the ICANN suffix itself
// spans two labels (co.uk, com.au).
func registrableLabelCount(domain string, total int) int {
	ps, icann := publicsuffix.PublicSuffix(domain)
	if icann {
		if n := strings.Count(ps, ".") + 2; n > 2 && n <= total {
			return n
		}
	}
	return 2
}

func looksLikeIP(domain string) bool {
	if _, err := netip.ParseAddr(domain); err == nil {
		return true
	}
	if strings.Count(domain, ".") < 2 {
		return false
	}
	digits := 0
	for _, c := range domain {
		if c >= '0' && c <= '9' {
			digits++
		}
	}
	return float64(digits) > float64(len(domain))*0.5
}

// fallbackStrategy always produces a label so attribution never fails.
type fallbackStrategy struct{}

func (fallbackStrategy) Name() string { return "fallback" }

func (fallbackStrategy) TryAttribute(_ context.Context, raw string, addr netip.Addr) (string, bool) {
	if addr.IsValid() {
		return fallbackLabel(addr.Unmap().String()), true
	}
	return fallbackLabel(raw), true
}

func fallbackLabel(ip string) string {
	ip = strings.TrimSpace(ip)
	sep := "."
	if !strings.Contains(ip, ".") && strings.Contains(ip, ":") {
		sep = ":"
	}
	parts := strings.Split(ip, sep)
	last := parts[len(parts)-1]
	if last == "" {
		last = "unknown"
	}
	return "service-" + last
}
