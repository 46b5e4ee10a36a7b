// Package attribution maps remote endpoint addresses to human-readable service labels.
//
// Attribution is layered: private addresses keep their own address, well-known
// provider ranges are matched statically, then a reverse lookup is tried, and
// finally a synthetic label derived from the address is used. Attribution never
// returns an error; every failure degrades to the next layer.
package attribution

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultDNSTimeout = 300 * time.Millisecond

// Config controls the default strategy chain.
type Config struct {
	Resolver   Resolver        // nil disables reverse lookups
	DNSTimeout time.Duration   // per-lookup bound, defaults to 300ms
	Providers  []ProviderRange // nil uses DefaultProviders
	Logger     *zerolog.Logger
}

// Attributor walks an ordered list of strategies until one yields a label.
type Attributor struct {
	strategies []Strategy
}

// New builds the default chain: private, provider ranges, reverse DNS, fallback.
func New(cfg Config) (*Attributor, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "attribution").Logger()
	}

	timeout := cfg.DNSTimeout
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}

	providers := cfg.Providers
	if providers == nil {
		providers = DefaultProviders
	}
	providerLayer, err := newProviderStrategy(providers)
	if err != nil {
		return nil, err
	}

	strategies := []Strategy{privateStrategy{}, providerLayer}
	if cfg.Resolver != nil {
		strategies = append(strategies, newReverseDNSStrategy(cfg.Resolver, timeout, logger))
	}
	return NewWithStrategies(strategies...), nil
}

// NewWithStrategies builds an Attributor from an explicit chain. A fallback
// strategy is always appended so Attribute is total.
func NewWithStrategies(strategies ...Strategy) *Attributor {
	chain := make([]Strategy, 0, len(strategies)+1)
	chain = append(chain, strategies...)
	chain = append(chain, fallbackStrategy{})
	return &Attributor{strategies: chain}
}

// Attribute returns the service label for a remote IP.
func (a *Attributor) Attribute(ctx context.Context, ip string) string {
	raw := strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return fallbackLabel(raw)
	}
	for _, s := range a.strategies {
		if label, ok := s.TryAttribute(ctx, raw, addr); ok && label != "" {
			return label
		}
	}
	return fallbackLabel(raw)
}

// Strategies returns the names of the configured layers in evaluation order.
func (a *Attributor) Strategies() []string {
	names := make([]string, 0, len(a.strategies))
	for _, s := range a.strategies {
		names = append(names, s.Name())
	}
	return names
}
