package attribution

import (
	"context"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog"
)

// NewResolver returns a caching resolver for reverse lookups.
func NewResolver(timeout time.Duration) *dnscache.Resolver {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	return &dnscache.Resolver{Timeout: timeout}
}

// RunRefresh periodically refreshes the resolver cache and drops unused entries
// until ctx is cancelled.
func RunRefresh(ctx context.Context, resolver *dnscache.Resolver, interval time.Duration, logger zerolog.Logger) {
	if resolver == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
			logger.Debug().Dur("interval", interval).Msg("DNS cache refreshed")
		}
	}
}
