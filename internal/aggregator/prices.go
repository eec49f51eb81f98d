package aggregator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"market-digest/internal/cache"
	"market-digest/internal/domain"
	"market-digest/internal/fetcher"
)

// DefaultPriceTTL bounds how often prices are read upstream.
const DefaultPriceTTL = 5 * time.Minute

// PriceResult is the outcome of a price lookup. Snapshot is always usable; Err
// is set when an upstream failure forced a fallback.
type PriceResult struct {
	Snapshot domain.PriceSnapshot
	Source   Source
	Err      error
}

// Prices serves price snapshots through the upstream cache.
type Prices struct {
	cache   *cache.Cache[domain.PriceSnapshot]
	fetcher fetcher.PriceFetcher
	assets  []domain.Asset
	ttl     time.Duration
	group   singleflight.Group
	logger  zerolog.Logger
}

// NewPrices constructs the price aggregator.
func NewPrices(c *cache.Cache[domain.PriceSnapshot], f fetcher.PriceFetcher, assets []domain.Asset, ttl time.Duration, logger zerolog.Logger) *Prices {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	cp := make([]domain.Asset, len(assets))
	copy(cp, assets)
	return &Prices{
		cache:   c,
		fetcher: f,
		assets:  cp,
		ttl:     ttl,
		logger:  logger.With().Str("component", "price_aggregator").Logger(),
	}
}

// Snapshot returns the cached snapshot or refreshes it. Concurrent callers
// share one upstream request, which is detached from the first caller's
// cancellation and bounded by the upstream client timeout.
func (p *Prices) Snapshot(ctx context.Context) PriceResult {
	if snap, ok := p.cache.Get(pricesKey); ok {
		return PriceResult{Snapshot: snap, Source: SourceCache}
	}

	v, _, _ := p.group.Do(pricesKey, func() (interface{}, error) {
		// A caller that lost the race may find the value already refreshed.
		if snap, ok := p.cache.Get(pricesKey); ok {
			return PriceResult{Snapshot: snap, Source: SourceCache}, nil
		}
		return p.refresh(context.WithoutCancel(ctx)), nil
	})
	return v.(PriceResult)
}

func (p *Prices) refresh(ctx context.Context) PriceResult {
	snap, err := p.fetcher.FetchPrices(ctx, p.assets)
	if err != nil {
		if stale, fetchedAt, ok := p.cache.Stale(pricesKey); ok {
			p.logger.Warn().Err(err).Time("fetched_at", fetchedAt).Msg("price refresh failed; serving stale snapshot")
			return PriceResult{Snapshot: stale, Source: SourceStale, Err: err}
		}
		p.logger.Error().Err(err).Msg("price refresh failed; serving zero placeholder")
		return PriceResult{Snapshot: domain.PlaceholderSnapshot(p.assets), Source: SourcePlaceholder, Err: err}
	}

	if err := p.cache.Put(ctx, pricesKey, snap, p.ttl); err != nil {
		p.logger.Warn().Err(err).Msg("price cache mirror write failed")
	}
	return PriceResult{Snapshot: snap, Source: SourceFresh}
}

// Restore rehydrates the cache from its mirror, if any.
func (p *Prices) Restore(ctx context.Context) error {
	_, err := p.cache.Restore(ctx, pricesKey)
	return err
}

// LastRefresh reports when prices were last stored.
func (p *Prices) LastRefresh() time.Time {
	return p.cache.LastRefresh()
}
