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

// DefaultSentimentTTL bounds how often the index is read upstream.
const DefaultSentimentTTL = 5 * time.Minute

// SentimentResult is the outcome of a sentiment lookup. Sentiment is nil when
// nothing is known.
type SentimentResult struct {
	Sentiment *domain.Sentiment
	Source    Source
	Err       error
}

// Sentiments serves the sentiment index through the upstream cache.
type Sentiments struct {
	cache   *cache.Cache[domain.Sentiment]
	fetcher fetcher.SentimentFetcher
	ttl     time.Duration
	group   singleflight.Group
	logger  zerolog.Logger
}

// NewSentiments constructs the sentiment aggregator.
func NewSentiments(c *cache.Cache[domain.Sentiment], f fetcher.SentimentFetcher, ttl time.Duration, logger zerolog.Logger) *Sentiments {
	if ttl <= 0 {
		ttl = DefaultSentimentTTL
	}
	return &Sentiments{
		cache:   c,
		fetcher: f,
		ttl:     ttl,
		logger:  logger.With().Str("component", "sentiment_aggregator").Logger(),
	}
}

// Sentiment returns the cached reading or refreshes it. The shared refresh
// outlives a cancelled caller.
func (s *Sentiments) Sentiment(ctx context.Context) SentimentResult {
	if v, ok := s.cache.Get(sentimentKey); ok {
		return SentimentResult{Sentiment: &v, Source: SourceCache}
	}

	v, _, _ := s.group.Do(sentimentKey, func() (interface{}, error) {
		if v, ok := s.cache.Get(sentimentKey); ok {
			return SentimentResult{Sentiment: &v, Source: SourceCache}, nil
		}
		return s.refresh(context.WithoutCancel(ctx)), nil
	})
	res := v.(SentimentResult)
	if res.Sentiment != nil {
		cp := *res.Sentiment
		res.Sentiment = &cp
	}
	return res
}

func (s *Sentiments) refresh(ctx context.Context) SentimentResult {
	reading, err := s.fetcher.FetchSentiment(ctx)
	if err != nil {
		if stale, fetchedAt, ok := s.cache.Stale(sentimentKey); ok {
			s.logger.Warn().Err(err).Time("fetched_at", fetchedAt).Msg("sentiment refresh failed; serving stale value")
			return SentimentResult{Sentiment: &stale, Source: SourceStale, Err: err}
		}
		s.logger.Error().Err(err).Msg("sentiment refresh failed; sentiment unknown")
		return SentimentResult{Source: SourceAbsent, Err: err}
	}

	if err := s.cache.Put(ctx, sentimentKey, reading, s.ttl); err != nil {
		s.logger.Warn().Err(err).Msg("sentiment cache mirror write failed")
	}
	return SentimentResult{Sentiment: &reading, Source: SourceFresh}
}

// Restore rehydrates the cache from its mirror, if any.
func (s *Sentiments) Restore(ctx context.Context) error {
	_, err := s.cache.Restore(ctx, sentimentKey)
	return err
}

// LastRefresh reports when sentiment was last stored.
func (s *Sentiments) LastRefresh() time.Time {
	return s.cache.LastRefresh()
}
