package fetcher

import (
	"context"

	"market-digest/internal/domain"
)

// PriceFetcher reads current prices for a set of assets in one upstream call.
type PriceFetcher interface {
	FetchPrices(ctx context.Context, assets []domain.Asset) (domain.PriceSnapshot, error)
}

// SentimentFetcher reads the latest market sentiment reading.
type SentimentFetcher interface {
	FetchSentiment(ctx context.Context) (domain.Sentiment, error)
}

// QuoteFetcher reads one quote-of-the-day candidate.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context) (domain.Quote, error)
}
